package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// notebookCell is the subset of the Jupyter cell schema the renderer needs.
// Source fields appear both as a single string and as a line array in the
// wild, so they decode through json.RawMessage.
type notebookCell struct {
	CellType string           `json:"cell_type"`
	Source   json.RawMessage  `json:"source"`
	Outputs  []notebookOutput `json:"outputs"`
}

type notebookOutput struct {
	OutputType string                     `json:"output_type"`
	Text       json.RawMessage            `json:"text"`
	Data       map[string]json.RawMessage `json:"data"`
	EName      string                     `json:"ename"`
	EValue     string                     `json:"evalue"`
}

type notebookFile struct {
	Cells []notebookCell `json:"cells"`
}

// notebookReadHandler renders a .ipynb file as readable text: each cell
// tagged with its type and index, outputs inlined after code cells.
func notebookReadHandler(workspace string) Handler {
	return func(_ context.Context, _ string, input map[string]any) (any, error) {
		raw := stringArg(input, "path")
		path := resolvePath(workspace, raw)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", raw, err)
		}

		var nb notebookFile
		if err := json.Unmarshal(data, &nb); err != nil {
			return nil, fmt.Errorf("parsing notebook %s: %w", raw, err)
		}

		var b strings.Builder
		for i, cell := range nb.Cells {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[cell %d: %s]\n%s\n", i, cell.CellType, sourceText(cell.Source))
			for _, out := range cell.Outputs {
				if text := outputText(out); text != "" {
					fmt.Fprintf(&b, "[output: %s]\n%s\n", out.OutputType, text)
				}
			}
		}
		if b.Len() == 0 {
			return "(empty notebook)", nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

// sourceText joins a notebook source field, which may be a string or a list
// of line strings.
func sourceText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimRight(s, "\n")
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.TrimRight(strings.Join(lines, ""), "\n")
	}
	return ""
}

// outputText extracts the printable part of one cell output.
func outputText(out notebookOutput) string {
	switch out.OutputType {
	case "stream":
		return strings.TrimRight(sourceText(out.Text), "\n")
	case "execute_result", "display_data":
		if plain, ok := out.Data["text/plain"]; ok {
			return strings.TrimRight(sourceText(plain), "\n")
		}
		return ""
	case "error":
		return fmt.Sprintf("%s: %s", out.EName, out.EValue)
	default:
		return ""
	}
}
