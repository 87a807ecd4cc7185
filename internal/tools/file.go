package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readFileHandler reads a file, optionally windowed by a 1-based offset and
// a line limit.
func readFileHandler(workspace string) Handler {
	return func(_ context.Context, _ string, input map[string]any) (any, error) {
		path := resolvePath(workspace, stringArg(input, "path"))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", stringArg(input, "path"), err)
		}

		offset := intArg(input, "offset", 0)
		limit := intArg(input, "limit", 0)
		if offset <= 0 && limit <= 0 {
			return string(data), nil
		}

		lines := strings.Split(string(data), "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", nil
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		return strings.Join(lines[start:end], "\n"), nil
	}
}

// writeFileHandler writes content to a path, creating parent directories.
func writeFileHandler(workspace string) Handler {
	return func(_ context.Context, _ string, input map[string]any) (any, error) {
		raw := stringArg(input, "path")
		content := stringArg(input, "content")
		path := resolvePath(workspace, raw)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating parent directory for %s: %w", raw, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", raw, err)
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(content), raw), nil
	}
}

// listDirectoryHandler lists one directory level, directories marked with a
// trailing slash.
func listDirectoryHandler(workspace string) Handler {
	return func(_ context.Context, _ string, input map[string]any) (any, error) {
		raw := stringArg(input, "path")
		if raw == "" {
			raw = "."
		}
		path := resolvePath(workspace, raw)

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", raw, err)
		}

		var b strings.Builder
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				fmt.Fprintf(&b, "%s/\n", name)
				continue
			}
			info, err := entry.Info()
			if err != nil {
				fmt.Fprintf(&b, "%s\n", name)
				continue
			}
			fmt.Fprintf(&b, "%s\t%d\n", name, info.Size())
		}
		if b.Len() == 0 {
			return "(empty directory)", nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}
