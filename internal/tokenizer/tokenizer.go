// Package tokenizer estimates input token counts locally, without an
// upstream call. Counts are estimates: the cl100k_base encoding is a close
// stand-in for Anthropic's tokenizer, and the heuristic fallback is coarser
// still, but count_tokens must answer even when no vocabulary can be loaded.
package tokenizer

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/wire"
)

const encodingName = "cl100k_base"

// messageOverhead covers the role tag and separators each turn costs beyond
// its content.
const messageOverhead = 4

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

// Tokenizer counts with cl100k_base when the vocabulary is available and
// falls back to a word/char heuristic when it is not. The encoding loads
// lazily on first use so startup never blocks on the vocabulary fetch.
type Tokenizer struct {
	logger *zap.Logger
	load   func() (*tiktoken.Tiktoken, error)

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// New builds a Tokenizer backed by cl100k_base.
func New(logger *zap.Logger) *Tokenizer {
	return &Tokenizer{
		logger: logger,
		load:   func() (*tiktoken.Tiktoken, error) { return tiktoken.GetEncoding(encodingName) },
	}
}

func (t *Tokenizer) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := t.load()
		if err != nil {
			t.logger.Warn("token encoding unavailable, falling back to heuristic counts",
				zap.String("encoding", encodingName),
				zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.enc
}

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := t.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristicCount(text)
}

// CountRequest sums the countable surfaces of a Messages request: system
// prompt, every message's text, thinking, tool calls and tool results, and
// the tool definitions themselves, plus a small per-message overhead.
func (t *Tokenizer) CountRequest(req *wire.MessagesRequest) int {
	total := 0

	if sys, err := wire.SystemText(req.System); err == nil {
		total += t.Count(sys)
	}

	for _, msg := range req.Messages {
		total += messageOverhead
		blocks, err := msg.Blocks()
		if err != nil {
			continue
		}
		for _, b := range blocks {
			switch b.Type {
			case wire.BlockText:
				total += t.Count(b.Text)
			case wire.BlockThinking:
				total += t.Count(b.Thinking)
			case wire.BlockToolUse:
				total += t.Count(b.Name)
				if raw, err := json.Marshal(b.Input); err == nil {
					total += t.Count(string(raw))
				}
			case wire.BlockToolResult:
				total += t.Count(b.ResultText())
			}
		}
	}

	for _, tool := range req.Tools {
		total += t.Count(tool.Name)
		total += t.Count(tool.Description)
		total += t.Count(string(tool.InputSchema))
	}

	return total
}

// heuristicCount approximates a BPE count from shape alone: prose averages a
// token per ~3/4 word, dense text a token per ~4 characters; the larger
// estimate wins so long identifiers are not undercounted.
func heuristicCount(text string) int {
	words := len(strings.Fields(text))
	chars := utf8.RuneCountInString(text)
	byWords := words * 4 / 3
	byChars := chars / 4
	if byWords > byChars {
		return byWords
	}
	return byChars
}
