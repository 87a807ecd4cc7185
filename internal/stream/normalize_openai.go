package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/claudegate/claudegate/internal/translate"
	"github.com/claudegate/claudegate/internal/wire"
)

// NormalizeOpenAI reads OpenAI chat-completion chunks from src and rewrites
// them as the normalized event sequence. Block indices are dense and assigned
// in first-seen order; tool-call fragments are keyed by their upstream index
// so interleaved calls accumulate independently. The returned channel closes
// after MessageStop. model is the name surfaced in message_start, which
// callers set to the client's original alias.
//
// Block stops fire as soon as finish_reason arrives; message_delta and
// message_stop wait for end of stream so the trailing usage-only chunk that
// stream_options.include_usage appends still lands in the final accounting.
func NormalizeOpenAI(ctx context.Context, src Source, model string) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		n := &openAINormalizer{
			ctx:        ctx,
			out:        out,
			model:      model,
			textIndex:  -1,
			thinkIndex: -1,
			lastTool:   -1,
			toolBlocks: make(map[int]int),
		}
		n.run(src)
	}()
	return out
}

type openAINormalizer struct {
	ctx   context.Context
	out   chan<- Event
	model string
	dead  bool

	started    bool
	nextIndex  int
	textIndex  int
	thinkIndex int
	toolBlocks map[int]int // upstream tool_call index -> content block index
	lastTool   int         // block index of the most recent tool block
	open       []int       // block indices not yet stopped, in open order
	stop       string      // mapped stop reason once finish_reason arrives
	usage      wire.Usage
}

func (n *openAINormalizer) run(src Source) {
	for !n.dead {
		data, err := src.Next()
		if errors.Is(err, io.EOF) {
			n.finish()
			return
		}
		if err != nil {
			n.send(errorEvent(wire.ErrAPI, "upstream stream failed: "+err.Error()))
			n.send(messageStopEvent())
			return
		}
		var chunk wire.ChatStreamChunk
		if jsonErr := json.Unmarshal(data, &chunk); jsonErr != nil {
			// Vendor keep-alives and malformed frames are dropped rather
			// than aborting a stream that is otherwise healthy.
			continue
		}
		n.handle(&chunk)
	}
}

func (n *openAINormalizer) handle(chunk *wire.ChatStreamChunk) {
	if chunk.Usage != nil {
		n.usage = wire.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	// Requests are sent with a single completion, so only choice 0 matters.
	choice := chunk.Choices[0]
	n.start()

	if d := choice.Delta; d != nil {
		if d.ReasoningContent != "" {
			n.send(thinkingDeltaEvent(n.thinkingBlock(), d.ReasoningContent))
		}
		if d.Content != nil && *d.Content != "" {
			n.send(textDeltaEvent(n.textBlock(), *d.Content))
		}
		for pos, call := range d.ToolCalls {
			n.toolFragment(pos, call)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		n.stop = translate.MapFinishReason(*choice.FinishReason)
		n.closeBlocks()
	}
}

func (n *openAINormalizer) toolFragment(pos int, call wire.ToolCall) {
	key := pos
	if call.Index != nil {
		key = *call.Index
	}
	idx, ok := n.toolBlocks[key]
	switch {
	case ok:
	case call.ID == "" && call.Function.Name == "":
		// Continuation for an index that never announced itself; attach to
		// the most recent tool block when one exists.
		if n.lastTool == -1 {
			return
		}
		idx = n.lastTool
		n.toolBlocks[key] = idx
	default:
		idx = n.openBlock(wire.ToolUseBlock(translate.NewToolUseID(call.ID), call.Function.Name, nil))
		n.toolBlocks[key] = idx
		n.lastTool = idx
	}
	if call.Function.Arguments != "" {
		n.send(inputDeltaEvent(idx, call.Function.Arguments))
	}
}

func (n *openAINormalizer) start() {
	if n.started {
		return
	}
	n.started = true
	n.send(messageStartEvent(translate.NewMessageID(), n.model, wire.Usage{}))
}

func (n *openAINormalizer) textBlock() int {
	if n.textIndex == -1 {
		n.textIndex = n.openBlock(wire.ContentBlock{Type: wire.BlockText})
	}
	return n.textIndex
}

func (n *openAINormalizer) thinkingBlock() int {
	if n.thinkIndex == -1 {
		n.thinkIndex = n.openBlock(wire.ContentBlock{Type: wire.BlockThinking})
	}
	return n.thinkIndex
}

func (n *openAINormalizer) openBlock(block wire.ContentBlock) int {
	idx := n.nextIndex
	n.nextIndex++
	n.open = append(n.open, idx)
	n.send(blockStartEvent(idx, block))
	return idx
}

func (n *openAINormalizer) closeBlocks() {
	for _, idx := range n.open {
		n.send(blockStopEvent(idx))
	}
	n.open = n.open[:0]
	// A delta arriving after finish_reason must open a fresh block rather
	// than write into a stopped one.
	n.textIndex = -1
	n.thinkIndex = -1
	n.toolBlocks = make(map[int]int)
	n.lastTool = -1
}

// finish completes the envelope at end of stream, closing any blocks the
// upstream abandoned and defaulting the stop reason when none arrived.
func (n *openAINormalizer) finish() {
	n.start()
	n.closeBlocks()
	if n.stop == "" {
		n.stop = wire.StopEndTurn
	}
	n.send(messageDeltaEvent(n.stop, nil, n.usage))
	n.send(messageStopEvent())
}

func (n *openAINormalizer) send(ev Event) {
	if n.dead {
		return
	}
	select {
	case n.out <- ev:
	case <-n.ctx.Done():
		n.dead = true
	}
}
