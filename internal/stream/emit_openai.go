package stream

import (
	"encoding/json"

	"github.com/claudegate/claudegate/internal/wire"
)

// OpenAIEmitter rebuilds the chat-completion chunk envelope from a normalized
// sequence, for consumers that speak the OpenAI dialect. It is stateful: tool
// blocks are renumbered into per-stream tool_call indices, and the id and
// model captured at message_start stamp every chunk.
type OpenAIEmitter struct {
	id      string
	model   string
	created int64
	tools   map[int]int // content block index -> tool_call index
}

// NewOpenAIEmitter returns an emitter stamping chunks with the given created
// timestamp (unix seconds).
func NewOpenAIEmitter(created int64) *OpenAIEmitter {
	return &OpenAIEmitter{created: created, tools: make(map[int]int)}
}

// Frames renders ev as zero or more SSE frames in emit order. Events with no
// OpenAI counterpart (pings, text block boundaries) render as nothing.
func (e *OpenAIEmitter) Frames(ev Event) [][]byte {
	switch ev.Type {
	case MessageStart:
		e.id = ev.MessageID
		e.model = ev.Model
		return [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{Role: wire.RoleAssistant}})}

	case ContentBlockStart:
		if ev.Block == nil || ev.Block.Type != wire.BlockToolUse {
			return nil
		}
		k := len(e.tools)
		e.tools[ev.Index] = k
		call := wire.ToolCall{
			Index:    &k,
			ID:       ev.Block.ID,
			Type:     "function",
			Function: wire.FunctionCall{Name: ev.Block.Name},
		}
		return [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{ToolCalls: []wire.ToolCall{call}}})}

	case ContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case wire.DeltaTypeText:
			text := ev.Delta.Text
			return [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{Content: &text}})}
		case wire.DeltaTypeThinking:
			return [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{ReasoningContent: ev.Delta.Thinking}})}
		case wire.DeltaTypeInputJSON:
			k, ok := e.tools[ev.Index]
			if !ok {
				return nil
			}
			call := wire.ToolCall{Index: &k, Function: wire.FunctionCall{Arguments: ev.Delta.PartialJSON}}
			return [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{ToolCalls: []wire.ToolCall{call}}})}
		default:
			return nil
		}

	case MessageDelta:
		reason := finishFromStop(ev.StopReason)
		frames := [][]byte{e.chunk(wire.ChatChoice{Delta: &wire.ResponseMessage{}, FinishReason: &reason})}
		if ev.Usage != (wire.Usage{}) {
			frames = append(frames, dataFrame(wire.ChatStreamChunk{
				ID:      e.id,
				Object:  "chat.completion.chunk",
				Created: e.created,
				Model:   e.model,
				Choices: []wire.ChatChoice{},
				Usage: &wire.ChatUsage{
					PromptTokens:     ev.Usage.InputTokens,
					CompletionTokens: ev.Usage.OutputTokens,
					TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
				},
			}))
		}
		return frames

	case MessageStop:
		return [][]byte{DoneFrame}

	case ErrorEvent:
		detail := wire.ErrorDetail{Type: wire.ErrAPI, Message: "stream error"}
		if ev.Err != nil {
			detail = *ev.Err
		}
		body := map[string]any{"error": map[string]any{"type": detail.Type, "message": detail.Message}}
		return [][]byte{dataFrame(body)}

	default:
		return nil
	}
}

func (e *OpenAIEmitter) chunk(choice wire.ChatChoice) []byte {
	return dataFrame(wire.ChatStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []wire.ChatChoice{choice},
	})
}

// finishFromStop is the inverse of the stop-reason mapping, collapsing
// stop_sequence back onto "stop".
func finishFromStop(stop string) string {
	switch stop {
	case wire.StopMaxTokens:
		return wire.FinishLength
	case wire.StopToolUse:
		return wire.FinishToolCalls
	default:
		return wire.FinishStop
	}
}

func dataFrame(payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}
