package stream

import (
	"bytes"
	"encoding/json"

	"github.com/claudegate/claudegate/internal/wire"
)

// DoneFrame terminates an Anthropic-dialect SSE stream.
var DoneFrame = []byte("data: [DONE]\n\n")

// FrameAnthropic renders one normalized event as an Anthropic SSE frame,
// "event: <name>\ndata: <json>\n\n". Every event type has a rendering, so a
// normalized sequence can be relayed frame for frame.
func FrameAnthropic(ev Event) []byte {
	switch ev.Type {
	case MessageStart:
		return frame(MessageStart, wire.StreamChunk{
			Type: string(MessageStart),
			Message: &wire.StreamMessage{
				ID:      ev.MessageID,
				Type:    "message",
				Role:    wire.RoleAssistant,
				Model:   ev.Model,
				Content: []wire.ContentBlock{},
				Usage:   ev.Usage,
			},
		})
	case ContentBlockStart:
		return frame(ContentBlockStart, blockStartBody{
			Type:         string(ContentBlockStart),
			Index:        ev.Index,
			ContentBlock: blockShell(ev.Block),
		})
	case ContentBlockDelta:
		return frame(ContentBlockDelta, blockDeltaBody{
			Type:  string(ContentBlockDelta),
			Index: ev.Index,
			Delta: ev.Delta,
		})
	case ContentBlockStop:
		return frame(ContentBlockStop, blockStopBody{
			Type:  string(ContentBlockStop),
			Index: ev.Index,
		})
	case MessageDelta:
		body := messageDeltaBody{Type: string(MessageDelta)}
		body.Delta.StopReason = ev.StopReason
		body.Delta.StopSequence = ev.StopSequence
		body.Usage.OutputTokens = ev.Usage.OutputTokens
		return frame(MessageDelta, body)
	case MessageStop:
		return frame(MessageStop, typeOnlyBody{Type: string(MessageStop)})
	case Ping:
		return frame(Ping, typeOnlyBody{Type: string(Ping)})
	case ErrorEvent:
		detail := wire.ErrorDetail{Type: wire.ErrAPI, Message: "stream error"}
		if ev.Err != nil {
			detail = *ev.Err
		}
		return frame(ErrorEvent, wire.NewErrorEnvelope(detail.Type, detail.Message))
	default:
		return nil
	}
}

type typeOnlyBody struct {
	Type string `json:"type"`
}

type blockStartBody struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

type blockDeltaBody struct {
	Type  string            `json:"type"`
	Index int               `json:"index"`
	Delta *wire.StreamDelta `json:"delta"`
}

type blockStopBody struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaBody struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage wire.DeltaUsage `json:"usage"`
}

// blockShell keeps the fields a block-start shell is expected to carry even
// when empty: text blocks always show "text", tool_use always shows "input".
func blockShell(block *wire.ContentBlock) any {
	if block == nil {
		return map[string]any{"type": wire.BlockText, "text": ""}
	}
	switch block.Type {
	case wire.BlockText:
		return map[string]any{"type": wire.BlockText, "text": block.Text}
	case wire.BlockToolUse:
		input := block.Input
		if input == nil {
			input = map[string]any{}
		}
		return map[string]any{"type": wire.BlockToolUse, "id": block.ID, "name": block.Name, "input": input}
	case wire.BlockThinking:
		return map[string]any{"type": wire.BlockThinking, "thinking": block.Thinking}
	default:
		return block
	}
}

func frame(name EventType, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	var b bytes.Buffer
	b.Grow(len(name) + len(data) + 18)
	b.WriteString("event: ")
	b.WriteString(string(name))
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}
