// Package stream normalizes upstream streaming chunks of either dialect into
// one internal event sequence and renders that sequence back out as wire
// frames. Sequences are finite, consumed once, and preserve the ordering
// guarantee that a block's start precedes its deltas which precede its stop,
// with indices dense in first-seen order.
package stream

import "github.com/claudegate/claudegate/internal/wire"

// EventType tags the normalized stream events. Values match the Anthropic
// envelope names so the emitter can reuse them as SSE event names.
type EventType string

const (
	MessageStart      EventType = "message_start"
	ContentBlockStart EventType = "content_block_start"
	ContentBlockDelta EventType = "content_block_delta"
	ContentBlockStop  EventType = "content_block_stop"
	MessageDelta      EventType = "message_delta"
	MessageStop       EventType = "message_stop"
	Ping              EventType = "ping"
	ErrorEvent        EventType = "error"
)

// Event is the normalized union, sent on a single channel. Which fields are
// meaningful depends on Type: MessageID/Model/Usage for message_start, Index
// plus Block or Delta for block events, StopReason/StopSequence/Usage for
// message_delta, Err for error.
type Event struct {
	Type EventType

	MessageID string
	Model     string
	Usage     wire.Usage

	Index int
	Block *wire.ContentBlock
	Delta *wire.StreamDelta

	StopReason   string
	StopSequence *string

	Err *wire.ErrorDetail
}

// Source yields successive SSE data payloads from an upstream connection.
// Next returns io.EOF when the stream is exhausted.
type Source interface {
	Next() ([]byte, error)
}

// Constructors for the event variants used across the package.

func messageStartEvent(id, model string, usage wire.Usage) Event {
	return Event{Type: MessageStart, MessageID: id, Model: model, Usage: usage}
}

func blockStartEvent(index int, block wire.ContentBlock) Event {
	return Event{Type: ContentBlockStart, Index: index, Block: &block}
}

func textDeltaEvent(index int, text string) Event {
	return Event{Type: ContentBlockDelta, Index: index, Delta: &wire.StreamDelta{Type: wire.DeltaTypeText, Text: text}}
}

func thinkingDeltaEvent(index int, text string) Event {
	return Event{Type: ContentBlockDelta, Index: index, Delta: &wire.StreamDelta{Type: wire.DeltaTypeThinking, Thinking: text}}
}

func inputDeltaEvent(index int, fragment string) Event {
	return Event{Type: ContentBlockDelta, Index: index, Delta: &wire.StreamDelta{Type: wire.DeltaTypeInputJSON, PartialJSON: fragment}}
}

func blockStopEvent(index int) Event {
	return Event{Type: ContentBlockStop, Index: index}
}

func messageDeltaEvent(stopReason string, stopSequence *string, usage wire.Usage) Event {
	return Event{Type: MessageDelta, StopReason: stopReason, StopSequence: stopSequence, Usage: usage}
}

func messageStopEvent() Event {
	return Event{Type: MessageStop}
}

func errorEvent(kind, message string) Event {
	return Event{Type: ErrorEvent, Err: &wire.ErrorDetail{Type: kind, Message: message}}
}

// TextEvent builds a text delta; exported for components that splice
// synthetic content into a live stream.
func TextEvent(index int, text string) Event {
	return textDeltaEvent(index, text)
}

// BlockStartEvent and BlockStopEvent likewise support splicing synthetic
// blocks.
func BlockStartEvent(index int, block wire.ContentBlock) Event {
	return blockStartEvent(index, block)
}

func BlockStopEvent(index int) Event {
	return blockStopEvent(index)
}
