package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/claudegate/claudegate/internal/wire"
)

// NormalizeAnthropic decodes a passthrough Anthropic stream into the same
// event sequence. The mapping is an identity: indices, ordering, and deltas
// are relayed as received. A stream that drops before message_stop still
// yields one so every consumer sees a terminated envelope.
func NormalizeAnthropic(ctx context.Context, src Source) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		relayAnthropic(ctx, src, out)
	}()
	return out
}

func relayAnthropic(ctx context.Context, src Source, out chan<- Event) {
	sawStop := false
	send := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		data, err := src.Next()
		if errors.Is(err, io.EOF) {
			if !sawStop {
				send(messageStopEvent())
			}
			return
		}
		if err != nil {
			if send(errorEvent(wire.ErrAPI, "upstream stream failed: "+err.Error())) {
				send(messageStopEvent())
			}
			return
		}
		var chunk wire.StreamChunk
		if jsonErr := json.Unmarshal(data, &chunk); jsonErr != nil {
			continue
		}
		ev, ok := eventFromChunk(&chunk)
		if !ok {
			continue
		}
		if ev.Type == MessageStop {
			sawStop = true
		}
		if !send(ev) {
			return
		}
	}
}

// eventFromChunk maps one decoded Anthropic chunk onto the event union.
// Chunks missing the fields their type requires are dropped.
func eventFromChunk(chunk *wire.StreamChunk) (Event, bool) {
	switch EventType(chunk.Type) {
	case MessageStart:
		if chunk.Message == nil {
			return Event{}, false
		}
		return messageStartEvent(chunk.Message.ID, chunk.Message.Model, chunk.Message.Usage), true
	case ContentBlockStart:
		if chunk.Index == nil || chunk.ContentBlock == nil {
			return Event{}, false
		}
		return blockStartEvent(*chunk.Index, *chunk.ContentBlock), true
	case ContentBlockDelta:
		if chunk.Index == nil || chunk.Delta == nil {
			return Event{}, false
		}
		return Event{Type: ContentBlockDelta, Index: *chunk.Index, Delta: chunk.Delta}, true
	case ContentBlockStop:
		if chunk.Index == nil {
			return Event{}, false
		}
		return blockStopEvent(*chunk.Index), true
	case MessageDelta:
		reason := ""
		var sequence *string
		if chunk.Delta != nil {
			if chunk.Delta.StopReason != nil {
				reason = *chunk.Delta.StopReason
			}
			sequence = chunk.Delta.StopSequence
		}
		usage := wire.Usage{}
		if chunk.Usage != nil {
			usage.OutputTokens = chunk.Usage.OutputTokens
		}
		return messageDeltaEvent(reason, sequence, usage), true
	case MessageStop:
		return messageStopEvent(), true
	case Ping:
		return Event{Type: Ping}, true
	case ErrorEvent:
		if chunk.Error == nil {
			return Event{}, false
		}
		return Event{Type: ErrorEvent, Err: chunk.Error}, true
	default:
		return Event{}, false
	}
}
