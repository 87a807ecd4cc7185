package conversation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/stream"
	"github.com/claudegate/claudegate/internal/translate"
	"github.com/claudegate/claudegate/internal/wire"
)

// RunStream drives the continuation rounds over one live outbound stream.
// The caller sees a single Anthropic message: message_start once, block
// indices dense across rounds, synthetic tool-result text blocks spliced in
// after each executed call, intermediate message_delta/message_stop pairs
// suppressed, and exactly one terminal pair at the end.
//
// emit writes one event to the client; an emit error means the client is
// gone and aborts the stream. A first-round connection failure is returned
// before anything was emitted so the caller can answer with a plain HTTP
// error; failures after the first byte are reported in-band as an error
// event followed by message_stop, and RunStream returns nil.
func (l *Loop) RunStream(ctx context.Context, req *wire.MessagesRequest, emit func(stream.Event) error) error {
	events, err := l.dispatcher.Stream(ctx, req)
	if err != nil {
		return err
	}

	out := &outStream{emit: emit}
	rounds := 0
	for {
		execute := l.toolsEnabled && rounds < l.maxRounds

		round, err := l.relayRound(ctx, events, out, execute, rounds == 0)
		if err != nil {
			return err
		}
		if round.errored {
			metrics.ToolRounds.Observe(float64(rounds))
			return nil
		}
		if len(round.records) == 0 || round.violated {
			metrics.ToolRounds.Observe(float64(rounds))
			return out.terminate(round.delta)
		}

		appendContinuation(req, round.content, round.records)
		rounds++

		events, err = l.dispatcher.Stream(ctx, req)
		if err != nil {
			apiErr := wire.AsAPIError(err)
			l.logger.Error("continuation round failed mid-stream",
				zap.Int("round", rounds),
				zap.Error(err))
			metrics.ToolRounds.Observe(float64(rounds))
			return out.fail(apiErr.Kind, apiErr.Message)
		}
	}
}

// roundResult is what one relayed round leaves behind for the loop: the
// consolidated content and execution records that seed the continuation,
// or the flags that make the round terminal.
type roundResult struct {
	content  []wire.ContentBlock
	records  []executor.Record
	violated bool
	errored  bool
	delta    *stream.Event
}

// pendingTool tracks one in-flight tool_use block by its upstream index.
type pendingTool struct {
	id   string
	name string
	args []byte
}

// relayRound forwards one upstream round to the client, remapping block
// indices onto the shared outbound sequence, executing each tool call at its
// block stop, and splicing the result in as a synthetic text block. The
// round's message_delta is held back so the loop can decide whether the
// round is terminal; message_stop is swallowed for the same reason unless an
// error event already terminated the envelope.
func (l *Loop) relayRound(ctx context.Context, events <-chan stream.Event, out *outStream, execute, first bool) (roundResult, error) {
	var round roundResult
	acc := translate.NewConsolidator()
	pending := make(map[int]*pendingTool)
	textKeys := make(map[int]string)
	out.beginRound()

	for ev := range events {
		switch ev.Type {
		case stream.MessageStart:
			if !first {
				continue
			}
			if err := out.send(ev); err != nil {
				return round, err
			}

		case stream.ContentBlockStart:
			outIdx := out.open(ev.Index)
			switch {
			case ev.Block != nil && ev.Block.Type == wire.BlockToolUse:
				pending[ev.Index] = &pendingTool{id: ev.Block.ID, name: ev.Block.Name}
				acc.StartToolUse(ev.Block.ID, ev.Block.Name)
			case ev.Block != nil && ev.Block.Type == wire.BlockThinking:
				key := fmt.Sprintf("thinking-%d", outIdx)
				textKeys[ev.Index] = key
				acc.StartText(key, wire.BlockThinking)
			default:
				key := fmt.Sprintf("text-%d", outIdx)
				textKeys[ev.Index] = key
				acc.StartText(key, wire.BlockText)
			}
			ev.Index = outIdx
			if err := out.send(ev); err != nil {
				return round, err
			}

		case stream.ContentBlockDelta:
			if ev.Delta != nil {
				if tool, ok := pending[ev.Index]; ok {
					tool.args = append(tool.args, ev.Delta.PartialJSON...)
					acc.AppendArguments(tool.id, ev.Delta.PartialJSON)
				} else if key, ok := textKeys[ev.Index]; ok {
					switch ev.Delta.Type {
					case wire.DeltaTypeThinking:
						acc.AppendText(key, ev.Delta.Thinking)
					case wire.DeltaTypeText:
						acc.AppendText(key, ev.Delta.Text)
					}
				}
			}
			ev.Index = out.mapped(ev.Index)
			if err := out.send(ev); err != nil {
				return round, err
			}

		case stream.ContentBlockStop:
			upstreamIdx := ev.Index
			ev.Index = out.mapped(upstreamIdx)
			if err := out.send(ev); err != nil {
				return round, err
			}
			tool, ok := pending[upstreamIdx]
			if !ok {
				continue
			}
			delete(pending, upstreamIdx)
			if !execute || round.violated {
				continue
			}
			block := wire.ToolUseBlock(tool.id, tool.name, translate.ParseToolInput(string(tool.args)))
			records := l.runner.Execute(ctx, []wire.ContentBlock{block})
			rec := records[0]
			round.records = append(round.records, rec)
			if rec.Error == executor.PolicyViolation {
				round.violated = true
				l.logger.Warn("tool round refused by security policy", zap.String("tool", rec.ToolName))
				continue
			}
			if err := out.splice(tool.name, rec); err != nil {
				return round, err
			}

		case stream.MessageDelta:
			held := ev
			round.delta = &held

		case stream.Ping:
			if err := out.send(ev); err != nil {
				return round, err
			}

		case stream.ErrorEvent:
			round.errored = true
			if err := out.send(ev); err != nil {
				return round, err
			}

		case stream.MessageStop:
			if round.errored {
				if err := out.send(ev); err != nil {
					return round, err
				}
				return round, nil
			}
			round.content = acc.Blocks()
			return round, nil
		}
	}

	// Channel closed without message_stop: the normalizers synthesize one, so
	// this only happens when the request context died. Treat it as terminal.
	round.content = acc.Blocks()
	return round, nil
}

// outStream is the single outbound event sequence shared by every round.
// Block indices stay dense across rounds: each round's upstream indices are
// remapped onto the running counter, and synthetic result blocks claim the
// next slot like any other block.
type outStream struct {
	emit func(stream.Event) error
	next int
	idx  map[int]int
}

func (o *outStream) beginRound() {
	o.idx = make(map[int]int)
}

func (o *outStream) open(upstream int) int {
	outIdx := o.next
	o.next++
	o.idx[upstream] = outIdx
	return outIdx
}

func (o *outStream) mapped(upstream int) int {
	if outIdx, ok := o.idx[upstream]; ok {
		return outIdx
	}
	return upstream
}

func (o *outStream) send(ev stream.Event) error {
	return o.emit(ev)
}

// splice writes the synthetic tool-result block right after the originating
// tool_use block's stop.
func (o *outStream) splice(name string, rec executor.Record) error {
	idx := o.next
	o.next++
	body := rec.Output
	if !rec.Success {
		body = rec.Error
	}
	if err := o.emit(stream.BlockStartEvent(idx, wire.TextBlock(""))); err != nil {
		return err
	}
	if err := o.emit(stream.TextEvent(idx, fmt.Sprintf("[Tool %s result]\n%s", name, body))); err != nil {
		return err
	}
	return o.emit(stream.BlockStopEvent(idx))
}

// terminate releases the held message_delta and closes the envelope.
func (o *outStream) terminate(delta *stream.Event) error {
	if delta != nil {
		if err := o.emit(*delta); err != nil {
			return err
		}
	}
	return o.emit(stream.Event{Type: stream.MessageStop})
}

// fail reports an in-band failure after bytes have been written: an error
// event, then message_stop so the envelope still terminates.
func (o *outStream) fail(kind, message string) error {
	if err := o.emit(stream.Event{Type: stream.ErrorEvent, Err: &wire.ErrorDetail{Type: kind, Message: message}}); err != nil {
		return err
	}
	return o.emit(stream.Event{Type: stream.MessageStop})
}
