// Package conversation drives the tool-continuation rounds of one inbound
// request: send the conversation upstream, execute any tool_use blocks the
// assistant answered with, fold the results into a continuation request, and
// repeat until a round produces no tool calls or the round cap is hit.
package conversation

import (
	"context"

	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/stream"
	"github.com/claudegate/claudegate/internal/wire"
)

// Dispatcher issues one Messages exchange against the configured backend.
// *router.Router satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error)
	Stream(ctx context.Context, req *wire.MessagesRequest) (<-chan stream.Event, error)
}

// ToolRunner executes tool_use blocks. *executor.Executor satisfies it.
type ToolRunner interface {
	Execute(ctx context.Context, blocks []wire.ContentBlock) []executor.Record
}

// Loop owns the continuation state machine. One Loop serves the whole
// process; per-request state lives on the stack of Run/RunStream.
type Loop struct {
	dispatcher   Dispatcher
	runner       ToolRunner
	toolsEnabled bool
	maxRounds    int
	logger       *zap.Logger
}

// New builds the loop with the configured round cap.
func New(dispatcher Dispatcher, runner ToolRunner, cfg config.Tools, logger *zap.Logger) *Loop {
	return &Loop{
		dispatcher:   dispatcher,
		runner:       runner,
		toolsEnabled: cfg.Enabled,
		maxRounds:    cfg.MaxRounds,
		logger:       logger,
	}
}

// Run drives the unary rounds. Terminal conditions: a response without
// tool_use blocks, the round cap (the last response is returned with
// stop_reason tool_use and its tool_use blocks unresolved), a security
// refusal (the response that provoked it is returned intact), or an upstream
// error.
func (l *Loop) Run(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	resp, err := l.dispatcher.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	rounds := 0
	for l.toolsEnabled {
		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			break
		}
		if rounds >= l.maxRounds {
			resp.StopReason = wire.StopToolUse
			break
		}

		records := l.runner.Execute(ctx, toolUses)
		if name, violated := refusedTool(records); violated {
			l.logger.Warn("tool round refused by security policy", zap.String("tool", name))
			break
		}

		appendContinuation(req, resp.Content, records)
		rounds++

		resp, err = l.dispatcher.Send(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	metrics.ToolRounds.Observe(float64(rounds))
	return resp, nil
}

// refusedTool reports the first record the security policy rejected.
func refusedTool(records []executor.Record) (string, bool) {
	for _, rec := range records {
		if rec.Error == executor.PolicyViolation {
			return rec.ToolName, true
		}
	}
	return "", false
}

// appendContinuation folds one executed round into the request: the
// assistant's full content, then a user message answering every tool_use
// with its result.
func appendContinuation(req *wire.MessagesRequest, content []wire.ContentBlock, records []executor.Record) {
	req.Messages = append(req.Messages,
		wire.NewBlocksMessage(wire.RoleAssistant, content...),
		wire.NewBlocksMessage(wire.RoleUser, resultBlocks(records)...),
	)
}

func resultBlocks(records []executor.Record) []wire.ContentBlock {
	blocks := make([]wire.ContentBlock, 0, len(records))
	for _, rec := range records {
		content := rec.Output
		if !rec.Success {
			content = rec.Error
		}
		blocks = append(blocks, wire.ToolResultBlock(rec.ToolUseID, content, !rec.Success))
	}
	return blocks
}
