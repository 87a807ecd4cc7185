// Package executor runs tool_use blocks through registered handlers under the
// gateway's execution contract: bounded fan-out, per-tool timeouts, a
// per-request rate budget, permission and security checks, and output
// truncation. Execute never fails as a whole; every block produces a Record
// and handler problems stay inside it.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/logging"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/tools"
	"github.com/claudegate/claudegate/internal/wire"
)

// truncationMarker terminates truncated tool output.
const truncationMarker = "... [output truncated]"

// PolicyViolation is the record error written when the security policy
// rejects an input; the conversation loop matches it exactly.
var PolicyViolation = tools.ErrPolicyViolation.Error()

// Record is the outcome of one tool invocation. Output carries the
// transmission-ready text form: scalars as-is, objects as pretty JSON, lists
// newline-joined.
type Record struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Truncated bool   `json:"truncated,omitempty"`
}

type permissionKey struct{}

// WithPermission marks the context as carrying the write grant. The HTTP
// layer sets it from the x-tools-permission header or the configured default.
func WithPermission(ctx context.Context) context.Context {
	return context.WithValue(ctx, permissionKey{}, true)
}

// HasPermission reports whether the context carries the write grant.
func HasPermission(ctx context.Context) bool {
	granted, _ := ctx.Value(permissionKey{}).(bool)
	return granted
}

// Executor is the process-wide tool runner. Safe for concurrent use.
type Executor struct {
	registry *tools.Registry
	policy   *tools.Policy
	limiter  *rateLimiter
	sem      chan struct{}
	logger   *zap.Logger

	defaultTimeout time.Duration
	maxOutputBytes int

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// New builds an executor over the registry with the configured bounds.
func New(registry *tools.Registry, cfg config.Tools, logger *zap.Logger) *Executor {
	concurrency := cfg.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Executor{
		registry:       registry,
		policy:         tools.NewPolicy(cfg),
		limiter:        newRateLimiter(cfg.RateWindow(), cfg.RateMax),
		sem:            make(chan struct{}, concurrency),
		logger:         logger,
		defaultTimeout: cfg.ExecutionTimeout(),
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Execute runs every tool_use block and returns one record per block in
// input order, regardless of completion order. Rate-limit refusals are
// decided in input order before any handler starts.
func (e *Executor) Execute(ctx context.Context, blocks []wire.ContentBlock) []Record {
	records := make([]Record, len(blocks))
	requestKey := logging.RequestID(ctx)

	var wg sync.WaitGroup
	for i, block := range blocks {
		def, handler, ok := e.registry.Lookup(block.Name)
		if !ok {
			records[i] = e.failure(block, fmt.Sprintf("tool not found: %s", block.Name), "error")
			continue
		}
		if !e.limiter.Allow(requestKey) {
			records[i] = e.failure(block, "rate_limit_exceeded", "rate_limited")
			continue
		}

		wg.Add(1)
		go func(i int, block wire.ContentBlock, def tools.Definition, handler tools.Handler) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				records[i] = e.failure(block, ctx.Err().Error(), "error")
				return
			}
			records[i] = e.runOne(ctx, block, def, handler)
		}(i, block, def, handler)
	}
	wg.Wait()
	return records
}

// ReleaseRequest drops the rate-limit budget tracked for a request id. The
// server calls it when the inbound request finishes.
func (e *Executor) ReleaseRequest(requestID string) {
	e.limiter.Forget(requestID)
}

type handlerResult struct {
	out any
	err error
}

// runOne applies the pre-flight checks and invokes the handler under its
// timeout. Handlers that ignore cancellation are abandoned, not awaited.
func (e *Executor) runOne(ctx context.Context, block wire.ContentBlock, def tools.Definition, handler tools.Handler) Record {
	if def.RequiresPermission && !HasPermission(ctx) {
		return e.failure(block, "permission_denied", "denied")
	}

	if err := e.policy.Check(def.Category, block.Input); err != nil {
		e.logger.Warn("tool input rejected by security policy",
			zap.String("tool", block.Name),
			zap.Error(err))
		return e.failure(block, PolicyViolation, "denied")
	}

	serialized, err := json.Marshal(block.Input)
	if err != nil {
		return e.failure(block, fmt.Sprintf("input not serializable: %v", err), "error")
	}
	if def.MaxInputBytes > 0 && len(serialized) > def.MaxInputBytes {
		return e.failure(block, "input too large", "error")
	}

	if def.InputSchema != nil {
		if err := e.validateInput(def, serialized); err != nil {
			return e.failure(block, fmt.Sprintf("invalid input: %v", err), "error")
		}
	}

	timeout := e.defaultTimeout
	if def.TimeoutS > 0 {
		timeout = time.Duration(def.TimeoutS) * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := handler(toolCtx, block.ID, block.Input)
		done <- handlerResult{out: out, err: err}
	}()

	var res handlerResult
	select {
	case res = <-done:
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			rec := e.failure(block, fmt.Sprintf("timeout after %ds", int(timeout.Seconds())), "timeout")
			rec.ElapsedMS = time.Since(started).Milliseconds()
			return rec
		}
		rec := e.failure(block, toolCtx.Err().Error(), "error")
		rec.ElapsedMS = time.Since(started).Milliseconds()
		return rec
	}
	elapsed := time.Since(started)
	metrics.ToolDuration.WithLabelValues(block.Name).Observe(elapsed.Seconds())

	if res.err != nil {
		rec := e.failure(block, res.err.Error(), "error")
		rec.ElapsedMS = elapsed.Milliseconds()
		return rec
	}

	output := renderOutput(res.out)
	truncated := false
	if limit := e.outputCap(def); len(output) > limit {
		output = output[:limit] + truncationMarker
		truncated = true
	}

	metrics.ToolExecutionsTotal.WithLabelValues(block.Name, "ok").Inc()
	return Record{
		ToolUseID: block.ID,
		ToolName:  block.Name,
		Success:   true,
		Output:    output,
		ElapsedMS: elapsed.Milliseconds(),
		Truncated: truncated,
	}
}

func (e *Executor) outputCap(def tools.Definition) int {
	if def.MaxOutputBytes > 0 {
		return def.MaxOutputBytes
	}
	return e.maxOutputBytes
}

func (e *Executor) failure(block wire.ContentBlock, message, outcome string) Record {
	metrics.ToolExecutionsTotal.WithLabelValues(block.Name, outcome).Inc()
	return Record{
		ToolUseID: block.ID,
		ToolName:  block.Name,
		Success:   false,
		Error:     message,
	}
}

// validateInput checks serialized input against the tool's schema. Compiled
// schemas are cached per tool; definitions are static after startup.
func (e *Executor) validateInput(def tools.Definition, serialized []byte) error {
	schema, err := e.compiledSchema(def)
	if err != nil {
		// A schema that does not compile must not block the tool.
		e.logger.Warn("tool schema failed to compile",
			zap.String("tool", def.Name),
			zap.Error(err))
		return nil
	}

	var doc any
	if err := json.Unmarshal(serialized, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func (e *Executor) compiledSchema(def tools.Definition) (*jsonschema.Schema, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if e.schemas == nil {
		e.schemas = make(map[string]*jsonschema.Schema)
	}
	if schema, ok := e.schemas[def.Name]; ok {
		return schema, nil
	}

	// Round-trip through JSON so literal ints become the float64 values the
	// compiler expects.
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resource := def.Name + ".json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, err
	}
	e.schemas[def.Name] = schema
	return schema, nil
}

// renderOutput flattens a handler result to its textual wire form.
func renderOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", t)
	case []string:
		out := ""
		for i, item := range t {
			if i > 0 {
				out += "\n"
			}
			out += item
		}
		return out
	case []any:
		out := ""
		for i, item := range t {
			if i > 0 {
				out += "\n"
			}
			out += renderOutput(item)
		}
		return out
	default:
		pretty, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(pretty)
	}
}
