package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/batch"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/conversation"
	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/promptcache"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/stream"
	"github.com/claudegate/claudegate/internal/tokenizer"
	"github.com/claudegate/claudegate/internal/tools"
	"github.com/claudegate/claudegate/internal/wire"
)

// scriptedDispatcher plays back canned upstream exchanges in call order.
type scriptedDispatcher struct {
	mu        sync.Mutex
	calls     int
	responses []*wire.MessagesResponse
	errs      []error
	streams   [][]stream.Event
	streamErr error
	panicSend bool
}

func (d *scriptedDispatcher) Send(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicSend {
		panic("scripted upstream blew up")
	}
	call := d.calls
	d.calls++
	if call < len(d.errs) && d.errs[call] != nil {
		return nil, d.errs[call]
	}
	if call < len(d.responses) {
		return d.responses[call], nil
	}
	return nil, wire.Internal("no scripted response for call %d", call)
}

func (d *scriptedDispatcher) Stream(ctx context.Context, req *wire.MessagesRequest) (<-chan stream.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streamErr != nil {
		return nil, d.streamErr
	}
	call := d.calls
	d.calls++
	if call >= len(d.streams) {
		return nil, wire.Internal("no scripted stream for call %d", call)
	}
	events := d.streams[call]
	ch := make(chan stream.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (d *scriptedDispatcher) sendCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// recordingRunner satisfies conversation.ToolRunner and notes whether the
// request context carried write permission.
type recordingRunner struct {
	mu            sync.Mutex
	executed      int
	sawPermission bool
}

func (r *recordingRunner) Execute(ctx context.Context, blocks []wire.ContentBlock) []executor.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed += len(blocks)
	if executor.HasPermission(ctx) {
		r.sawPermission = true
	}
	records := make([]executor.Record, 0, len(blocks))
	for _, b := range blocks {
		records = append(records, executor.Record{
			ToolUseID: b.ID,
			ToolName:  b.Name,
			Success:   true,
			Output:    "ran " + b.Name,
		})
	}
	return records
}

func (r *recordingRunner) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executed
}

func (r *recordingRunner) sawWritePermission() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sawPermission
}

type gatewayFixture struct {
	handler    http.Handler
	srv        *Server
	dispatcher *scriptedDispatcher
	runner     *recordingRunner
	store      *store.Store
}

func newGateway(t *testing.T, d *scriptedDispatcher, mutate ...func(*config.Config)) *gatewayFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Backend.Kind = config.BackendOpenAICompatible
	for _, m := range mutate {
		m(cfg)
	}

	logger := zap.NewNop()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	recorder := store.NewRecorder(st, logger)
	t.Cleanup(recorder.Close)

	runner := &recordingRunner{}
	srv := New(Dependencies{
		Config:    cfg,
		Logger:    logger,
		Loop:      conversation.New(d, runner, cfg.Tools, logger),
		Executor:  executor.New(tools.NewRegistry(), cfg.Tools, logger),
		Tokenizer: tokenizer.New(logger),
		Cache:     promptcache.New(cfg.PromptCache),
		Store:     st,
		Recorder:  recorder,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &gatewayFixture{
		handler:    srv.Handler(),
		srv:        srv,
		dispatcher: d,
		runner:     runner,
		store:      st,
	}
}

func (g *gatewayFixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func (g *gatewayFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func messagesBody(prompt string) *wire.MessagesRequest {
	return &wire.MessagesRequest{
		Model:     "big",
		MaxTokens: 128,
		Messages:  []wire.Message{wire.NewTextMessage(wire.RoleUser, prompt)},
	}
}

func scriptedText(text string) *wire.MessagesResponse {
	return &wire.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      "claude-sonnet-4-20250514",
		Content:    []wire.ContentBlock{wire.TextBlock(text)},
		StopReason: wire.StopEndTurn,
		Usage:      wire.Usage{InputTokens: 9, OutputTokens: 3},
	}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) wire.ErrorEnvelope {
	t.Helper()
	var env wire.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "error", env.Type)
	return env
}

func TestMessagesUnary(t *testing.T) {
	d := &scriptedDispatcher{responses: []*wire.MessagesResponse{scriptedText("hello back")}}
	g := newGateway(t, d)

	rec := g.post(t, "/v1/messages", messagesBody("hello"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp wire.MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello back", resp.Content[0].Text)
	assert.Equal(t, wire.StopEndTurn, resp.StopReason)
}

func TestMessagesValidationFailure(t *testing.T) {
	g := newGateway(t, &scriptedDispatcher{})

	rec := g.post(t, "/v1/messages", map[string]any{
		"model":    "big",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, wire.ErrInvalidRequest, env.Error.Type)
	assert.Contains(t, env.Error.Message, "max_tokens")
	assert.Equal(t, 0, g.dispatcher.sendCalls())
}

func TestMessagesRejectsMalformedJSON(t *testing.T) {
	g := newGateway(t, &scriptedDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, wire.ErrInvalidRequest, env.Error.Type)
}

func TestMessagesUpstreamErrorMapped(t *testing.T) {
	d := &scriptedDispatcher{errs: []error{wire.NewAPIError(http.StatusUnauthorized, "invalid upstream key")}}
	g := newGateway(t, d)

	rec := g.post(t, "/v1/messages", messagesBody("hello"))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, wire.ErrAuthentication, env.Error.Type)
	assert.Equal(t, "invalid upstream key", env.Error.Message)
}

func TestMessagesToolContinuation(t *testing.T) {
	toolCall := &wire.MessagesResponse{
		ID:         "msg_tool",
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      "claude-sonnet-4-20250514",
		Content:    []wire.ContentBlock{wire.ToolUseBlock("toolu_1", "list_files", map[string]any{"path": "."})},
		StopReason: wire.StopToolUse,
		Usage:      wire.Usage{InputTokens: 5, OutputTokens: 2},
	}
	d := &scriptedDispatcher{responses: []*wire.MessagesResponse{toolCall, scriptedText("all done")}}
	g := newGateway(t, d)

	rec := g.post(t, "/v1/messages", messagesBody("list the files"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, g.dispatcher.sendCalls())
	assert.Equal(t, 1, g.runner.executedCount())
	assert.False(t, g.runner.sawWritePermission())

	var resp wire.MessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "all done", resp.Content[0].Text)
}

func TestPermissionHeaderReachesTools(t *testing.T) {
	toolCall := &wire.MessagesResponse{
		ID:         "msg_tool",
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      "claude-sonnet-4-20250514",
		Content:    []wire.ContentBlock{wire.ToolUseBlock("toolu_1", "write_file", map[string]any{"path": "a.txt"})},
		StopReason: wire.StopToolUse,
	}
	d := &scriptedDispatcher{responses: []*wire.MessagesResponse{toolCall, scriptedText("written")}}
	g := newGateway(t, d)

	raw, err := json.Marshal(messagesBody("write it"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(raw))
	req.Header.Set(permissionHeader, permissionWrite)
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, g.runner.sawWritePermission())
}

func TestMessagesStreaming(t *testing.T) {
	events := []stream.Event{
		{Type: stream.MessageStart, MessageID: "msg_s", Model: "claude-sonnet-4-20250514", Usage: wire.Usage{InputTokens: 7}},
		{Type: stream.ContentBlockStart, Index: 0, Block: &wire.ContentBlock{Type: wire.BlockText}},
		{Type: stream.ContentBlockDelta, Index: 0, Delta: &wire.StreamDelta{Type: wire.DeltaTypeText, Text: "Hel"}},
		{Type: stream.ContentBlockDelta, Index: 0, Delta: &wire.StreamDelta{Type: wire.DeltaTypeText, Text: "lo"}},
		{Type: stream.ContentBlockStop, Index: 0},
		{Type: stream.MessageDelta, StopReason: wire.StopEndTurn, Usage: wire.Usage{OutputTokens: 2}},
		{Type: stream.MessageStop},
	}
	d := &scriptedDispatcher{streams: [][]stream.Event{events}}
	g := newGateway(t, d)

	body := messagesBody("hi")
	body.Stream = true
	rec := g.post(t, "/v1/messages", body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	payload := rec.Body.String()
	order := []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	}
	last := -1
	for _, marker := range order {
		idx := strings.Index(payload, marker)
		require.Greater(t, idx, last, "frame %q missing or out of order", marker)
		last = idx
	}
	assert.Contains(t, payload, `"text":"Hel"`)
	assert.True(t, strings.HasSuffix(payload, "data: [DONE]\n\n"))
}

func TestStreamingFailureBeforeFirstByte(t *testing.T) {
	d := &scriptedDispatcher{streamErr: wire.Upstream("connection refused")}
	g := newGateway(t, d)

	body := messagesBody("hi")
	body.Stream = true
	rec := g.post(t, "/v1/messages", body)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	env := decodeEnvelope(t, rec)
	assert.Equal(t, wire.ErrAPI, env.Error.Type)
}

func TestCountTokens(t *testing.T) {
	g := newGateway(t, &scriptedDispatcher{})

	rec := g.post(t, "/v1/messages/count_tokens", map[string]any{
		"model":    "big",
		"messages": []map[string]any{{"role": "user", "content": "The quick brown fox jumps over the lazy dog"}},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Greater(t, counts["input_tokens"], 0)
	assert.Equal(t, 0, g.dispatcher.sendCalls())
}

func TestCountTokensRequiresModel(t *testing.T) {
	g := newGateway(t, &scriptedDispatcher{})

	rec := g.post(t, "/v1/messages/count_tokens", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, env.Error.Message, "model")
}

func TestBatchRoundTrip(t *testing.T) {
	d := &scriptedDispatcher{responses: []*wire.MessagesResponse{
		scriptedText("first"),
		scriptedText("second"),
	}}
	g := newGateway(t, d)

	rec := g.post(t, "/v1/messages/batches", map[string]any{
		"requests": []map[string]any{
			{"custom_id": "a", "params": messagesBody("one")},
			{"custom_id": "b", "params": messagesBody("two")},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var created batch.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.True(t, strings.HasPrefix(created.ID, "msgbatch_"), "unexpected batch id %q", created.ID)
	assert.Equal(t, store.BatchInProgress, created.ProcessingStatus)
	assert.Equal(t, 2, created.RequestCounts.Processing)

	deadline := time.Now().Add(5 * time.Second)
	var got batch.Status
	for {
		rec := g.get(t, "/v1/messages/batches/"+created.ID)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		if got.ProcessingStatus != store.BatchInProgress {
			break
		}
		require.True(t, time.Now().Before(deadline), "batch never finished")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, store.BatchEnded, got.ProcessingStatus)
	assert.Equal(t, 2, got.RequestCounts.Succeeded)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "a", got.Results[0].CustomID)
	assert.Equal(t, "b", got.Results[1].CustomID)
}

func TestBatchGetUnknownID(t *testing.T) {
	g := newGateway(t, &scriptedDispatcher{})

	rec := g.get(t, "/v1/messages/batches/msgbatch_missing")

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, wire.ErrNotFound, env.Error.Type)
}
