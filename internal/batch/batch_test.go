package batch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/wire"
)

type pipelineFunc func(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error)

func (f pipelineFunc) Process(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	return f(ctx, req)
}

// countingPipeline tracks attempts so retry behavior is observable.
type countingPipeline struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req *wire.MessagesRequest) (*wire.MessagesResponse, error)
}

func (p *countingPipeline) Process(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	return p.fn(call, req)
}

func (p *countingPipeline) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(text string) *wire.MessagesResponse {
	return &wire.MessagesResponse{
		ID:         "msg_done",
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      "big",
		Content:    []wire.ContentBlock{wire.TextBlock(text)},
		StopReason: wire.StopEndTurn,
	}
}

// echoPipeline answers each item with its own prompt, so per-item results
// are distinguishable.
func echoPipeline() Pipeline {
	return pipelineFunc(func(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
		blocks, err := req.Messages[0].Blocks()
		if err != nil {
			return nil, err
		}
		return textResponse("echo: " + blocks[0].Text), nil
	})
}

func itemParams(t *testing.T, prompt string) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(&wire.MessagesRequest{
		Model:     "big",
		MaxTokens: 64,
		Messages:  []wire.Message{wire.NewTextMessage(wire.RoleUser, prompt)},
	})
	require.NoError(t, err)
	return body
}

func newTestService(t *testing.T, p Pipeline, mutate ...func(*config.Batch)) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig().Batch
	cfg.Enabled = true
	for _, m := range mutate {
		m(&cfg)
	}
	svc := New(cfg, st, p, zap.NewNop())
	svc.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxItemTries-1)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc, st
}

func waitEnded(t *testing.T, svc *Service, id string) *Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		if status.ProcessingStatus != store.BatchInProgress {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("batch did not finish in time")
	return nil
}

func TestSubmitRunsAllItems(t *testing.T) {
	svc, _ := newTestService(t, echoPipeline())

	status, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{CustomID: "a", Params: itemParams(t, "one")},
		{CustomID: "b", Params: itemParams(t, "two")},
	}})
	require.NoError(t, err)
	assert.Contains(t, status.ID, "msgbatch_")
	assert.Equal(t, "message_batch", status.Type)
	assert.Equal(t, store.BatchInProgress, status.ProcessingStatus)
	assert.Equal(t, 2, status.RequestCounts.Processing)

	got := waitEnded(t, svc, status.ID)
	assert.Equal(t, store.BatchEnded, got.ProcessingStatus)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, RequestCounts{Succeeded: 2}, got.RequestCounts)

	require.Len(t, got.Results, 2)
	assert.Equal(t, "a", got.Results[0].CustomID)
	assert.Equal(t, store.ItemSucceeded, got.Results[0].Status)
	assert.Contains(t, string(got.Results[0].Message), "echo: one")
	assert.Equal(t, "b", got.Results[1].CustomID)
	assert.Contains(t, string(got.Results[1].Message), "echo: two")
}

func TestItemFailureIsIsolated(t *testing.T) {
	p := pipelineFunc(func(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
		blocks, err := req.Messages[0].Blocks()
		if err != nil {
			return nil, err
		}
		if blocks[0].Text == "bad" {
			return nil, wire.InvalidRequest("model refused the request")
		}
		return textResponse("fine"), nil
	})
	svc, _ := newTestService(t, p)

	status, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{CustomID: "ok", Params: itemParams(t, "good")},
		{CustomID: "broken", Params: itemParams(t, "bad")},
	}})
	require.NoError(t, err)

	got := waitEnded(t, svc, status.ID)
	assert.Equal(t, store.BatchEnded, got.ProcessingStatus)
	assert.Equal(t, RequestCounts{Succeeded: 1, Errored: 1}, got.RequestCounts)

	require.Len(t, got.Results, 2)
	assert.Equal(t, store.ItemSucceeded, got.Results[0].Status)
	assert.Equal(t, store.ItemErrored, got.Results[1].Status)
	assert.Contains(t, string(got.Results[1].Error), wire.ErrInvalidRequest)
	assert.Contains(t, string(got.Results[1].Error), "model refused the request")
}

func TestRetriesUpstreamFailures(t *testing.T) {
	p := &countingPipeline{fn: func(call int, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
		if call < 3 {
			return nil, wire.Upstream("connection reset")
		}
		return textResponse("third time lucky"), nil
	}}
	svc, _ := newTestService(t, p)

	status, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{Params: itemParams(t, "retry me")},
	}})
	require.NoError(t, err)

	got := waitEnded(t, svc, status.ID)
	assert.Equal(t, RequestCounts{Succeeded: 1}, got.RequestCounts)
	assert.Equal(t, 3, p.total())
	assert.Contains(t, string(got.Results[0].Message), "third time lucky")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	p := &countingPipeline{fn: func(call int, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
		return nil, wire.NewAPIError(401, "invalid api key")
	}}
	svc, _ := newTestService(t, p)

	status, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{Params: itemParams(t, "doomed")},
	}})
	require.NoError(t, err)

	got := waitEnded(t, svc, status.ID)
	assert.Equal(t, RequestCounts{Errored: 1}, got.RequestCounts)
	assert.Equal(t, 1, p.total())
	assert.Contains(t, string(got.Results[0].Error), wire.ErrAuthentication)
}

func TestSubmitValidation(t *testing.T) {
	streaming, err := json.Marshal(&wire.MessagesRequest{
		Model:     "big",
		MaxTokens: 64,
		Messages:  []wire.Message{wire.NewTextMessage(wire.RoleUser, "hi")},
		Stream:    true,
	})
	require.NoError(t, err)

	cases := []struct {
		name string
		sub  *SubmitRequest
		want string
	}{
		{"empty", &SubmitRequest{}, "must not be empty"},
		{"bad params", &SubmitRequest{Requests: []ItemSubmission{
			{Params: json.RawMessage(`{`)},
		}}, "not a valid messages request"},
		{"streaming", &SubmitRequest{Requests: []ItemSubmission{
			{Params: streaming},
		}}, "streaming is not supported in batches"},
		{"duplicate custom_id", &SubmitRequest{Requests: []ItemSubmission{
			{CustomID: "x", Params: itemParams(t, "one")},
			{CustomID: "x", Params: itemParams(t, "two")},
		}}, "duplicate custom_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t, echoPipeline())
			_, err := svc.Submit(context.Background(), tc.sub)
			require.Error(t, err)
			apiErr := wire.AsAPIError(err)
			assert.Equal(t, 400, apiErr.StatusCode)
			assert.Equal(t, wire.ErrInvalidRequest, apiErr.Kind)
			assert.Contains(t, apiErr.Message, tc.want)
		})
	}
}

func TestSubmitOverRequestLimit(t *testing.T) {
	svc, _ := newTestService(t, echoPipeline(), func(cfg *config.Batch) { cfg.MaxRequests = 1 })

	_, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{Params: itemParams(t, "one")},
		{Params: itemParams(t, "two")},
	}})
	require.Error(t, err)
	assert.Contains(t, wire.AsAPIError(err).Message, "request limit")
}

func TestSubmitDisabled(t *testing.T) {
	svc, _ := newTestService(t, echoPipeline(), func(cfg *config.Batch) { cfg.Enabled = false })

	_, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{Params: itemParams(t, "one")},
	}})
	require.Error(t, err)
	apiErr := wire.AsAPIError(err)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, wire.ErrNotFound, apiErr.Kind)
}

func TestGetUnknownBatch(t *testing.T) {
	svc, _ := newTestService(t, echoPipeline())

	_, err := svc.Get(context.Background(), "msgbatch_missing")
	require.Error(t, err)
	apiErr := wire.AsAPIError(err)
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")
}

func TestRecoverMarksStalledBatches(t *testing.T) {
	svc, st := newTestService(t, echoPipeline())
	ctx := context.Background()

	// A previous process died with this batch still in flight.
	rec := &store.BatchRecord{ID: NewBatchID(), Status: store.BatchInProgress}
	_, err := st.CreateBatch(ctx, rec, []store.BatchItem{
		{CustomID: "stuck", Params: itemParams(t, "hello")},
	})
	require.NoError(t, err)

	require.NoError(t, svc.Recover(ctx))

	got, err := svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchFailed, got.ProcessingStatus)
	assert.Equal(t, RequestCounts{Errored: 1}, got.RequestCounts)
	require.Len(t, got.Results, 1)
	assert.Contains(t, string(got.Results[0].Error), "interrupted by gateway restart")
}

func TestShutdownCancelsStragglers(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	p := pipelineFunc(func(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
		select {
		case <-release:
			return textResponse("late"), nil
		case <-ctx.Done():
			return nil, wire.Upstream("request aborted: %v", ctx.Err())
		}
	})
	svc, _ := newTestService(t, p)

	status, err := svc.Submit(context.Background(), &SubmitRequest{Requests: []ItemSubmission{
		{Params: itemParams(t, "slow")},
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := svc.Get(context.Background(), status.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchEnded, got.ProcessingStatus)
	assert.Equal(t, RequestCounts{Canceled: 1}, got.RequestCounts)
	assert.Contains(t, string(got.Results[0].Error), "canceled before completion")
}
