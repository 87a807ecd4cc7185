// Package batch runs Messages requests asynchronously: a submitted job's
// items flow through the same pipeline as interactive requests, results
// persist per item, and jobs survive a restart in the store.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/wire"
)

// Pipeline processes one Messages request end to end, continuation rounds
// included. The server's unary path satisfies it.
type Pipeline interface {
	Process(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error)
}

// SubmitRequest is the POST /v1/messages/batches body.
type SubmitRequest struct {
	Requests []ItemSubmission `json:"requests"`
}

// ItemSubmission is one entry of a submission. Params stays raw so the
// submitted JSON persists byte-for-byte.
type ItemSubmission struct {
	CustomID string          `json:"custom_id,omitempty"`
	Params   json.RawMessage `json:"params"`
}

// Status is the job view returned by both endpoints.
type Status struct {
	ID               string        `json:"id"`
	Type             string        `json:"type"`
	ProcessingStatus string        `json:"processing_status"`
	RequestCounts    RequestCounts `json:"request_counts"`
	CreatedAt        time.Time     `json:"created_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	Results          []ItemResult  `json:"results,omitempty"`
}

// RequestCounts tallies item states.
type RequestCounts struct {
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Errored    int `json:"errored"`
	Canceled   int `json:"canceled"`
}

// ItemResult is one item's terminal view: the Anthropic response when it
// succeeded, the error envelope when it did not.
type ItemResult struct {
	CustomID string          `json:"custom_id,omitempty"`
	Status   string          `json:"status"`
	Message  json.RawMessage `json:"message,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

// Service owns the worker pool and the job lifecycle.
type Service struct {
	cfg      config.Batch
	store    *store.Store
	pipeline Pipeline
	logger   *zap.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	// newBackOff builds one item's retry policy; tests swap in a
	// zero-wait variant.
	newBackOff func() backoff.BackOff
}

// New builds the service. Workers run against a service-scoped context so
// Shutdown can abort stragglers.
func New(cfg config.Batch, st *store.Store, pipeline Pipeline, logger *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		store:    st,
		pipeline: pipeline,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		baseCtx:  ctx,
		cancel:   cancel,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxItemTries-1)
		},
	}
}

// Submit validates a submission, persists the job, starts its workers, and
// returns the initial in_progress view.
func (s *Service) Submit(ctx context.Context, sub *SubmitRequest) (*Status, error) {
	if !s.cfg.Enabled {
		return nil, wire.NewAPIError(http.StatusNotFound, "batch processing is disabled")
	}
	if len(sub.Requests) == 0 {
		return nil, wire.InvalidRequest("requests must not be empty")
	}
	if len(sub.Requests) > s.cfg.MaxRequests {
		return nil, wire.InvalidRequest("batch exceeds the %d request limit", s.cfg.MaxRequests)
	}

	items := make([]store.BatchItem, 0, len(sub.Requests))
	customIDs := make(map[string]bool, len(sub.Requests))
	for i, entry := range sub.Requests {
		if entry.CustomID != "" {
			if customIDs[entry.CustomID] {
				return nil, wire.InvalidRequest("requests[%d]: duplicate custom_id %q", i, entry.CustomID)
			}
			customIDs[entry.CustomID] = true
		}
		var req wire.MessagesRequest
		if err := json.Unmarshal(entry.Params, &req); err != nil {
			return nil, wire.InvalidRequest("requests[%d]: params is not a valid messages request: %v", i, err)
		}
		if req.Stream {
			return nil, wire.InvalidRequest("requests[%d]: streaming is not supported in batches", i)
		}
		items = append(items, store.BatchItem{CustomID: entry.CustomID, Params: entry.Params})
	}

	rec := &store.BatchRecord{ID: NewBatchID(), Status: store.BatchInProgress}
	stored, err := s.store.CreateBatch(ctx, rec, items)
	if err != nil {
		s.logger.Error("batch persist failed", zap.Error(err))
		return nil, wire.Internal("could not persist batch")
	}

	s.logger.Info("batch accepted",
		zap.String("batch_id", rec.ID),
		zap.Int("items", len(stored)))
	s.launch(rec, stored)

	return &Status{
		ID:               rec.ID,
		Type:             "message_batch",
		ProcessingStatus: store.BatchInProgress,
		RequestCounts:    RequestCounts{Processing: len(stored)},
		CreatedAt:        rec.CreatedAt,
	}, nil
}

// Get returns a job's current view, per-item results included.
func (s *Service) Get(ctx context.Context, id string) (*Status, error) {
	rec, err := s.store.GetBatch(ctx, id)
	if err == store.ErrNotFound {
		return nil, wire.NewAPIError(http.StatusNotFound, fmt.Sprintf("batch %s not found", id))
	}
	if err != nil {
		return nil, wire.Internal("could not load batch")
	}
	items, err := s.store.ListItems(ctx, id)
	if err != nil {
		return nil, wire.Internal("could not load batch items")
	}

	status := &Status{
		ID:               rec.ID,
		Type:             "message_batch",
		ProcessingStatus: rec.Status,
		CreatedAt:        rec.CreatedAt,
		EndedAt:          rec.EndedAt,
		Results:          make([]ItemResult, 0, len(items)),
	}
	for _, item := range items {
		result := ItemResult{CustomID: item.CustomID, Status: item.Status}
		switch item.Status {
		case store.ItemSucceeded:
			status.RequestCounts.Succeeded++
			result.Message = json.RawMessage(item.Result)
		case store.ItemErrored:
			status.RequestCounts.Errored++
			result.Error = json.RawMessage(item.Result)
		case store.ItemCanceled:
			status.RequestCounts.Canceled++
			result.Error = json.RawMessage(item.Result)
		default:
			status.RequestCounts.Processing++
		}
		status.Results = append(status.Results, result)
	}
	return status, nil
}

// Recover marks jobs a previous process left in flight. Called once at
// startup before the server accepts traffic.
func (s *Service) Recover(ctx context.Context) error {
	envelope, _ := json.Marshal(wire.NewErrorEnvelope(wire.ErrAPI, "batch interrupted by gateway restart"))
	n, err := s.store.RecoverStalled(ctx, envelope)
	if err != nil {
		return fmt.Errorf("recover stalled batches: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked stalled batches failed", zap.Int("batches", n))
	}
	return nil
}

// Shutdown drains in-flight work until ctx expires, then cancels what is
// left; canceled items are recorded as such.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// NewBatchID builds an Anthropic-style batch identifier.
func NewBatchID() string {
	return "msgbatch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
