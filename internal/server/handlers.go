package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/batch"
	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/logging"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/translate"
	"github.com/claudegate/claudegate/internal/wire"
)

const (
	permissionHeader = "x-tools-permission"
	permissionWrite  = "write"
)

// handleMessages serves POST /v1/messages, unary and streaming. The inbound
// x-api-key and Authorization headers pass through unvalidated and unlogged;
// upstream credentials come from configuration.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req wire.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, wire.InvalidRequest("request body is not valid JSON: %v", err))
		return
	}
	if err := translate.ValidateAndClamp(&req, s.cfg.Limits.MaxTokens); err != nil {
		s.writeError(w, err)
		return
	}
	s.mapper.Apply(&req)

	ctx := s.permissionContext(r)
	defer s.executor.ReleaseRequest(logging.RequestID(ctx))

	if req.Stream {
		s.streamMessages(ctx, w, &req, start)
		return
	}

	resp, err := s.complete(ctx, &req, start)
	if err != nil {
		apiErr := wire.AsAPIError(err)
		s.observeRequest(&req, apiErr.StatusCode, false, start)
		s.writeError(w, apiErr)
		return
	}
	s.observeRequest(&req, http.StatusOK, false, start)
	s.writeJSON(w, http.StatusOK, resp)
}

// streamMessages drives the streaming conversation loop into an SSE response.
// Failures before the first frame map to a plain HTTP error; after that the
// response is committed and errors travel in-band or end the stream.
func (s *Server) streamMessages(ctx context.Context, w http.ResponseWriter, req *wire.MessagesRequest, start time.Time) {
	sse := newSSEWriter(w)
	inbound := len(req.Messages)
	err := s.loop.RunStream(ctx, req, sse.Emit)
	rounds := (len(req.Messages) - inbound) / 2

	status := http.StatusOK
	if err != nil {
		if sse.Started() {
			s.logger.Warn("stream aborted mid-flight",
				zap.Error(err),
				zap.String("request_id", logging.RequestID(ctx)))
		} else {
			apiErr := wire.AsAPIError(err)
			status = apiErr.StatusCode
			s.writeError(w, apiErr)
		}
	}
	s.recordUsage(ctx, req, sse.Usage(), status, rounds, true, start)
	s.observeRequest(req, status, true, start)
}

// complete runs the unary pipeline after validation and model mapping:
// prompt cache lookup, conversation loop, usage ledger, cache store.
func (s *Server) complete(ctx context.Context, req *wire.MessagesRequest, start time.Time) (*wire.MessagesResponse, error) {
	if resp, ok := s.cache.Get(req); ok {
		return resp, nil
	}

	inbound := len(req.Messages)
	resp, err := s.loop.Run(ctx, req)
	// Each continuation round appends an assistant turn and a user turn.
	rounds := (len(req.Messages) - inbound) / 2

	status := http.StatusOK
	var usage wire.Usage
	if err != nil {
		status = wire.AsAPIError(err).StatusCode
	} else {
		usage = resp.Usage
	}
	s.recordUsage(ctx, req, usage, status, rounds, false, start)
	if err != nil {
		return nil, err
	}
	s.cache.Put(req, resp)
	return resp, nil
}

// Process runs one non-streaming request through the full pipeline:
// validation, model mapping, prompt cache, and the conversation loop. It is
// the batch runner's entry point, so batch items see exactly the interactive
// semantics. Items get their own request id for tool rate budgeting and the
// configured default tool permission.
func (s *Server) Process(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	if err := translate.ValidateAndClamp(req, s.cfg.Limits.MaxTokens); err != nil {
		return nil, err
	}
	s.mapper.Apply(req)

	if logging.RequestID(ctx) == "" {
		id := uuid.NewString()
		ctx = logging.WithRequestID(ctx, id)
		defer s.executor.ReleaseRequest(id)
	}
	if strings.EqualFold(s.cfg.Tools.PermissionDefault, permissionWrite) {
		ctx = executor.WithPermission(ctx)
	}
	return s.complete(ctx, req, time.Now())
}

// handleCountTokens serves POST /v1/messages/count_tokens: a local estimate
// after model mapping, no upstream call.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req wire.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, wire.InvalidRequest("request body is not valid JSON: %v", err))
		return
	}
	if req.Model == "" {
		s.writeError(w, wire.InvalidRequest("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, wire.InvalidRequest("messages must not be empty"))
		return
	}
	s.mapper.Apply(&req)
	s.writeJSON(w, http.StatusOK, map[string]int{"input_tokens": s.tokenizer.CountRequest(&req)})
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var sub batch.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, wire.InvalidRequest("request body is not valid JSON: %v", err))
		return
	}
	status, err := s.batches.Submit(r.Context(), &sub)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBatchGet(w http.ResponseWriter, r *http.Request) {
	status, err := s.batches.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// permissionContext grants write-tool permission when the caller asked for it
// via header or the deployment default allows it.
func (s *Server) permissionContext(r *http.Request) context.Context {
	ctx := r.Context()
	grant := r.Header.Get(permissionHeader)
	if grant == "" {
		grant = s.cfg.Tools.PermissionDefault
	}
	if strings.EqualFold(grant, permissionWrite) {
		ctx = executor.WithPermission(ctx)
	}
	return ctx
}

// recordUsage appends one row to the usage ledger and bumps the token
// counters. Ledger failures are the recorder's problem; the request result
// is already decided.
func (s *Server) recordUsage(ctx context.Context, req *wire.MessagesRequest, usage wire.Usage, status, rounds int, streamed bool, start time.Time) {
	if usage.InputTokens > 0 {
		metrics.TokensTotal.WithLabelValues("input", s.cfg.Backend.Kind).Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		metrics.TokensTotal.WithLabelValues("output", s.cfg.Backend.Kind).Add(float64(usage.OutputTokens))
	}
	s.recorder.Record(store.UsageEntry{
		RequestID:     logging.RequestID(ctx),
		Backend:       s.cfg.Backend.Kind,
		Model:         req.Model,
		OriginalModel: req.OriginalModel,
		Stream:        streamed,
		Status:        status,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		ToolRounds:    rounds,
		DurationMS:    time.Since(start).Milliseconds(),
	})
}

// observeRequest bumps the inbound request metrics, labeling by the model
// alias the caller sent rather than the backend-resolved name.
func (s *Server) observeRequest(req *wire.MessagesRequest, status int, streamed bool, start time.Time) {
	model := req.OriginalModel
	if model == "" {
		model = req.Model
	}
	streamLabel := strconv.FormatBool(streamed)
	metrics.RequestsTotal.WithLabelValues(s.cfg.Backend.Kind, model, strconv.Itoa(status), streamLabel).Inc()
	metrics.RequestDuration.WithLabelValues(s.cfg.Backend.Kind, streamLabel).Observe(time.Since(start).Seconds())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", zap.Error(err))
	}
}

// writeError renders any error as the Anthropic error envelope with its
// mapped HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	apiErr := wire.AsAPIError(err)
	s.writeJSON(w, apiErr.StatusCode, wire.NewErrorEnvelope(apiErr.Kind, apiErr.Message))
}
