package server

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/wire"
)

const serviceName = "claudegate"

// Version is reported by the banner and status endpoints.
const Version = "1.2.0"

type statusResponse struct {
	Service            string       `json:"service"`
	Version            string       `json:"version"`
	Backend            string       `json:"backend"`
	BigModel           string       `json:"big_model"`
	SmallModel         string       `json:"small_model"`
	ToolsEnabled       bool         `json:"tools_enabled"`
	BatchEnabled       bool         `json:"batch_enabled"`
	PromptCacheEnabled bool         `json:"prompt_cache_enabled"`
	FallbackEnabled    bool         `json:"fallback_enabled"`
	UptimeSeconds      int64        `json:"uptime_seconds"`
	Usage              usageTotals  `json:"usage"`
	ByModel            []modelUsage `json:"by_model"`
}

type usageTotals struct {
	Requests         int64   `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

type modelUsage struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// handleStatus reports the running configuration summary plus aggregate
// counts from the usage ledger and a per-model spend estimate.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	totals, err := s.store.UsageTotals(r.Context())
	if err != nil {
		s.logger.Warn("usage totals unavailable", zap.Error(err))
	}
	perModel, err := s.store.UsageByModel(r.Context())
	if err != nil {
		s.logger.Warn("per-model usage unavailable", zap.Error(err))
	}

	byModel := make([]modelUsage, 0, len(perModel))
	var spend float64
	for _, row := range perModel {
		estimate := s.pricing.Estimate(row.Model, row.InputTokens, row.OutputTokens)
		spend += estimate
		byModel = append(byModel, modelUsage{
			Model:            row.Model,
			Requests:         row.Requests,
			InputTokens:      row.InputTokens,
			OutputTokens:     row.OutputTokens,
			EstimatedCostUSD: roundCents(estimate),
		})
	}

	s.writeJSON(w, http.StatusOK, statusResponse{
		Service:            serviceName,
		Version:            Version,
		Backend:            s.cfg.Backend.Kind,
		BigModel:           s.cfg.Models.Big,
		SmallModel:         s.cfg.Models.Small,
		ToolsEnabled:       s.cfg.Tools.Enabled,
		BatchEnabled:       s.cfg.Batch.Enabled,
		PromptCacheEnabled: s.cfg.PromptCache.Enabled,
		FallbackEnabled:    s.cfg.Fallback.Enabled,
		UptimeSeconds:      int64(time.Since(s.started).Seconds()),
		Usage: usageTotals{
			Requests:         totals.Requests,
			InputTokens:      totals.InputTokens,
			OutputTokens:     totals.OutputTokens,
			EstimatedCostUSD: roundCents(spend),
		},
		ByModel: byModel,
	})
}

// roundCents keeps estimates readable; sub-cent noise is meaningless at the
// precision of a list-price table.
func roundCents(usd float64) float64 {
	return math.Round(usd*100) / 100
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

// handleBanner answers GET / with a short service description so a browser
// hit or probe shows what is listening.
func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": Version,
		"message": "Anthropic-compatible AI gateway",
		"endpoints": []string{
			"POST /v1/messages",
			"POST /v1/messages/count_tokens",
			"POST /v1/messages/batches",
			"GET /v1/messages/batches/{id}",
			"GET /v1/status",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, wire.NewAPIError(http.StatusNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, wire.NewAPIError(http.StatusMethodNotAllowed,
		fmt.Sprintf("method %s not allowed for %s", r.Method, r.URL.Path)))
}
