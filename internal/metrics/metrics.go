// Package metrics registers the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_requests_total",
			Help: "Total number of inbound Messages API requests",
		},
		[]string{"backend", "model", "status", "stream"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claudegate_request_duration_seconds",
			Help:    "Inbound request duration in seconds, tool rounds included",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"backend", "stream"},
	)

	// Upstream dispatch metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_upstream_requests_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"backend", "status_class"}, // status_class: 2xx/4xx/5xx/transport
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claudegate_upstream_duration_seconds",
			Help:    "Upstream call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"backend"},
	)

	// Tool execution metrics
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_tool_executions_total",
			Help: "Total number of local tool executions",
		},
		[]string{"tool", "outcome"}, // outcome: ok/error/timeout/denied/rate_limited
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claudegate_tool_duration_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"tool"},
	)

	ToolRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claudegate_tool_rounds",
			Help:    "Tool-continuation rounds consumed per request",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		},
	)

	// Streaming metrics
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_stream_events_total",
			Help: "Total number of outbound SSE events by type",
		},
		[]string{"type"},
	)

	// Prompt cache metrics
	PromptCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_prompt_cache_events_total",
			Help: "Prompt cache lookups and stores",
		},
		[]string{"result"}, // result: hit/miss/store
	)

	// Batch metrics
	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_batch_items_total",
			Help: "Total number of processed batch items",
		},
		[]string{"outcome"}, // outcome: succeeded/errored/canceled
	)

	BatchesInflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "claudegate_batches_inflight",
			Help: "Number of batches currently processing",
		},
	)

	// Token accounting
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudegate_tokens_total",
			Help: "Total tokens reported by upstreams",
		},
		[]string{"direction", "backend"}, // direction: input/output
	)
)

// StatusClass buckets an HTTP status for the upstream counter; 0 means the
// request never produced a response.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "transport"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
