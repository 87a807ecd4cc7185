// Package upstream owns the outbound HTTP leg: unary and streaming POSTs,
// per-dialect auth headers, error mapping, and the single-shot fallback
// retry for server-side and transport failures.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/logging"
	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/wire"
)

const anthropicVersion = "2023-06-01"

// Streaming error responses are read up to this bound before failing fast.
const maxErrorBodyBytes = 64 * 1024

// Target is one upstream base URL and credential pair. Model, when set,
// overrides the request's model for that target (the fallback knob).
type Target struct {
	APIBase string
	APIKey  string
	Model   string
}

// Client issues calls against the primary target and retries once against
// the fallback target when the primary answers 5xx or cannot be reached.
// It is safe for concurrent use.
type Client struct {
	kind     string
	primary  Target
	fallback *Target
	unary    *http.Client
	// Streaming calls carry no client timeout; the request context governs
	// the connection lifetime.
	streaming *http.Client
	logger    *zap.Logger
}

// New builds a client from the gateway configuration.
func New(cfg *config.Config, logger *zap.Logger) *Client {
	c := &Client{
		kind:      cfg.Backend.Kind,
		primary:   Target{APIBase: cfg.Upstream.APIBase, APIKey: cfg.Upstream.APIKey},
		unary:     &http.Client{Timeout: cfg.Upstream.RequestTimeout()},
		streaming: &http.Client{},
		logger:    logger,
	}
	if cfg.Fallback.Enabled {
		c.fallback = &Target{
			APIBase: cfg.Fallback.APIBase,
			APIKey:  cfg.Fallback.APIKey,
			Model:   cfg.Fallback.Model,
		}
	}
	return c
}

// Post issues a unary JSON POST to path and decodes the 2xx response body
// into out. Failures come back as *wire.APIError: 4xx answers keep their
// status and mapped kind and are final; 5xx and transport failures are
// retried once against the fallback target when one is configured.
func (c *Client) Post(ctx context.Context, path string, payload, out any) error {
	body, err := c.postTarget(ctx, c.primary, path, payload)
	if err != nil {
		if !c.shouldFallback(ctx, err) {
			return err
		}
		c.logger.Warn("primary upstream failed, trying fallback",
			zap.String("path", path),
			zap.Error(err))
		if body, err = c.postTarget(ctx, *c.fallback, path, payload); err != nil {
			return err
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return wire.Upstream("failed to decode upstream response: %v", err)
	}
	return nil
}

func (c *Client) postTarget(ctx context.Context, t Target, path string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, c.unary, t, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wire.Upstream("failed to read upstream response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamStatusError(resp.StatusCode, body)
	}
	return body, nil
}

// Stream issues a streaming POST and hands back an SSE reader over the
// response body. Non-2xx answers read a bounded error body and fail before
// any frame is delivered; connection-time failures follow the same fallback
// policy as Post. Callers must Close the reader.
func (c *Client) Stream(ctx context.Context, path string, payload any) (*SSEReader, error) {
	reader, err := c.streamTarget(ctx, c.primary, path, payload)
	if err == nil {
		return reader, nil
	}
	if !c.shouldFallback(ctx, err) {
		return nil, err
	}
	c.logger.Warn("primary upstream failed, trying fallback",
		zap.String("path", path),
		zap.Error(err))
	return c.streamTarget(ctx, *c.fallback, path, payload)
}

func (c *Client) streamTarget(ctx context.Context, t Target, path string, payload any) (*SSEReader, error) {
	resp, err := c.do(ctx, c.streaming, t, path, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, upstreamStatusError(resp.StatusCode, body)
	}
	return NewSSEReader(resp.Body), nil
}

// upstreamStatusError maps a non-2xx upstream answer onto the northbound
// error. 4xx and the overloaded status keep their code and kind; any other
// 5xx collapses to a 502 api_error with the original status in the message.
func upstreamStatusError(status int, body []byte) *wire.APIError {
	message := wire.UpstreamErrorMessage(body)
	if status >= 500 && status != wire.StatusOverloaded {
		return wire.Upstream("upstream returned HTTP %d: %s", status, message)
	}
	return wire.NewAPIError(status, message)
}

func (c *Client) do(ctx context.Context, hc *http.Client, t Target, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(targetPayload(payload, t.Model))
	if err != nil {
		return nil, wire.Internal("failed to marshal upstream request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.APIBase+path, bytes.NewReader(data))
	if err != nil {
		return nil, wire.Internal("failed to build upstream request: %v", err)
	}
	c.authorize(req, t)

	started := time.Now()
	resp, err := hc.Do(req)
	elapsed := time.Since(started).Seconds()
	metrics.UpstreamDuration.WithLabelValues(c.kind).Observe(elapsed)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(c.kind, metrics.StatusClass(0)).Inc()
		c.logger.Debug("upstream transport failure",
			zap.String("path", path),
			zap.String("api_key", logging.Redact(t.APIKey)),
			zap.Error(err))
		return nil, wire.Upstream("upstream request failed: %v", err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(c.kind, metrics.StatusClass(resp.StatusCode)).Inc()
	return resp, nil
}

// authorize sets the dialect's auth headers: Anthropic passthrough uses
// x-api-key plus the pinned API version, everything else a bearer token.
func (c *Client) authorize(req *http.Request, t Target) {
	req.Header.Set("Content-Type", "application/json")
	if c.kind == config.BackendAnthropicPassthrough {
		req.Header.Set("x-api-key", t.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
		return
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
}

// shouldFallback gates the single retry: a fallback must be configured, the
// caller must still be waiting, and the failure must be server-side.
func (c *Client) shouldFallback(ctx context.Context, err error) bool {
	if c.fallback == nil {
		return false
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return wire.AsAPIError(err).Retryable()
}

// targetPayload applies the target's model override on a shallow copy so the
// caller's request is untouched.
func targetPayload(payload any, model string) any {
	if model == "" {
		return payload
	}
	switch p := payload.(type) {
	case *wire.ChatRequest:
		q := *p
		q.Model = model
		return &q
	case *wire.MessagesRequest:
		q := *p
		q.Model = model
		return &q
	default:
		return payload
	}
}
