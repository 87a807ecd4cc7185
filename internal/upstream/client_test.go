package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/wire"
)

func testConfig(kind, base string) *config.Config {
	return &config.Config{
		Backend:  config.Backend{Kind: kind},
		Upstream: config.Upstream{APIBase: base, APIKey: "sk-primary", RequestTimeoutS: 5},
	}
}

func TestPostSetsBearerAuth(t *testing.T) {
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendOpenAICompatible, srv.URL), zap.NewNop())

	var out map[string]any
	require.NoError(t, c.Post(context.Background(), "/v1/chat/completions", map[string]string{"model": "m"}, &out))

	assert.Equal(t, "Bearer sk-primary", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestPostSetsAnthropicAuth(t *testing.T) {
	var gotKey, gotVersion, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendAnthropicPassthrough, srv.URL), zap.NewNop())
	require.NoError(t, c.Post(context.Background(), "/v1/messages", map[string]string{}, nil))

	assert.Equal(t, "sk-primary", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Empty(t, gotAuth)
}

func TestPostClientErrorIsFinal(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
	}))
	defer fallback.Close()

	cfg := testConfig(config.BackendOpenAICompatible, primary.URL)
	cfg.Fallback = config.Fallback{Enabled: true, APIBase: fallback.URL, APIKey: "sk-backup"}
	c := New(cfg, zap.NewNop())

	err := c.Post(context.Background(), "/v1/chat/completions", map[string]string{}, nil)

	apiErr := wire.AsAPIError(err)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, wire.ErrNotFound, apiErr.Kind)
	assert.Equal(t, "model not found", apiErr.Message)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(0), fallbackCalls.Load(), "4xx must not trigger the fallback")
}

func TestPostServerErrorTriesFallbackOnce(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"try later"}}`))
	}))
	defer primary.Close()

	var fallbackBody wire.ChatRequest
	var fallbackAuth string
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		fallbackAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &fallbackBody)
		w.Write([]byte(`{"id":"chatcmpl-fb"}`))
	}))
	defer fallback.Close()

	cfg := testConfig(config.BackendOpenAICompatible, primary.URL)
	cfg.Fallback = config.Fallback{Enabled: true, APIBase: fallback.URL, APIKey: "sk-backup", Model: "backup-model"}
	c := New(cfg, zap.NewNop())

	payload := &wire.ChatRequest{Model: "primary-model"}
	var out wire.ChatResponse
	require.NoError(t, c.Post(context.Background(), "/v1/chat/completions", payload, &out))

	assert.Equal(t, "chatcmpl-fb", out.ID)
	assert.Equal(t, int32(1), primaryCalls.Load())
	assert.Equal(t, int32(1), fallbackCalls.Load())
	assert.Equal(t, "Bearer sk-backup", fallbackAuth)
	assert.Equal(t, "backup-model", fallbackBody.Model, "fallback model override must apply")
	assert.Equal(t, "primary-model", payload.Model, "caller's request must not be mutated")
}

func TestPostServerErrorWithoutFallbackMapsTo502(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"maintenance"}}`))
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendOpenAICompatible, srv.URL), zap.NewNop())
	err := c.Post(context.Background(), "/v1/chat/completions", map[string]string{}, nil)

	apiErr := wire.AsAPIError(err)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, wire.ErrAPI, apiErr.Kind)
	assert.Contains(t, apiErr.Message, "HTTP 503")
	assert.Contains(t, apiErr.Message, "maintenance")
}

func TestPostOverloadedKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(wire.StatusOverloaded)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendAnthropicPassthrough, srv.URL), zap.NewNop())
	err := c.Post(context.Background(), "/v1/messages", map[string]string{}, nil)

	apiErr := wire.AsAPIError(err)
	assert.Equal(t, wire.StatusOverloaded, apiErr.StatusCode)
	assert.Equal(t, wire.ErrOverloaded, apiErr.Kind)
}

func TestPostTransportFailureUsesFallback(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // refuse connections from now on

	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer fallback.Close()

	cfg := testConfig(config.BackendOpenAICompatible, dead.URL)
	cfg.Fallback = config.Fallback{Enabled: true, APIBase: fallback.URL, APIKey: "sk-backup"}
	c := New(cfg, zap.NewNop())

	require.NoError(t, c.Post(context.Background(), "/v1/chat/completions", map[string]string{}, nil))
	assert.Equal(t, int32(1), fallbackCalls.Load())
}

func TestPostCancelledContextSkipsFallback(t *testing.T) {
	var fallbackCalls atomic.Int32
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackCalls.Add(1)
	}))
	defer fallback.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	cfg := testConfig(config.BackendOpenAICompatible, dead.URL)
	cfg.Fallback = config.Fallback{Enabled: true, APIBase: fallback.URL, APIKey: "sk-backup"}
	c := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Post(ctx, "/v1/chat/completions", map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(0), fallbackCalls.Load())
}

func TestStreamDeliversFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"n\":1}\n\n")
		io.WriteString(w, "data: {\"n\":2}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendOpenAICompatible, srv.URL), zap.NewNop())
	reader, err := c.Stream(context.Background(), "/v1/chat/completions", map[string]string{})
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, readAllPayloads(t, reader))
}

func TestStreamNon2xxFailsBeforeFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := New(testConfig(config.BackendOpenAICompatible, srv.URL), zap.NewNop())
	reader, err := c.Stream(context.Background(), "/v1/chat/completions", map[string]string{})

	require.Error(t, err)
	assert.Nil(t, reader)
	apiErr := wire.AsAPIError(err)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, wire.ErrAuthentication, apiErr.Kind)
	assert.Equal(t, "bad key", apiErr.Message)
}

func TestStreamServerErrorTriesFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"from\":\"fallback\"}\n\ndata: [DONE]\n\n")
	}))
	defer fallback.Close()

	cfg := testConfig(config.BackendOpenAICompatible, primary.URL)
	cfg.Fallback = config.Fallback{Enabled: true, APIBase: fallback.URL, APIKey: "sk-backup"}
	c := New(cfg, zap.NewNop())

	reader, err := c.Stream(context.Background(), "/v1/chat/completions", map[string]string{})
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, []string{`{"from":"fallback"}`}, readAllPayloads(t, reader))
}

func TestTargetPayloadLeavesUnknownTypesAlone(t *testing.T) {
	raw := map[string]string{"model": "x"}
	assert.Equal(t, raw, targetPayload(raw, "override"))

	req := &wire.MessagesRequest{Model: "orig"}
	got := targetPayload(req, "override").(*wire.MessagesRequest)
	assert.Equal(t, "override", got.Model)
	assert.Equal(t, "orig", req.Model)
}
