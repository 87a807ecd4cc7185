// Package router dispatches Messages requests to the configured backend.
// OpenAI-compatible and Databricks upstreams get full request/response
// translation; the Anthropic passthrough forwards the Messages shape as-is.
// The backend kind is fixed per process, so dispatch is a static switch with
// no content sniffing.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/modelmap"
	"github.com/claudegate/claudegate/internal/stream"
	"github.com/claudegate/claudegate/internal/translate"
	"github.com/claudegate/claudegate/internal/upstream"
	"github.com/claudegate/claudegate/internal/wire"
)

// Upstream paths per dialect. The base URL carries everything above these.
const (
	pathChatCompletions = "/chat/completions"
	pathMessages        = "/v1/messages"
)

// Backend issues requests to one upstream target. *upstream.Client satisfies
// it; tests substitute fakes.
type Backend interface {
	Post(ctx context.Context, path string, payload, out any) error
	Stream(ctx context.Context, path string, payload any) (*upstream.SSEReader, error)
}

// Router translates and dispatches requests for one configured backend kind.
type Router struct {
	kind           string
	client         Backend
	endpointPrefix string
	logger         *zap.Logger
}

// New builds the router for the configured backend.
func New(cfg *config.Config, client Backend, logger *zap.Logger) *Router {
	return &Router{
		kind:           cfg.Backend.Kind,
		client:         client,
		endpointPrefix: cfg.Upstream.DatabricksEndpointPrefix,
		logger:         logger,
	}
}

// Send dispatches a unary request. The request must already carry the
// backend-resolved model and its OriginalModel echo.
func (r *Router) Send(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	switch r.kind {
	case config.BackendAnthropicPassthrough:
		return r.sendPassthrough(ctx, req)
	case config.BackendOpenAICompatible, config.BackendDatabricks:
		return r.sendTranslated(ctx, req)
	default:
		return nil, wire.Internal("unknown backend kind %q", r.kind)
	}
}

// Stream dispatches a streaming request and returns the normalized event
// sequence. Connection-time failures return an error; failures after the
// stream opens ride the channel as Error events.
func (r *Router) Stream(ctx context.Context, req *wire.MessagesRequest) (<-chan stream.Event, error) {
	switch r.kind {
	case config.BackendAnthropicPassthrough:
		src, err := r.client.Stream(ctx, pathMessages, req)
		if err != nil {
			return nil, err
		}
		return overrideModel(stream.NormalizeAnthropic(ctx, src), req.OriginalModel), nil

	case config.BackendOpenAICompatible, config.BackendDatabricks:
		chatReq, err := r.translateRequest(req)
		if err != nil {
			return nil, err
		}
		src, err := r.client.Stream(ctx, r.chatPath(req.Model), chatReq)
		if err != nil {
			return nil, err
		}
		return stream.NormalizeOpenAI(ctx, src, req.OriginalModel), nil

	default:
		return nil, wire.Internal("unknown backend kind %q", r.kind)
	}
}

func (r *Router) sendPassthrough(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	var resp wire.MessagesResponse
	if err := r.client.Post(ctx, pathMessages, req, &resp); err != nil {
		return nil, err
	}
	if req.OriginalModel != "" {
		resp.Model = req.OriginalModel
	}
	return &resp, nil
}

func (r *Router) sendTranslated(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	chatReq, err := r.translateRequest(req)
	if err != nil {
		return nil, err
	}

	var chatResp wire.ChatResponse
	if err := r.client.Post(ctx, r.chatPath(req.Model), chatReq, &chatResp); err != nil {
		return nil, err
	}

	resp, err := translate.FromChatResponse(&chatResp, req.OriginalModel)
	if err != nil {
		r.logger.Error("upstream response failed translation", zap.Error(err))
		return nil, wire.Internal("upstream response could not be translated")
	}
	return resp, nil
}

func (r *Router) translateRequest(req *wire.MessagesRequest) (*wire.ChatRequest, error) {
	result, err := translate.ToChatRequest(req)
	if err != nil {
		return nil, err
	}
	if len(result.Warnings) > 0 {
		r.logger.Warn("request translation degraded content",
			zap.String("model", req.OriginalModel),
			zap.Strings("warnings", result.Warnings))
	}
	return result.Request, nil
}

// chatPath resolves the upstream path for the OpenAI dialect. Databricks
// serves each model at its own endpoint.
func (r *Router) chatPath(resolvedModel string) string {
	if r.kind == config.BackendDatabricks {
		endpoint := modelmap.EndpointName(resolvedModel, r.endpointPrefix)
		return fmt.Sprintf("/serving-endpoints/%s/invocations", endpoint)
	}
	return pathChatCompletions
}

// overrideModel rewrites the message_start model so passthrough streams echo
// the caller's original alias.
func overrideModel(in <-chan stream.Event, model string) <-chan stream.Event {
	if model == "" {
		return in
	}
	out := make(chan stream.Event, 16)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type == stream.MessageStart {
				ev.Model = model
			}
			out <- ev
		}
	}()
	return out
}
