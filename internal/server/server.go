// Package server exposes the Anthropic-compatible HTTP surface: the Messages
// API with SSE streaming, token counting, Message Batches, and the
// operational endpoints, behind the gateway middleware chain.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/batch"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/conversation"
	"github.com/claudegate/claudegate/internal/cost"
	"github.com/claudegate/claudegate/internal/executor"
	"github.com/claudegate/claudegate/internal/modelmap"
	"github.com/claudegate/claudegate/internal/promptcache"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/tokenizer"
)

// Dependencies carries the wired subsystems into the server. Everything is
// required; main assembles them in dependency order.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Loop      *conversation.Loop
	Executor  *executor.Executor
	Tokenizer *tokenizer.Tokenizer
	Cache     *promptcache.Cache
	Store     *store.Store
	Recorder  *store.Recorder
}

// Server owns the HTTP listener and the request pipeline behind it.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	mapper    *modelmap.Mapper
	loop      *conversation.Loop
	executor  *executor.Executor
	tokenizer *tokenizer.Tokenizer
	cache     *promptcache.Cache
	store     *store.Store
	recorder  *store.Recorder
	pricing   *cost.Calculator
	batches   *batch.Service
	limiter   *rateLimiter

	httpServer *http.Server
	started    time.Time
}

func New(deps Dependencies) *Server {
	cfg := deps.Config
	s := &Server{
		cfg:       cfg,
		logger:    deps.Logger.With(zap.String("backend", cfg.Backend.Kind)),
		mapper:    modelmap.New(cfg.Models, cfg.Backend.Kind),
		loop:      deps.Loop,
		executor:  deps.Executor,
		tokenizer: deps.Tokenizer,
		cache:     deps.Cache,
		store:     deps.Store,
		recorder:  deps.Recorder,
		pricing:   cost.NewCalculator(),
		started:   time.Now(),
	}
	if cfg.Limits.ClientRateRPM > 0 {
		s.limiter = newRateLimiter(cfg.Limits.ClientRateRPM)
	}
	// The batch runner feeds items back through Process, so batch items get
	// the same validation, mapping, cache, and tool semantics as live calls.
	s.batches = batch.New(cfg.Batch, deps.Store, s, s.logger)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/messages", s.handleMessages).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/count_tokens", s.handleCountTokens).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/batches", s.handleBatchSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/batches/{id}", s.handleBatchGet).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/", s.handleBanner).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	return r
}

// Handler composes the middleware chain around the routes. CORS wraps the
// whole chain so preflight requests are answered without OPTIONS routes.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.routes()
	h = s.rateLimitMiddleware(h)
	h = s.accessLogMiddleware(h)
	h = s.requestIDMiddleware(h)
	h = s.recoveryMiddleware(h)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(h)
}

// Start recovers batches interrupted by the previous shutdown, then begins
// serving. It returns once the listener goroutine is launched.
func (s *Server) Start(ctx context.Context) error {
	if err := s.batches.Recover(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Addr(),
		Handler: s.Handler(),
		// Streaming responses outlive any fixed write deadline, so only
		// header reads and idle keep-alives are bounded.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		s.logger.Info("gateway listening",
			zap.String("addr", s.httpServer.Addr),
			zap.String("upstream", s.cfg.Upstream.APIBase))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests, then drains in-flight batch work under
// the same deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.batches.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return firstErr
}
