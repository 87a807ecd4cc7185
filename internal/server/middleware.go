package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claudegate/claudegate/internal/logging"
	"github.com/claudegate/claudegate/internal/wire"
)

const (
	correlationHeader = "x-correlation-id"
	requestIDHeader   = "X-Request-ID"
)

// recoveryMiddleware turns handler panics into a 500 error envelope so one
// bad request cannot take the listener down.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", logging.RequestID(r.Context())),
					zap.Stack("stack"))
				s.writeError(w, wire.Internal("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDMiddleware assigns every request an id, honoring a caller-supplied
// x-correlation-id, and echoes it back so clients can join their logs to ours.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// accessLogMiddleware writes one structured line per request. Inbound
// credentials are never part of it.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", logging.RequestID(r.Context())))
	})
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming survives the wrap.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// rateLimitMiddleware rejects clients that exceed the configured
// requests-per-minute budget with the Anthropic rate_limit envelope.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			s.writeError(w, wire.NewAPIError(http.StatusTooManyRequests,
				"rate limit exceeded, retry later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a token bucket per client host, refilled continuously at
// the configured requests-per-minute rate. Idle buckets are swept so the map
// does not grow with client churn.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rpm     int
	ticker  *time.Ticker
	done    chan struct{}
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func newRateLimiter(rpm int) *rateLimiter {
	rl := &rateLimiter{
		clients: make(map[string]*bucket),
		rpm:     rpm,
		ticker:  time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// allow consumes one token for the client, refilling first in proportion to
// the time elapsed since the last refill.
func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.clients[client]
	if !ok {
		rl.clients[client] = &bucket{tokens: rl.rpm - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.rpm))
	if refill > 0 {
		b.tokens = min(b.tokens+refill, rl.rpm)
		b.lastRefill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) sweep() {
	for {
		select {
		case <-rl.done:
			return
		case <-rl.ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for client, b := range rl.clients {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(rl.clients, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop terminates the sweeper goroutine.
func (rl *rateLimiter) Stop() {
	rl.ticker.Stop()
	close(rl.done)
}
