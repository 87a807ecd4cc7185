package server

import (
	"fmt"
	"net/http"

	"github.com/claudegate/claudegate/internal/metrics"
	"github.com/claudegate/claudegate/internal/stream"
	"github.com/claudegate/claudegate/internal/wire"
)

// sseWriter renders normalized stream events as Anthropic SSE frames,
// flushing after every frame so intermediate proxies cannot buffer the
// stream. It also tallies the token usage the stream reports, for the
// usage ledger.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	usage   wire.Usage
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// Emit writes one event. The first call commits the response headers, so a
// failure before any emit can still be reported as a plain HTTP error. A
// write failure means the client is gone and aborts the stream loop.
func (s *sseWriter) Emit(ev stream.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	switch ev.Type {
	case stream.MessageStart:
		s.usage.InputTokens = ev.Usage.InputTokens
	case stream.MessageDelta:
		s.usage.OutputTokens = ev.Usage.OutputTokens
	}

	if _, err := s.w.Write(stream.FrameAnthropic(ev)); err != nil {
		return fmt.Errorf("client write failed: %w", err)
	}
	metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()

	if ev.Type == stream.MessageStop {
		if _, err := s.w.Write(stream.DoneFrame); err != nil {
			return fmt.Errorf("client write failed: %w", err)
		}
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// Started reports whether the response headers have been committed.
func (s *sseWriter) Started() bool { return s.started }

// Usage returns the token counts observed on the stream: input from
// message_start, output from the last message_delta.
func (s *sseWriter) Usage() wire.Usage { return s.usage }
