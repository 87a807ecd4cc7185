package logging

import "context"

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID stores the inbound request id for downstream log enrichment
// and per-request bookkeeping.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "" when absent.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
