package executor

import (
	"sync"
	"time"
)

// rateLimiter enforces a sliding-window budget of invocations per key. Each
// inbound request id gets its own window; keys are dropped explicitly when a
// request finishes and swept opportunistically once per window otherwise.
type rateLimiter struct {
	mu        sync.Mutex
	window    time.Duration
	max       int
	buckets   map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{
		window:  window,
		max:     max,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one invocation under key and reports whether the budget had
// room for it.
func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.buckets[key][:0]
	for _, t := range l.buckets[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.buckets[key] = kept
		return false
	}
	l.buckets[key] = append(kept, now)

	if now.Sub(l.lastSweep) > l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}
	return true
}

// Forget drops the budget tracked for key.
func (l *rateLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// sweep removes keys whose every entry has aged out. Caller holds the lock.
func (l *rateLimiter) sweep(cutoff time.Time) {
	for key, times := range l.buckets {
		stale := true
		for _, t := range times {
			if t.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.buckets, key)
		}
	}
}
