// Package ratelimiter implements the failed-only request limiter used
// by the general HTTP tier: successful traffic is never throttled, but
// a client accumulating too many failed responses within the window is
// blocked until the window rolls over.
package ratelimiter

import (
	"sync"
	"time"
)

type windowEntry struct {
	windowStart time.Time
	failures    int
}

// FailedWindowLimiter counts failed responses per client key (usually
// the remote IP) in fixed windows. Admission checks consult the current
// window only; counting happens after the response status is known.
type FailedWindowLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	entries   map[string]*windowEntry
	lastSweep time.Time
	now       func() time.Time
}

// NewFailedWindowLimiter creates a limiter allowing up to limit failed
// responses per key per window.
func NewFailedWindowLimiter(limit int, window time.Duration) *FailedWindowLimiter {
	return &FailedWindowLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Blocked reports whether key has exhausted its failure budget in the
// current window. A nil limiter fails open.
func (l *FailedWindowLimiter) Blocked(key string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false
	}
	if l.now().Sub(e.windowStart) >= l.window {
		delete(l.entries, key)
		return false
	}
	return e.failures >= l.limit
}

// RecordFailure counts one failed response for key.
func (l *FailedWindowLimiter) RecordFailure(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[key] = &windowEntry{windowStart: now, failures: 1}
		return
	}
	e.failures++
}

// sweepLocked drops expired entries at most once per window so the map
// stays bounded by active clients.
func (l *FailedWindowLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= l.window {
			delete(l.entries, k)
		}
	}
}
