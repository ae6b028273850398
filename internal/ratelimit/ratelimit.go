// Package ratelimit implements a per-identity fixed-window rate limiter.
// Thread-safe. No background goroutines: windows reset lazily on each Allow
// call and stale windows are dropped by Sweep.
//
// Fixed window with reset: the first request for a key opens a window of
// length Limit.Window; at most Limit.MaxRequests calls succeed inside it.
// The first call at or after the window end opens a new window. A burst of
// up to 2x MaxRequests is possible across a window boundary.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limit is the quota for one identity.
type Limit struct {
	MaxRequests int           // 0 = unlimited.
	Window      time.Duration // 0 = unlimited.
}

// Unlimited reports whether the limit disables counting.
func (l Limit) Unlimited() bool {
	return l.MaxRequests <= 0 || l.Window <= 0
}

// Limiter counts requests per key.
// Each key gets an independent window; one key cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	end   time.Time
	count int
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
	return l
}

// Allow consumes one request from key's current window.
// Returns ErrRateLimited if the window is exhausted.
func (l *Limiter) Allow(key string, lim Limit) error {
	if lim.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.end) {
		w = &window{start: now, end: now.Add(lim.Window)}
		l.windows[key] = w
	}

	if w.count >= lim.MaxRequests {
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Remaining returns how many calls key may still make in its current
// window and when that window resets.
func (l *Limiter) Remaining(key string, lim Limit) (int, time.Time) {
	if lim.Unlimited() {
		return -1, time.Time{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.end) {
		return lim.MaxRequests, now.Add(lim.Window)
	}
	return lim.MaxRequests - w.count, w.end
}

// Reset forgets key's window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Sweep drops windows that have ended and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, w := range l.windows {
		if !now.Before(w.end) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}
