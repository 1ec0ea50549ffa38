package tool

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window call limiter. It records the timestamps of
// allowed calls and rejects a call when the window already holds limit
// entries. Used to cap tie-break model calls and per-server tool traffic.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time // injectable clock for tests
}

// NewRateLimiter allows limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed now and records it if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(r.now())
	if len(r.calls) >= r.limit {
		return false
	}
	r.calls = append(r.calls, r.now())
	return true
}

// Remaining returns how many calls are still allowed in the current window.
func (r *RateLimiter) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.trim(r.now())
	left := r.limit - len(r.calls)
	if left < 0 {
		return 0
	}
	return left
}

// Reset clears all recorded calls.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}

// trim drops entries older than the window. Caller holds the lock.
func (r *RateLimiter) trim(now time.Time) {
	cutoff := now.Add(-r.window)
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]
}
