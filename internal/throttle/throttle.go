// Package throttle rate-limits subscribe attempts per resource key.
package throttle

import (
	"time"

	"teamsync/internal/clock"
)

// Window is a sliding-window attempt limiter.
// Params: attempt limit, trailing interval, clock, per-key attempt timestamps.
// Returns: per-key circuit breaker.
type Window struct {
	limit    int
	interval time.Duration
	clock    clock.Clock
	attempts map[string][]time.Time
	rejected int
}

// New creates sliding-window throttle.
// Params: max attempts per interval, interval length, and time source.
// Returns: throttle with empty history.
func New(limit int, interval time.Duration, clk clock.Clock) *Window {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Window{
		limit:    limit,
		interval: interval,
		clock:    clk,
		attempts: make(map[string][]time.Time),
	}
}

// ShouldThrottle prunes key history and records an attempt when under limit.
// Params: resource key.
// Returns: true when attempt must be rejected (not recorded).
func (w *Window) ShouldThrottle(key string) bool {
	if w.limit <= 0 {
		return false
	}
	now := w.clock.Now()
	history := prune(w.attempts[key], now.Add(-w.interval))
	if len(history) >= w.limit {
		w.attempts[key] = history
		w.rejected++
		return true
	}
	w.attempts[key] = append(history, now)
	return false
}

// Attempts reports recorded attempts inside the current window.
// Params: resource key.
// Returns: pruned attempt count.
func (w *Window) Attempts(key string) int {
	history := prune(w.attempts[key], w.clock.Now().Add(-w.interval))
	if len(history) == 0 {
		delete(w.attempts, key)
	} else {
		w.attempts[key] = history
	}
	return len(history)
}

// Rejected reports total rejected attempts.
func (w *Window) Rejected() int {
	return w.rejected
}

// Forget drops key history.
// Params: resource key.
// Returns: none.
func (w *Window) Forget(key string) {
	delete(w.attempts, key)
}

// Reset drops every key history.
// Params: none.
// Returns: none.
func (w *Window) Reset() {
	w.attempts = make(map[string][]time.Time)
}

// prune drops timestamps at or before cutoff; history is ordered.
func prune(history []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(history) && !history[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return history
	}
	return append(history[:0:0], history[idx:]...)
}
