// Package retry describes bounded retry policies as data.
package retry

import (
	"strings"
	"time"

	"teamsync/internal/fault"
)

const (
	// BackoffLinear grows delay by one step per attempt.
	BackoffLinear = "linear"
	// BackoffExponential doubles delay per attempt.
	BackoffExponential = "exponential"
)

// Schedule maps retry attempt number (1-based) to delay.
type Schedule interface {
	Delay(attempt int) time.Duration
}

// Linear grows delay as Step*attempt, capped by Max when Max > 0.
// Params: step and optional cap.
// Returns: linear schedule.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

// Delay returns linear delay for attempt.
// Params: 1-based attempt.
// Returns: delay.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := l.Step * time.Duration(attempt)
	if l.Max > 0 && delay > l.Max {
		return l.Max
	}
	return delay
}

// Exponential doubles delay from Initial, capped by Max when Max > 0.
// Params: initial delay and optional cap.
// Returns: exponential schedule.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns exponential delay for attempt.
// Params: 1-based attempt.
// Returns: delay.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if e.Max > 0 && delay >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// Policy bounds retries: at most MaxRetries re-attempts after the first try.
// Params: retry budget and backoff schedule.
// Returns: inspectable retry policy.
type Policy struct {
	MaxRetries int
	Schedule   Schedule
}

// NewPolicy builds policy from config vocabulary.
// Params: budget, backoff name (linear|exponential), initial and max delay.
// Returns: policy (linear when name is unknown).
func NewPolicy(maxRetries int, backoff string, initial, max time.Duration) Policy {
	var schedule Schedule = Linear{Step: initial, Max: max}
	if strings.EqualFold(strings.TrimSpace(backoff), BackoffExponential) {
		schedule = Exponential{Initial: initial, Max: max}
	}
	return Policy{MaxRetries: maxRetries, Schedule: schedule}
}

// Delay returns wait before retry number attempt.
// Params: 1-based retry number.
// Returns: delay (zero when no schedule).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Schedule == nil {
		return 0
	}
	return p.Schedule.Delay(attempt)
}

// Delays lists the full backoff schedule.
// Params: none.
// Returns: one delay per allowed retry.
func (p Policy) Delays() []time.Duration {
	out := make([]time.Duration, 0, p.MaxRetries)
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		out = append(out, p.Delay(attempt))
	}
	return out
}

// ShouldRetry decides whether failure number attempt may be retried.
// Params: retries already performed and failure cause.
// Returns: true when budget remains and error is not permanent.
func (p Policy) ShouldRetry(retriesDone int, err error) bool {
	if fault.IsPermanent(err) {
		return false
	}
	return !p.Exhausted(retriesDone)
}

// Exhausted reports whether retriesDone consumed the whole budget.
// Params: retries already performed.
// Returns: true when no retry remains.
func (p Policy) Exhausted(retriesDone int) bool {
	return retriesDone >= p.MaxRetries
}
