package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock provides time and timer abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
// Params: none.
// Returns: true from Stop when the callback was prevented from running.
type Timer interface {
	Stop() bool
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn on its own goroutine after d elapses.
// Params: delay and callback.
// Returns: stoppable timer.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Manual is a test clock that only moves when Advance is called.
// Params: start time and registered timers.
// Returns: deterministic clock implementation.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	due     time.Time
	seq     int
	fn      func()
	stopped bool
}

// NewManual creates manual clock positioned at start.
// Params: initial time.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns current manual time.
// Params: none.
// Returns: manual timestamp.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc registers fn to run when the clock is advanced past now+d.
// Params: delay and callback.
// Returns: stoppable timer.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	timer := &manualTimer{clock: m, due: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, timer)
	return timer
}

// Advance moves time forward and fires due timers in due order on the caller goroutine.
// Params: duration to move.
// Returns: none.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		next.stopped = true
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()
		next.fn()
	}
}

// Pending reports how many timers are still waiting.
// Params: none.
// Returns: number of live timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			count++
		}
	}
	return count
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, timer := range m.timers {
		if !timer.stopped {
			live = append(live, timer)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].due.Equal(m.timers[j].due) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].due.Before(m.timers[j].due)
	})
	if len(m.timers) == 0 || m.timers[0].due.After(target) {
		return nil
	}
	return m.timers[0]
}

// Stop cancels timer when it has not fired yet.
// Params: none.
// Returns: true when timer was pending.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
