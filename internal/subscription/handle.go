// Package subscription keeps remote real-time listeners alive.
//
// A Handle wraps one raw backend subscription with bounded retry, and a
// Registry keeps at most one Handle per resource key. Both are confined to the
// loop goroutine: backend callbacks and retry timers only post work to it.
package subscription

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"teamsync/internal/clock"
	"teamsync/internal/domain"
	"teamsync/internal/metrics"
	"teamsync/internal/retry"

	"github.com/oklog/ulid/v2"
)

// Source issues raw real-time subscriptions.
// Params: document path and delivery callbacks (called from any goroutine).
// Returns: raw unsubscribe function or setup error.
type Source interface {
	Subscribe(path string, onSnapshot func(domain.Document), onError func(error)) (func(), error)
}

// Poster queues work on the loop goroutine.
type Poster interface {
	Post(task func())
}

// Deps bundles collaborators shared by every handle.
// Params: backend, loop, clock, logger, and optional metrics.
// Returns: wrapper dependencies.
type Deps struct {
	Source  Source
	Loop    Poster
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Spec describes one resilient subscription.
// Params: resource kind/key/path, retry policy, and loop-side callbacks.
// Returns: handle configuration.
type Spec struct {
	Kind        domain.ResourceKind
	Key         string
	Path        string
	Policy      retry.Policy
	OnSnapshot  func(doc domain.Document)
	OnRetry     func(attempt int, delay time.Duration, err error)
	OnExhausted func(err error)
}

// Handle is one live resilient subscription.
// Params: spec, raw generation counter, retry state, and teardown state.
// Returns: closeable subscription handle.
type Handle struct {
	id   string
	deps Deps
	spec Spec

	generation  int
	retries     int
	unsubscribe func()
	timer       clock.Timer
	closed      bool
	exhausted   bool
	deliveries  int
}

// Open creates handle and issues the first raw subscribe.
// Params: shared dependencies and subscription spec.
// Returns: live handle (failures are absorbed by the retry policy).
func Open(deps Deps, spec Spec) *Handle {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	h := &Handle{
		id:   ulid.Make().String(),
		deps: deps,
		spec: spec,
	}
	h.subscribe()
	return h
}

// ID returns handle correlation ID.
func (h *Handle) ID() string {
	return h.id
}

// Key returns resource key.
func (h *Handle) Key() string {
	return h.spec.Key
}

// Retries reports retries performed since the last successful delivery.
func (h *Handle) Retries() int {
	return h.retries
}

// Deliveries reports snapshots applied through this handle.
func (h *Handle) Deliveries() int {
	return h.deliveries
}

// Closed reports whether Close ran.
func (h *Handle) Closed() bool {
	return h.closed
}

// Exhausted reports whether retry budget was spent.
func (h *Handle) Exhausted() bool {
	return h.exhausted
}

// Close tears down raw listener and pending retry timer.
// Params: none.
// Returns: none; repeated calls are no-ops.
func (h *Handle) Close() {
	if h.closed {
		return
	}
	h.closed = true
	h.generation++
	h.stopTimer()
	h.dropRaw()
	h.deps.Logger.Debug("subscription closed", "handle", h.id, "key", h.spec.Key)
}

// subscribe issues one raw subscribe for a fresh generation.
func (h *Handle) subscribe() {
	if h.closed || h.exhausted {
		return
	}
	h.generation++
	gen := h.generation
	h.count(func(m *metrics.Registry) { m.SubscribeAttempts.WithLabelValues(string(h.spec.Kind)).Inc() })

	unsubscribe, err := h.deps.Source.Subscribe(h.spec.Path,
		func(doc domain.Document) {
			h.deps.Loop.Post(func() { h.handleSnapshot(gen, doc) })
		},
		func(err error) {
			h.deps.Loop.Post(func() { h.handleError(gen, err) })
		},
	)
	if err != nil {
		h.handleError(gen, err)
		return
	}
	if h.closed || gen != h.generation {
		safeCall(h.deps.Logger, h.spec.Key, unsubscribe)
		return
	}
	h.unsubscribe = unsubscribe
}

func (h *Handle) handleSnapshot(gen int, doc domain.Document) {
	if h.closed || gen != h.generation {
		h.count(func(m *metrics.Registry) { m.StaleDeliveries.WithLabelValues(string(h.spec.Kind)).Inc() })
		return
	}
	h.retries = 0
	h.deliveries++
	if h.spec.OnSnapshot != nil {
		h.spec.OnSnapshot(doc)
	}
}

func (h *Handle) handleError(gen int, err error) {
	if h.closed || gen != h.generation {
		return
	}
	h.count(func(m *metrics.Registry) { m.SubscriptionErrors.WithLabelValues(string(h.spec.Kind)).Inc() })
	h.generation++
	h.dropRaw()

	if !h.spec.Policy.ShouldRetry(h.retries, err) {
		h.exhausted = true
		h.count(func(m *metrics.Registry) { m.RetriesExhausted.WithLabelValues(string(h.spec.Kind)).Inc() })
		h.deps.Logger.Warn("subscription retries exhausted",
			"handle", h.id, "key", h.spec.Key, "attempt", h.retries, "error", err.Error())
		if h.spec.OnExhausted != nil {
			h.spec.OnExhausted(err)
		}
		return
	}

	h.retries++
	attempt := h.retries
	delay := h.spec.Policy.Delay(attempt)
	token := h.generation
	h.deps.Logger.Info("subscription retry scheduled",
		"handle", h.id, "key", h.spec.Key, "attempt", attempt, "delay", delay.String(), "error", err.Error())
	if h.spec.OnRetry != nil {
		h.spec.OnRetry(attempt, delay, err)
	}
	h.stopTimer()
	h.timer = h.deps.Clock.AfterFunc(delay, func() {
		h.deps.Loop.Post(func() {
			if h.closed || token != h.generation {
				return
			}
			h.timer = nil
			h.subscribe()
		})
	})
}

func (h *Handle) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handle) dropRaw() {
	if h.unsubscribe == nil {
		return
	}
	unsubscribe := h.unsubscribe
	h.unsubscribe = nil
	safeCall(h.deps.Logger, h.spec.Key, unsubscribe)
}

func (h *Handle) count(fn func(m *metrics.Registry)) {
	if h.deps.Metrics != nil {
		fn(h.deps.Metrics)
	}
}

// safeCall runs teardown and logs a panic instead of propagating it.
func safeCall(logger *slog.Logger, key string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("subscription teardown panic recovered", "key", key, "panic", fmt.Sprint(recovered))
		}
	}()
	fn()
}
