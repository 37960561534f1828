// Package state implements the reactive application store.
//
// The store owns a closed set of typed slots. Reads and writes go through a
// deep copy, writes are validated and batched, and listeners are notified once
// per changed slot when the batch is flushed on the next loop microtask.
// All methods must be called from the loop goroutine.
package state

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"teamsync/internal/fault"
	"teamsync/internal/metrics"

	"github.com/mitchellh/copystructure"
)

const (
	defaultMaxSubscribers = 50
	defaultMaxCascade     = 32
)

// Scheduler queues microtasks that run after the current loop task.
// Params: microtask callback.
// Returns: none.
type Scheduler interface {
	Defer(task func())
}

// Listener wraps a notification callback with a comparable identity.
// Params: callback receiving a private copy of the slot value.
// Returns: registration token for Subscribe.
type Listener struct {
	fn func(value any)
}

// NewListener creates listener from callback.
// Params: callback invoked with cloned slot value.
// Returns: listener pointer usable on several slots.
func NewListener(fn func(value any)) *Listener {
	return &Listener{fn: fn}
}

// Options tunes store limits and observability.
// Params: per-slot listener cap, cascade bound, logger, and metrics.
// Returns: store construction options.
type Options struct {
	MaxSubscribers int
	MaxCascade     int
	Logger         *slog.Logger
	Metrics        *metrics.Registry
}

// Store is the canonical application state container.
// Params: closed slot table, current values, listeners, and pending batch.
// Returns: reactive key/value store.
type Store struct {
	specs     map[Slot]slotSpec
	values    map[Slot]any
	listeners map[Slot][]*Listener

	pending        map[Slot]any
	pendingOrder   []Slot
	flushScheduled bool

	flushing   bool
	depth      int
	nextDepth  int
	current    *Listener
	writers    map[*Listener]struct{}
	maxSubs    int
	maxCascade int

	scheduler Scheduler
	logger    *slog.Logger
	metrics   *metrics.Registry
}

// New creates store with every slot at its default value.
// Params: microtask scheduler (the loop) and options.
// Returns: initialized store.
func New(scheduler Scheduler, opts Options) *Store {
	if opts.MaxSubscribers <= 0 {
		opts.MaxSubscribers = defaultMaxSubscribers
	}
	if opts.MaxCascade <= 0 {
		opts.MaxCascade = defaultMaxCascade
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		specs:      buildSlotSpecs(),
		values:     make(map[Slot]any, len(slotOrder)),
		listeners:  make(map[Slot][]*Listener, len(slotOrder)),
		pending:    make(map[Slot]any),
		writers:    make(map[*Listener]struct{}),
		maxSubs:    opts.MaxSubscribers,
		maxCascade: opts.MaxCascade,
		scheduler:  scheduler,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	s.Init()
	return s
}

// Init (re)initializes every slot to its default without notifying.
// Params: none.
// Returns: none.
func (s *Store) Init() {
	for _, slot := range slotOrder {
		s.values[slot] = s.specs[slot].defaults()
	}
	s.pending = make(map[Slot]any)
	s.pendingOrder = nil
}

// Slots lists slot names in reset order.
// Params: none.
// Returns: copy of the closed slot list.
func Slots() []Slot {
	return append([]Slot(nil), slotOrder...)
}

// Get returns deep copy of current slot value.
// Params: slot name.
// Returns: cloned value or ErrValidation for unknown slot.
func (s *Store) Get(slot Slot) (any, error) {
	if _, ok := s.specs[slot]; !ok {
		return nil, unknownSlot(slot)
	}
	return cloneValue(s.values[slot])
}

// Set validates value and queues it for the next flush.
// Params: slot name and new value.
// Returns: ErrValidation on unknown slot or predicate failure.
func (s *Store) Set(slot Slot, value any) error {
	spec, ok := s.specs[slot]
	if !ok {
		return unknownSlot(slot)
	}
	normalized, err := spec.validate(value)
	if err != nil {
		return err
	}
	cloned, err := cloneValue(normalized)
	if err != nil {
		return fault.Validation("%s value cannot be copied: %v", slot, err)
	}

	if _, queued := s.pending[slot]; !queued {
		s.pendingOrder = append(s.pendingOrder, slot)
	}
	s.pending[slot] = cloned
	if s.flushing && s.current != nil {
		s.writers[s.current] = struct{}{}
		s.nextDepth = s.depth + 1
	}
	if !s.flushScheduled {
		s.flushScheduled = true
		s.scheduler.Defer(s.flush)
	}
	return nil
}

// Subscribe registers listener and calls it once with current value.
// Params: slot name and listener.
// Returns: idempotent unsubscribe, ErrValidation, or ErrResourceExhausted.
func (s *Store) Subscribe(slot Slot, listener *Listener) (func(), error) {
	if _, ok := s.specs[slot]; !ok {
		return nil, unknownSlot(slot)
	}
	if listener == nil || listener.fn == nil {
		return nil, fault.Validation("listener for %s is nil", slot)
	}
	unsubscribe := s.unsubscribeFunc(slot, listener)
	if s.registered(slot, listener) {
		return unsubscribe, nil
	}
	if len(s.listeners[slot]) >= s.maxSubs {
		return nil, fault.Exhausted("slot %s reached %d listeners", slot, s.maxSubs)
	}
	s.listeners[slot] = append(s.listeners[slot], listener)
	s.deliver(slot, listener, s.values[slot])
	return unsubscribe, nil
}

// ListenerCount reports registered listeners for slot.
// Params: slot name.
// Returns: listener count (0 for unknown slot).
func (s *Store) ListenerCount(slot Slot) int {
	return len(s.listeners[slot])
}

// Reset writes every default back through Set so listeners see the change.
// Params: none.
// Returns: none.
func (s *Store) Reset() {
	for _, slot := range slotOrder {
		if err := s.Set(slot, s.specs[slot].defaults()); err != nil {
			s.logger.Error("store reset failed", "slot", slot.String(), "error", err.Error())
		}
	}
}

// Snapshot copies every slot value.
// Params: none.
// Returns: slot name to cloned value.
func (s *Store) Snapshot() map[Slot]any {
	out := make(map[Slot]any, len(slotOrder))
	for _, slot := range slotOrder {
		value, err := cloneValue(s.values[slot])
		if err != nil {
			continue
		}
		out[slot] = value
	}
	return out
}

// flush applies queued writes and notifies listeners of changed slots.
// Params: none.
// Returns: none.
func (s *Store) flush() {
	s.flushScheduled = false
	batch := s.pending
	order := s.pendingOrder
	s.pending = make(map[Slot]any)
	s.pendingOrder = nil

	s.depth = s.nextDepth
	s.nextDepth = 0
	if s.depth > s.maxCascade {
		s.dropRunawayWriters()
		s.depth = 0
	}
	s.writers = make(map[*Listener]struct{})

	changed := make([]Slot, 0, len(order))
	for _, slot := range order {
		next := batch[slot]
		if reflect.DeepEqual(s.values[slot], next) {
			continue
		}
		s.values[slot] = next
		changed = append(changed, slot)
	}

	s.flushing = true
	defer func() {
		s.flushing = false
		s.current = nil
	}()
	for _, slot := range changed {
		listeners := append([]*Listener(nil), s.listeners[slot]...)
		for _, listener := range listeners {
			if !s.registered(slot, listener) {
				continue
			}
			s.deliver(slot, listener, s.values[slot])
		}
	}
}

// dropRunawayWriters deregisters listeners that kept writing from notifications.
// Params: none.
// Returns: none.
func (s *Store) dropRunawayWriters() {
	for listener := range s.writers {
		for _, slot := range slotOrder {
			if s.registered(slot, listener) {
				s.remove(slot, listener)
				s.logger.Error("store listener deregistered after runaway notify cascade",
					"slot", slot.String(), "depth", s.depth)
			}
		}
		if s.metrics != nil {
			s.metrics.RunawayListeners.Inc()
		}
	}
}

// deliver calls one listener with a private copy and recovers panics.
// Params: slot, listener, and stored value.
// Returns: none.
func (s *Store) deliver(slot Slot, listener *Listener, value any) {
	cloned, err := cloneValue(value)
	if err != nil {
		s.logger.Error("store value copy failed", "slot", slot.String(), "error", err.Error())
		return
	}
	previous := s.current
	s.current = listener
	defer func() {
		s.current = previous
		if recovered := recover(); recovered != nil {
			s.logger.Error("store listener panic recovered", "slot", slot.String(), "panic", fmt.Sprint(recovered))
		}
	}()
	if s.metrics != nil {
		s.metrics.Notifications.WithLabelValues(slot.String()).Inc()
	}
	listener.fn(cloned)
}

func (s *Store) registered(slot Slot, listener *Listener) bool {
	for _, existing := range s.listeners[slot] {
		if existing == listener {
			return true
		}
	}
	return false
}

func (s *Store) remove(slot Slot, listener *Listener) {
	list := s.listeners[slot]
	for i, existing := range list {
		if existing == listener {
			s.listeners[slot] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (s *Store) unsubscribeFunc(slot Slot, listener *Listener) func() {
	return func() {
		s.remove(slot, listener)
	}
}

// cloneValue deep-copies slot value; nil and immutable scalars are returned as-is.
// Params: validated slot value.
// Returns: independent copy.
func cloneValue(value any) (any, error) {
	switch value.(type) {
	case nil, string, int, bool:
		return value, nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return value, nil
		}
	}
	return copystructure.Copy(value)
}
