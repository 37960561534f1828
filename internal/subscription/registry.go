package subscription

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"teamsync/internal/fault"
	"teamsync/internal/metrics"
)

// Closer is anything the registry can tear down.
type Closer interface {
	Close()
}

// Factory creates the replacement subscription for a key.
// Params: none.
// Returns: live closer or setup error.
type Factory func() (Closer, error)

type entry struct {
	closer Closer
	seq    uint64
}

// Registry keeps at most one live subscription per resource key.
// Params: capacity, entries keyed by resource key, logger, and metrics.
// Returns: bounded keyed registry.
type Registry struct {
	capacity int
	entries  map[string]entry
	seq      uint64
	logger   *slog.Logger
	metrics  *metrics.Registry
}

// NewRegistry creates empty registry.
// Params: max live keys, logger, and optional metrics.
// Returns: registry.
func NewRegistry(capacity int, logger *slog.Logger, m *metrics.Registry) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		capacity: capacity,
		entries:  make(map[string]entry),
		logger:   logger,
		metrics:  m,
	}
}

// Register replaces key's subscription, closing the old one before factory runs.
// Params: resource key and factory.
// Returns: ErrResourceExhausted when a new key would exceed capacity, or factory error.
func (r *Registry) Register(key string, factory Factory) error {
	if factory == nil {
		return fault.Validation("factory for %s is nil", key)
	}
	if existing, ok := r.entries[key]; ok {
		delete(r.entries, key)
		r.close(key, existing.closer)
	} else if r.capacity > 0 && len(r.entries) >= r.capacity {
		r.logger.Warn("subscription registry full", "key", key, "capacity", r.capacity)
		return fault.Exhausted("subscription registry reached %d keys", r.capacity)
	}

	closer, err := factory()
	if err != nil {
		r.updateGauge()
		return fmt.Errorf("register %s: %w", key, err)
	}
	if closer == nil {
		r.updateGauge()
		return fault.Validation("factory for %s returned nil", key)
	}
	r.seq++
	r.entries[key] = entry{closer: closer, seq: r.seq}
	r.updateGauge()
	return nil
}

// Release closes and forgets key.
// Params: resource key.
// Returns: true when key was live.
func (r *Registry) Release(key string) bool {
	existing, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	r.close(key, existing.closer)
	r.updateGauge()
	return true
}

// ReleasePrefix closes every key starting with prefix, newest first.
// Params: key prefix (for example all child keys of one parent).
// Returns: number of released keys.
func (r *Registry) ReleasePrefix(prefix string) int {
	keys := r.keysNewestFirst(func(key string) bool { return strings.HasPrefix(key, prefix) })
	for _, key := range keys {
		r.Release(key)
	}
	return len(keys)
}

// CloseAll closes every live key, newest first.
// Params: none.
// Returns: number of released keys.
func (r *Registry) CloseAll() int {
	keys := r.keysNewestFirst(func(string) bool { return true })
	for _, key := range keys {
		r.Release(key)
	}
	return len(keys)
}

// Has reports whether key is live.
func (r *Registry) Has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Get returns key's live subscription.
// Params: resource key.
// Returns: closer and presence flag.
func (r *Registry) Get(key string) (Closer, bool) {
	existing, ok := r.entries[key]
	return existing.closer, ok
}

// Keys lists live keys sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len reports number of live keys.
func (r *Registry) Len() int {
	return len(r.entries)
}

func (r *Registry) keysNewestFirst(match func(string) bool) []string {
	type ordered struct {
		key string
		seq uint64
	}
	list := make([]ordered, 0, len(r.entries))
	for key, e := range r.entries {
		if match(key) {
			list = append(list, ordered{key: key, seq: e.seq})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq > list[j].seq })
	keys := make([]string, 0, len(list))
	for _, item := range list {
		keys = append(keys, item.key)
	}
	return keys
}

func (r *Registry) close(key string, closer Closer) {
	safeCall(r.logger, key, closer.Close)
}

func (r *Registry) updateGauge() {
	if r.metrics != nil {
		r.metrics.LiveHandles.Set(float64(len(r.entries)))
	}
}
