// Package namecache memoizes resource display names.
//
// Entries have no TTL and are advisory: they are replaced whole when an
// authoritative name arrives and may be evicted at any time.
package namecache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Fetcher resolves display name for id from the authoritative source.
// Params: call context and resource ID.
// Returns: name ("" when unknown) or fetch error.
type Fetcher func(ctx context.Context, id string) (string, error)

// Cache is a concurrency-safe id to name map with deduplicated fetches.
// Params: guarded entries, in-flight fetch group, and fetcher.
// Returns: name cache shared across goroutines.
type Cache struct {
	mu    sync.RWMutex
	names map[string]string
	group singleflight.Group
	fetch Fetcher
}

// New creates empty cache.
// Params: fetcher used on miss (nil disables fetching).
// Returns: cache.
func New(fetch Fetcher) *Cache {
	return &Cache{names: make(map[string]string), fetch: fetch}
}

// Peek reads cached name without fetching.
// Params: resource ID.
// Returns: name and hit flag.
func (c *Cache) Peek(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

// Lookup returns cached name or fetches it once for concurrent callers.
// Params: call context and resource ID.
// Returns: name or fetch error.
func (c *Cache) Lookup(ctx context.Context, id string) (string, error) {
	if name, ok := c.Peek(id); ok {
		return name, nil
	}
	if c.fetch == nil {
		return "", nil
	}
	value, err, _ := c.group.Do(id, func() (any, error) {
		name, err := c.fetch(ctx, id)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(name) != "" {
			c.Correct(id, name)
		}
		return name, nil
	})
	if err != nil {
		return "", fmt.Errorf("lookup name %s: %w", id, err)
	}
	return value.(string), nil
}

// Correct stores authoritative name, replacing any cached entry.
// Params: resource ID and name; blank names are ignored.
// Returns: true when cached value changed.
func (c *Cache) Correct(id, name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[id] == name {
		return false
	}
	c.names[id] = name
	return true
}

// Evict drops cached entry.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, id)
}

// Len reports cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
