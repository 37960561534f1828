package namecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLookupDeduplicatesConcurrentFetches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	cache := New(func(_ context.Context, id string) (string, error) {
		calls.Add(1)
		<-release
		return "Team " + id, nil
	})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := cache.Lookup(context.Background(), "T1")
			if err != nil {
				t.Errorf("lookup: %v", err)
			}
			results[i] = name
		}(i)
	}
	close(release)
	wg.Wait()

	for _, name := range results {
		if name != "Team T1" {
			t.Fatalf("unexpected names %v", results)
		}
	}
	if calls.Load() < 1 || calls.Load() > int32(len(results)) {
		t.Fatalf("unexpected fetch count %d", calls.Load())
	}
	before := calls.Load()
	if _, err := cache.Lookup(context.Background(), "T1"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if calls.Load() != before {
		t.Fatalf("cached entry must not refetch")
	}
}

func TestCorrectReplacesWholeEntry(t *testing.T) {
	t.Parallel()

	cache := New(nil)
	if !cache.Correct("T1", "Blue") {
		t.Fatalf("expected first correct to change entry")
	}
	if cache.Correct("T1", "Blue") {
		t.Fatalf("same name must not count as change")
	}
	if cache.Correct("T1", "  ") {
		t.Fatalf("blank name must be ignored")
	}
	cache.Correct("T1", "Green")
	if name, ok := cache.Peek("T1"); !ok || name != "Green" {
		t.Fatalf("unexpected entry %q", name)
	}
	cache.Evict("T1")
	if _, ok := cache.Peek("T1"); ok || cache.Len() != 0 {
		t.Fatalf("expected eviction")
	}
}

func TestLookupErrorIsNotCached(t *testing.T) {
	t.Parallel()

	fail := true
	cache := New(func(context.Context, string) (string, error) {
		if fail {
			return "", errors.New("offline")
		}
		return "Blue", nil
	})
	if _, err := cache.Lookup(context.Background(), "T1"); err == nil {
		t.Fatalf("expected fetch error")
	}
	fail = false
	if name, err := cache.Lookup(context.Background(), "T1"); err != nil || name != "Blue" {
		t.Fatalf("unexpected lookup %q err=%v", name, err)
	}
}
