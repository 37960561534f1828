package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMicrotasksRunBeforeNextTask(t *testing.T) {
	t.Parallel()

	l := New(nil)
	var order []string
	l.Post(func() {
		order = append(order, "task1")
		l.Defer(func() { order = append(order, "micro1") })
	})
	l.Post(func() { order = append(order, "task2") })

	if ran := l.RunPending(); ran != 3 {
		t.Fatalf("expected 3 executions, got %d", ran)
	}
	want := []string{"task1", "micro1", "task2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %#v", order)
		}
	}
}

func TestPanicInTaskDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	l := New(nil)
	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })
	l.RunPending()
	if !ran {
		t.Fatalf("expected second task to run after panic")
	}
}

func TestRunAndDoFromOtherGoroutine(t *testing.T) {
	t.Parallel()

	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx)
	}()

	counter := 0
	for i := 0; i < 10; i++ {
		if err := l.Do(context.Background(), func() error {
			counter++
			return nil
		}); err != nil {
			t.Fatalf("do: %v", err)
		}
	}
	sentinel := errors.New("task failed")
	if err := l.Do(context.Background(), func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected task error, got %v", err)
	}

	cancel()
	wg.Wait()
	if counter != 10 {
		t.Fatalf("expected 10 increments, got %d", counter)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()
	if err := l.Do(waitCtx, func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after loop stop, got %v", err)
	}
}
