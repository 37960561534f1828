// Package loop runs application work on one logical thread.
//
// Tasks are posted from any goroutine and executed one at a time. Microtasks
// scheduled with Defer run after the current task and before the next one,
// which is where the state store flushes batched writes.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Do when loop stops before the task ran.
var ErrStopped = errors.New("loop stopped")

// Loop is a serial task executor with a microtask queue.
// Params: logger for recovered task panics.
// Returns: single-threaded scheduler.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	micro   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	logger  *slog.Logger
}

// New creates idle loop.
// Params: optional logger (discarded when nil).
// Returns: loop ready for Post and Run.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues task for execution on the loop.
// Params: task callback; safe from any goroutine.
// Returns: none.
func (l *Loop) Post(task func()) {
	if task == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Defer queues microtask that runs after the current task completes.
// Params: microtask callback.
// Returns: none.
func (l *Loop) Defer(task func()) {
	if task == nil {
		return
	}
	l.mu.Lock()
	l.micro = append(l.micro, task)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// RunPending executes queued microtasks and tasks on the caller goroutine until both queues are empty.
// Params: none.
// Returns: number of tasks and microtasks executed.
func (l *Loop) RunPending() int {
	ran := l.drainMicro()
	for {
		task, ok := l.popTask()
		if !ok {
			return ran
		}
		l.safeRun(task)
		ran++
		ran += l.drainMicro()
	}
}

// Run executes tasks until ctx is cancelled.
// Params: lifecycle context.
// Returns: ctx error on stop.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			l.mu.Lock()
			if !l.stopped {
				l.stopped = true
				close(l.done)
			}
			l.mu.Unlock()
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do posts task and waits until it ran.
// Params: context bounding the wait and task callback.
// Returns: task error, ctx error, or ErrStopped.
func (l *Loop) Do(ctx context.Context, task func() error) error {
	done := make(chan error, 1)
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	l.Post(func() {
		var err error
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("loop task panic: %v", recovered)
			}
			done <- err
		}()
		err = task()
	})
	select {
	case err := <-done:
		return err
	case <-l.done:
		select {
		case err := <-done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) popTask() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

func (l *Loop) drainMicro() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			l.mu.Unlock()
			return ran
		}
		task := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.mu.Unlock()
		l.safeRun(task)
		ran++
	}
}

func (l *Loop) safeRun(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("loop task panic recovered", "panic", fmt.Sprint(recovered))
		}
	}()
	task()
}
