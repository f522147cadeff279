// Package eventloop serializes all mutations of an instance's live state onto
// a single goroutine.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
)

// ErrStopped is returned when submitting to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop runs submitted functions one at a time, in submission order.
type Loop struct {
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger
}

// New creates a loop with a task queue of the given size. Submit blocks while
// the queue is full.
func New(queueSize int, logger *slog.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "eventloop"),
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at
// cancellation are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("task panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Submit queues fn. It must not be called from inside a task.
func (l *Loop) Submit(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }
