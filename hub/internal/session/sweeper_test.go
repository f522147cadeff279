package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// inlineExecutor runs tasks immediately under a mutex, standing in for the
// event loop.
type inlineExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *inlineExecutor) Submit(fn func()) error {
	if e.err != nil {
		return e.err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	fn()
	return nil
}

func TestSweepEvictsAndNotifies(t *testing.T) {
	r, clock := newTestRegistry(t, time.Minute)
	r.Create("old")
	clock.Advance(50 * time.Second)
	r.Create("new")
	clock.Advance(20 * time.Second)

	var notified []string
	s := &Sweeper{
		Registry: r,
		Executor: &inlineExecutor{},
		OnEvict:  func(ids []string) { notified = append(notified, ids...) },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      clock.Now,
	}

	require.NoError(t, s.Sweep())
	require.Equal(t, []string{"old"}, notified)
	require.True(t, r.Has("new"))

	// Nothing expired: no callback.
	notified = nil
	require.NoError(t, s.Sweep())
	require.Nil(t, notified)
}

func TestSweepSubmitError(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	stopped := errors.New("stopped")
	s := &Sweeper{Registry: r, Executor: &inlineExecutor{err: stopped}}
	require.ErrorIs(t, s.Sweep(), stopped)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry(t, time.Minute)
	exec := &inlineExecutor{}
	s := &Sweeper{
		Interval: 5 * time.Millisecond,
		Registry: r,
		Executor: exec,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
