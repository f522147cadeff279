package eventloop

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(16, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestLoopRunsInOrder(t *testing.T) {
	l, _ := newTestLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestLoopSerializesConcurrentSubmitters(t *testing.T) {
	l, _ := newTestLoop(t)

	// counter is only touched on the loop; the race detector flags any overlap.
	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = l.Submit(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Do(context.Background(), func() {}))
	require.Equal(t, 400, counter)
}

func TestLoopRecoversPanics(t *testing.T) {
	l, _ := newTestLoop(t)

	require.NoError(t, l.Submit(func() { panic("boom") }))

	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	require.True(t, ran, "loop must keep running after a panicking task")
}

func TestSubmitAfterStop(t *testing.T) {
	l, cancel := newTestLoop(t)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	require.ErrorIs(t, l.Submit(func() {}), ErrStopped)
	require.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}
