package session

import (
	"context"
	"log/slog"
	"time"
)

// Executor runs fn on the goroutine that owns the registry.
type Executor interface {
	Submit(fn func()) error
}

// Sweeper periodically evicts expired rooms. Eviction itself always runs on
// the Executor, never on the sweeper goroutine.
type Sweeper struct {
	Interval time.Duration
	Registry *Registry
	Executor Executor
	// OnEvict is called on the Executor with the evicted room ids.
	OnEvict func(ids []string)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Run ticks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(); err != nil {
				s.logger().Warn("sweep not scheduled", "error", err)
			}
		}
	}
}

// Sweep schedules one eviction pass on the Executor.
func (s *Sweeper) Sweep() error {
	return s.Executor.Submit(func() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		evicted := s.Registry.EvictExpired(now())
		if len(evicted) == 0 {
			return
		}
		s.logger().Info("evicted expired rooms", "count", len(evicted), "room_ids", evicted)
		if s.OnEvict != nil {
			s.OnEvict(evicted)
		}
	})
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
