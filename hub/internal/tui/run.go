package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/inkwell-labs/inkwell/hub/internal/watch"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

// Run shows the watcher screen for opts.RoomID until the user quits or ctx
// ends. The returned error is the one that stopped the watcher, if any.
func Run(ctx context.Context, opts watch.Options, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(opts.RoomID), tea.WithAltScreen(), tea.WithContext(ctx))

	client := watch.NewClient(opts,
		func(env protocol.Envelope) { p.Send(EventMsg{Env: env, At: time.Now()}) },
		func(s watch.Status) { p.Send(StatusMsg{Status: s}) },
		logger)

	go func() {
		err := client.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		p.Send(DoneMsg{Err: err})
	}()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %w", err)
	}
	if m, ok := final.(Model); ok {
		return m.Err()
	}
	return nil
}
