package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/inkwell-labs/inkwell/hub/internal/watch"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm
}

func TestModelLogsEvents(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewModel("r1")
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m = update(t, m, StatusMsg{Status: watch.StatusConnected})

	m = update(t, m, EventMsg{At: at, Env: protocol.Envelope{
		Type: protocol.TypeUserJoined,
		Payload: map[string]any{
			"roomId": "r1", "connectionId": "c2", "subject": "bob", "displayName": "Bob",
		},
	}})
	m = update(t, m, EventMsg{At: at, Env: protocol.Envelope{
		Type:    protocol.TypeCursorMove,
		Payload: map[string]any{"roomId": "r1", "connectionId": "c2", "x": 1, "y": 1},
	}})

	if got := len(m.Lines()); got != 1 {
		t.Fatalf("expected 1 log line (cursor moves hidden), got %d", got)
	}
	if !strings.Contains(m.Lines()[0], "Bob joined") {
		t.Errorf("log line: %q", m.Lines()[0])
	}

	view := m.View()
	for _, want := range []string{"r1", "connected", "participants 1", "Bob"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelDoneShowsError(t *testing.T) {
	m := NewModel("r1")
	m = update(t, m, DoneMsg{Err: errors.New("room is gone: expired")})

	if m.Err() == nil {
		t.Fatal("expected error to be kept")
	}
	if !strings.Contains(m.View(), "stopped") {
		t.Error("status should read stopped")
	}
	if n := len(m.Lines()); n != 1 {
		t.Errorf("expected error line, got %d lines", n)
	}
}

func TestModelQuit(t *testing.T) {
	m := NewModel("r1")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if next.(Model).View() != "" {
		t.Error("view should be empty after quit")
	}
}

func TestLogTrimsOldLines(t *testing.T) {
	m := NewModel("r1")
	for i := 0; i < maxLogLines+10; i++ {
		m.appendLine(time.Time{}, protocol.TypeStrokeAdd, "line")
	}
	if len(m.Lines()) != maxLogLines {
		t.Errorf("lines = %d, want %d", len(m.Lines()), maxLogLines)
	}
}
