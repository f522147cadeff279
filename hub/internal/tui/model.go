package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/inkwell-labs/inkwell/hub/internal/watch"
	"github.com/inkwell-labs/inkwell/pkg/protocol"
)

const maxLogLines = 1000

// EventMsg carries one envelope received from the hub.
type EventMsg struct {
	Env protocol.Envelope
	At  time.Time
}

// StatusMsg reports a connection state change.
type StatusMsg struct {
	Status watch.Status
}

// DoneMsg is sent when the watcher stops for good.
type DoneMsg struct {
	Err error
}

var (
	keyQuit   = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	keyBottom = key.NewBinding(key.WithKeys("G", "end"))
	keyTop    = key.NewBinding(key.WithKeys("g", "home"))
	keyScroll = key.NewBinding(key.WithKeys("j", "k", "up", "down", "pgup", "pgdown"))
)

// Model is the watcher screen: a header, the roster and an event log.
type Model struct {
	room       *watch.Room
	status     watch.Status
	err        error
	lines      []string
	log        viewport.Model
	autoScroll bool
	width      int
	height     int
	quitting   bool
}

// NewModel creates a watcher screen for roomID.
func NewModel(roomID string) Model {
	return Model{
		room:       watch.NewRoom(roomID),
		log:        viewport.New(80, 10),
		autoScroll: true,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = msg.Width - 4
		m.log.Height = m.logHeight()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keyBottom):
			m.autoScroll = true
			m.log.GotoBottom()
			return m, nil
		case key.Matches(msg, keyTop):
			m.autoScroll = false
			m.log.GotoTop()
			return m, nil
		case key.Matches(msg, keyScroll):
			m.autoScroll = false
		}

	case EventMsg:
		if line := m.room.Apply(msg.Env); line != "" {
			m.appendLine(msg.At, msg.Env.Type, line)
		}
		// The roster height may have changed.
		m.log.Height = m.logHeight()
		return m, nil

	case StatusMsg:
		m.status = msg.Status
		return m, nil

	case DoneMsg:
		m.err = msg.Err
		if msg.Err != nil {
			m.appendLine(time.Now(), protocol.TypeError, msg.Err.Error())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.log, cmd = m.log.Update(msg)
	return m, cmd
}

func (m *Model) appendLine(at time.Time, eventType, text string) {
	if at.IsZero() {
		at = time.Now()
	}
	line := fmt.Sprintf(" %s  %s", Dimmed.Render(at.Format("15:04:05")), EventStyle(eventType).Render(text))
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.log.GotoBottom()
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	width := max(m.width, 40)
	panel := Panel.Width(width - 2)

	status := m.status.String()
	if m.err != nil {
		status = "stopped"
	}
	header := Title.Render("Inkwell · "+m.room.ID) + "   " + StatusDot(status)
	meta := fmt.Sprintf("participants %d   strokes %d", len(m.room.Participants()), m.room.StrokeCount())
	if !m.room.ExpiresAt.IsZero() {
		meta += "   expires " + m.room.ExpiresAt.Local().Format("15:04:05")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		panel.BorderForeground(ColorInk).Render(header+"\n"+Dimmed.Render(meta)),
		panel.Render(Subtitle.Render("Participants")+"\n"+m.rosterView()),
		panel.Render(Subtitle.Render("Events")+"\n"+m.log.View()),
		Help.Render(" q quit · j/k scroll · g/G top/bottom"),
	)
}

func (m Model) rosterView() string {
	roster := m.room.Participants()
	if len(roster) == 0 {
		return Dimmed.Render("  nobody here")
	}
	var sb strings.Builder
	for i, p := range roster {
		if i > 0 {
			sb.WriteByte('\n')
		}
		name := p.DisplayName
		if name == "" {
			name = p.Subject
		}
		if p.ConnectionID == m.room.Self {
			name += " (you)"
		}
		sb.WriteString("  " + Name.Render(name) + "  " + Dimmed.Render(p.Subject+" · since "+p.JoinedAt.Local().Format("15:04")))
	}
	return sb.String()
}

func (m Model) logHeight() int {
	// Header panel, roster panel with its rows, log title and borders, help bar.
	used := 4 + 3 + max(len(m.room.Participants()), 1) + 3 + 1
	return max(m.height-used, 5)
}

// Lines returns the event log as rendered.
func (m Model) Lines() []string {
	return m.lines
}

// Err returns the error that stopped the watcher, if any.
func (m Model) Err() error {
	return m.err
}
