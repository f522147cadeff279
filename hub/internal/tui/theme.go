// Package tui renders the terminal room watcher.
package tui

import "github.com/charmbracelet/lipgloss"

// Ink palette.
var (
	ColorInk     = lipgloss.Color("#2563EB") // blue-600
	ColorWash    = lipgloss.Color("#0EA5E9") // sky-500
	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorInk)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWash)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Name = lipgloss.NewStyle().
		Foreground(ColorText).
		Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Panel is the rounded frame around each section.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 1)
)

// StatusDot returns a colored dot and label for a connection status name.
func StatusDot(status string) string {
	var c lipgloss.Color
	switch status {
	case "connected":
		c = ColorSuccess
	case "reconnecting", "connecting":
		c = ColorWarning
	default:
		c = ColorError
	}
	style := lipgloss.NewStyle().Foreground(c)
	return style.Render("●") + " " + style.Render(status)
}

// EventStyle colors an event log line by event type.
func EventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "user-joined", "room.sync":
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case "user-left", "room.expired":
		return lipgloss.NewStyle().Foreground(ColorWarning)
	case "error":
		return ErrorStyle
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
