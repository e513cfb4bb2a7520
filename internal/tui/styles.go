package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/scheduler"
)

// Palette, in 256-colour codes so it survives basic terminals.
const (
	colorAccent = lipgloss.Color("62")
	colorOK     = lipgloss.Color("42")
	colorWarn   = lipgloss.Color("214")
	colorAlert  = lipgloss.Color("196")
	colorMuted  = lipgloss.Color("244")
	colorFrame  = lipgloss.Color("240")
)

func paneFrame(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(c)
}

var (
	StyleFocusedBorder   = paneFrame(colorAccent)
	StyleUnfocusedBorder = paneFrame(colorFrame)

	// Health levels shared by tasks, requests and breakers.
	StyleOK    = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	StyleWarn  = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	StyleAlert = lipgloss.NewStyle().Foreground(colorAlert).Bold(true)
	StyleMuted = lipgloss.NewStyle().Foreground(colorMuted)

	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(colorMuted)
	StyleSelected = lipgloss.NewStyle().Background(colorAccent).Foreground(lipgloss.Color("0"))
)

var requestStyles = map[scheduler.RequestStatus]lipgloss.Style{
	scheduler.RequestCompleted:  StyleOK,
	scheduler.RequestInProgress: StyleWarn,
	scheduler.RequestFailed:     StyleAlert,
}

// requestStatusStyle colours a derived request status. Pending and unknown
// statuses are muted.
func requestStatusStyle(status string) lipgloss.Style {
	if s, ok := requestStyles[scheduler.RequestStatus(status)]; ok {
		return s
	}
	return StyleMuted
}

// breakerStyle colours a circuit state: open is an alert, half-open a
// warning.
func breakerStyle(s breaker.State) lipgloss.Style {
	switch s {
	case breaker.Open:
		return StyleAlert
	case breaker.HalfOpen:
		return StyleWarn
	default:
		return StyleOK
	}
}
