package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/contentflow/internal/breaker"
	"github.com/aristath/contentflow/internal/dlq"
	"github.com/aristath/contentflow/internal/metrics"
)

// Snapshot is the polled part of the dashboard.
type Snapshot struct {
	Health   metrics.SystemHealth
	Breakers []breaker.Stats
	DLQ      dlq.Stats
	TakenAt  time.Time
}

// HealthPaneModel shows system health, breaker states and the dead
// letter backlog.
type HealthPaneModel struct {
	snapshot *Snapshot
	err      error
	width    int
	height   int
	focused  bool
}

// NewHealthPaneModel creates a new health pane model.
func NewHealthPaneModel() HealthPaneModel {
	return HealthPaneModel{}
}

// Update handles messages for the health pane.
func (m HealthPaneModel) Update(msg tea.Msg) (HealthPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			break
		}
		s := msg.snapshot
		m.snapshot = &s
		m.err = nil
	}
	return m, nil
}

// View renders the health pane.
func (m HealthPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("System Health")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	switch {
	case m.snapshot == nil && m.err == nil:
		b.WriteString(StyleMuted.Render("Loading..."))
	case m.snapshot == nil:
		b.WriteString(StyleAlert.Render(m.err.Error()))
	default:
		m.renderSnapshot(&b)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m HealthPaneModel) renderSnapshot(b *strings.Builder) {
	s := m.snapshot
	h := s.Health

	fmt.Fprintf(b, "Uptime:    %s\n", humanize.RelTime(s.TakenAt.Add(-time.Duration(h.UptimeSeconds)*time.Second), s.TakenAt, "", ""))
	fmt.Fprintf(b, "Requests:  %s (%s active, %.2f/min)\n", humanize.Comma(int64(h.TotalRequests)), humanize.Comma(int64(h.ActiveRequests)), h.RequestsPerMinute)
	fmt.Fprintf(b, "Success:   %s\n", successStyle(h.OverallSuccessRate).Render(fmt.Sprintf("%.1f%%", h.OverallSuccessRate)))

	stuck := StyleOK
	if h.StuckTasks > 0 {
		stuck = StyleAlert
	}
	fmt.Fprintf(b, "Stuck:     %s\n", stuck.Render(fmt.Sprintf("%d", h.StuckTasks)))

	backlog := StyleOK
	if h.DLQBacklog > 0 {
		backlog = StyleWarn
	}
	fmt.Fprintf(b, "DLQ:       %s open, %d total\n", backlog.Render(fmt.Sprintf("%d", h.DLQBacklog)), s.DLQ.Total)

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Circuit Breakers"))
	b.WriteString("\n")
	if len(s.Breakers) == 0 {
		b.WriteString(StyleMuted.Render("none yet"))
		b.WriteString("\n")
	}
	for _, st := range s.Breakers {
		line := fmt.Sprintf("%-12s %s  %d/%d", st.Service, breakerStyle(st.State).Render(string(st.State)), st.FailureCount, st.FailureThreshold)
		if st.NextAttemptTime != nil {
			line += "  retry " + humanize.RelTime(*st.NextAttemptTime, s.TakenAt, "ago", "from now")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(StyleAlert.Render("refresh failed: " + m.err.Error()))
	} else {
		b.WriteString("\n")
		b.WriteString(StyleHelp.Render("updated " + s.TakenAt.Format("15:04:05")))
	}
}

func successStyle(rate float64) lipgloss.Style {
	switch {
	case rate >= 95:
		return StyleOK
	case rate >= 80:
		return StyleWarn
	default:
		return StyleAlert
	}
}

// SetSize updates the pane dimensions.
func (m *HealthPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *HealthPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
