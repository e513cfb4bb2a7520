package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/contentflow/internal/events"
)

// requestProgress is the last reported plan state of one request.
type requestProgress struct {
	id        string
	status    string
	total     int
	completed int
	running   int
	failed    int
	pending   int
}

// ProgressPaneModel shows plan progress for every request seen on the bus.
type ProgressPaneModel struct {
	requests map[string]*requestProgress
	order    []string // most recently updated first
	width    int
	height   int
	focused  bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{requests: make(map[string]*requestProgress)}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.RequestProgressEvent:
		p, ok := m.requests[msg.RequestID]
		if !ok {
			p = &requestProgress{id: msg.RequestID}
			m.requests[msg.RequestID] = p
		}
		p.status = msg.Status
		p.total = msg.Total
		p.completed = msg.Completed
		p.running = msg.Running
		p.failed = msg.Failed
		p.pending = msg.Pending
		m.touch(msg.RequestID)
	}

	return m, nil
}

// touch moves id to the front of the display order.
func (m *ProgressPaneModel) touch(id string) {
	order := make([]string, 0, len(m.order)+1)
	order = append(order, id)
	for _, existing := range m.order {
		if existing != id {
			order = append(order, existing)
		}
	}
	m.order = order
}

// Totals sums task counts across all tracked requests.
func (m ProgressPaneModel) Totals() (total, completed, running, failed, pending int) {
	for _, p := range m.requests {
		total += p.total
		completed += p.completed
		running += p.running
		failed += p.failed
		pending += p.pending
	}
	return
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Plan Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	total, completed, running, failed, pending := m.Totals()
	b.WriteString(fmt.Sprintf("Tasks: %d  %s  %s  %s  %s\n\n", total,
		StyleOK.Render(fmt.Sprintf("%d done", completed)),
		StyleWarn.Render(fmt.Sprintf("%d running", running)),
		StyleAlert.Render(fmt.Sprintf("%d failed", failed)),
		StyleMuted.Render(fmt.Sprintf("%d pending", pending))))

	if len(m.order) == 0 {
		b.WriteString(StyleMuted.Render("No requests yet"))
	}

	// Each request takes one line; keep what fits
	rows := max(0, m.height-8)
	for i, id := range m.order {
		if i >= rows {
			b.WriteString(StyleMuted.Render(fmt.Sprintf("... %d more", len(m.order)-rows)))
			break
		}
		b.WriteString(m.renderRequest(m.requests[id]))
		b.WriteString("\n")
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

func (m ProgressPaneModel) renderRequest(p *requestProgress) string {
	id := p.id
	if len(id) > 8 {
		id = id[:8]
	}
	if p.total == 0 {
		return fmt.Sprintf("%s %s", id, StyleMuted.Render(p.status))
	}

	barWidth := min(max(m.width-36, 10), 40)
	completedWidth := (p.completed * barWidth) / p.total
	failedWidth := (p.failed * barWidth) / p.total
	runningWidth := (p.running * barWidth) / p.total
	pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

	bar := StyleOK.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleAlert.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleWarn.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleMuted.Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("%s [%s] %d/%d %s", id, bar, p.completed, p.total, requestStatusStyle(p.status).Render(p.status))
}

// RequestIDs returns the tracked request IDs in sorted order.
func (m ProgressPaneModel) RequestIDs() []string {
	ids := make([]string, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
