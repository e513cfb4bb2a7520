// Package tui is the terminal dashboard for a running engine: system
// health and breakers, plan progress per request, and a per-task event log.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/contentflow/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneHealth PaneID = iota
	PaneProgress
	PaneTasks
	paneCount
)

// DefaultRefreshInterval is how often the health snapshot is polled.
const DefaultRefreshInterval = 5 * time.Second

// SnapshotFunc loads the polled dashboard state.
type SnapshotFunc func(ctx context.Context) (Snapshot, error)

// snapshotMsg carries a poll result. Only the latest generation keeps
// the refresh loop going.
type snapshotMsg struct {
	snapshot Snapshot
	err      error
	gen      int
}

type refreshTickMsg struct {
	gen int
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	healthPane   HealthPaneModel
	progressPane ProgressPaneModel
	taskPane     TaskPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	fetch        SnapshotFunc
	interval     time.Duration
	tickGen      int
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model subscribed to every topic on the bus.
func New(eventBus *events.EventBus, fetch SnapshotFunc, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return Model{
		healthPane:   NewHealthPaneModel(),
		progressPane: NewProgressPaneModel(),
		taskPane:     NewTaskPaneModel(),
		focusedPane:  PaneHealth,
		eventSub:     eventBus.SubscribeAll(256),
		fetch:        fetch,
		interval:     interval,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.refresh())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// refresh polls the snapshot now.
func (m Model) refresh() tea.Cmd {
	fetch, gen := m.fetch, m.tickGen
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := fetch(ctx)
		if err == nil && s.TakenAt.IsZero() {
			s.TakenAt = time.Now()
		}
		return snapshotMsg{snapshot: s, err: err, gen: gen}
	}
}

func (m Model) scheduleTick() tea.Cmd {
	gen := m.tickGen
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return refreshTickMsg{gen: gen}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyInterrupt:
			m.quitting = true
			return m, tea.Quit

		case KeyRefresh:
			m.tickGen++
			cmds = append(cmds, m.refresh())

		case KeyNextPane:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyPrevPane:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyHealthPane, KeyProgressPane, KeyTasksPane:
			m.focusedPane = paneKeys[msg.String()]
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		var cmd tea.Cmd
		m.healthPane, cmd = m.healthPane.Update(msg)
		cmds = append(cmds, cmd)
		if msg.gen == m.tickGen {
			cmds = append(cmds, m.scheduleTick())
		}

	case refreshTickMsg:
		if msg.gen == m.tickGen {
			cmds = append(cmds, m.refresh())
		}

	case events.TaskStartedEvent, events.TaskCompletedEvent, events.TaskFailedEvent,
		events.TaskTimeoutEvent, events.DLQSentEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.RequestProgressEvent:
		var cmd tea.Cmd
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.BreakerStateEvent:
		// Breaker changes show up on the next poll; pull it forward
		m.tickGen++
		cmds = append(cmds, m.refresh(), waitForEvent(m.eventSub))

	case events.Event:
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.progressPane.View(), m.taskPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.healthPane.View(), rightPane)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	rightTopHeight := (availableHeight * 40) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.healthPane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, rightTopHeight)
	m.taskPane.SetSize(rightWidth, rightBottomHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.healthPane.SetFocused(m.focusedPane == PaneHealth)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
}

// Run starts the dashboard and blocks until the user quits or ctx ends.
func Run(ctx context.Context, m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
