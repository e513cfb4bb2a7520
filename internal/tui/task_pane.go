package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/contentflow/internal/events"
)

// Task states shown in the list. dlq is failed with a dead letter entry.
const (
	taskRunning   = "running"
	taskCompleted = "completed"
	taskFailed    = "failed"
	taskDLQ       = "dlq"
)

// TaskState is what the feed knows about one task.
type TaskState struct {
	TaskID    string
	RequestID string
	Name      string
	AgentRole string
	Status    string
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel lists tasks seen on the bus next to a scrollable event
// log for the selected one.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

const taskListWidth = 28

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyTaskDown, KeyTaskDownAlt:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyTaskUp, KeyTaskUpAlt:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.task(msg.ID, msg.RequestID)
		t.Name = msg.Name
		t.AgentRole = msg.AgentRole
		t.Status = taskRunning
		t.StartTime = msg.Timestamp
		m.appendLog(t, msg.Timestamp, fmt.Sprintf("started (%s)", msg.AgentRole))

	case events.TaskCompletedEvent:
		t := m.task(msg.ID, msg.RequestID)
		t.Status = taskCompleted
		t.Duration = msg.Duration
		m.appendLog(t, msg.Timestamp, fmt.Sprintf("completed in %v", msg.Duration.Round(time.Millisecond)))

	case events.TaskFailedEvent:
		t := m.task(msg.ID, msg.RequestID)
		t.Status = taskFailed
		t.Duration = msg.Duration
		m.appendLog(t, msg.Timestamp, fmt.Sprintf("failed [%s]: %v", msg.Code, msg.Err))

	case events.TaskTimeoutEvent:
		t := m.task(msg.ID, msg.RequestID)
		t.Status = taskFailed
		m.appendLog(t, msg.Timestamp, fmt.Sprintf("timed out after %v (limit %v)", msg.Elapsed.Round(time.Second), msg.Threshold))

	case events.DLQSentEvent:
		t := m.task(msg.ID, msg.RequestID)
		t.Status = taskDLQ
		m.appendLog(t, msg.Timestamp, fmt.Sprintf("sent to dead letter queue: %s", msg.Reason))
	}

	return m, cmd
}

// task returns the state for id, creating it on first sight.
func (m *TaskPaneModel) task(id, requestID string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, RequestID: requestID, Name: id}
	m.tasks[id] = t
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return t
}

func (m *TaskPaneModel) appendLog(t *TaskState, at time.Time, line string) {
	t.Log = append(t.Log, fmt.Sprintf("%s %s", at.Format("15:04:05"), line))
	if m.getSelectedTaskID() == t.TaskID {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleMuted.Render("Waiting..."))
	} else {
		for i, taskID := range m.taskOrder {
			t := m.tasks[taskID]
			name := t.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case taskRunning:
		return StyleWarn.Render("●")
	case taskCompleted:
		return StyleOK.Render("✓")
	case taskFailed:
		return StyleAlert.Render("✗")
	case taskDLQ:
		return StyleAlert.Render("☠")
	default:
		return StyleMuted.Render("○")
	}
}

// Task returns the state of a task seen on the bus.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m TaskPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.getSelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  %s  request %s\n\n", t.Name, t.AgentRole, t.RequestID)
	m.viewport.SetContent(header + strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
