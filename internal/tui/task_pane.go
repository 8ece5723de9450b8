package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Starsky227/LingYiProject/internal/events"
)

// maxTasks bounds how many tasks the pane remembers. The oldest finished task
// is dropped first.
const maxTasks = 200

// Task status labels shown by the pane.
const (
	statePending   = "pending"
	stateRunning   = "running"
	stateRetrying  = "retrying"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCancelled = "cancelled"
)

// TaskState is what the pane knows about one task, built from bus events.
type TaskState struct {
	TaskID    string
	Name      string
	Kind      string
	Agent     string
	Status    string
	Attempt   int
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

func (t *TaskState) finished() bool {
	return t.Status == stateCompleted || t.Status == stateFailed || t.Status == stateCancelled
}

// TaskPaneModel is the task list with a scrollable output viewport for the
// selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // submission order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // debounces viewport refreshes
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg triggers a debounced viewport refresh.
type tickMsg struct {
	tag int
}

// Update handles key presses and task events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		t := m.track(msg.ID)
		t.Name = msg.Name
		t.Kind = msg.Kind
		t.Agent = msg.Agent
		t.addLine(fmt.Sprintf("[submitted %s priority %s]", msg.Timestamp.Format(time.TimeOnly), msg.Priority))
		m.refreshIfSelected(msg.ID)

	case events.TaskStartedEvent:
		t := m.track(msg.ID)
		if t.Name == "" {
			t.Name, t.Kind, t.Agent = msg.Name, msg.Kind, msg.Agent
		}
		if t.StartTime.IsZero() {
			t.StartTime = msg.Timestamp
		}
		t.Status = stateRunning
		t.Attempt = msg.Attempt
		t.addLine(fmt.Sprintf("[attempt %d started]", msg.Attempt))
		m.refreshIfSelected(msg.ID)

	case events.TaskOutputEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		t.addLine(fmt.Sprint(msg.Data))
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskRetryingEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = stateRetrying
			t.addLine(fmt.Sprintf("[attempt %d failed: %v; retrying in %v]", msg.Attempt, msg.Err, msg.Delay))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskCompletedEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = stateCompleted
			t.Duration = msg.Duration
			t.addLine(fmt.Sprintf("\n[Completed in %v after %d attempt(s)]", msg.Duration, msg.Attempts))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskFailedEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = stateFailed
			t.Duration = msg.Duration
			t.addLine(fmt.Sprintf("\n[Failed: %v]", msg.Err))
			m.refreshIfSelected(msg.ID)
		}

	case events.TaskCancelledEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = stateCancelled
			t.addLine("\n[Cancelled]")
			m.refreshIfSelected(msg.ID)
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// track returns the state for id, adding it when unseen.
func (m *TaskPaneModel) track(id string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, Status: statePending}
	m.tasks[id] = t
	m.order = append(m.order, id)
	m.evict()
	if len(m.order) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
	return t
}

// evict drops the oldest finished tasks beyond maxTasks, keeping the selection
// on the same task.
func (m *TaskPaneModel) evict() {
	selected := m.selectedTaskID()
	for i := 0; len(m.order) > maxTasks && i < len(m.order); {
		id := m.order[i]
		if !m.tasks[id].finished() || id == selected {
			i++
			continue
		}
		delete(m.tasks, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
	}
	for i, id := range m.order {
		if id == selected {
			m.selectedIdx = i
		}
	}
}

func (t *TaskState) addLine(line string) {
	t.Output = append(t.Output, line)
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.selectedTaskID() == id {
		m.updateViewportContent()
	}
}

// View renders the pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
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

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		t := m.tasks[id]
		name := t.Name
		if name == "" {
			name = id
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case stateRunning:
		return StyleStatusRunning.Render("●")
	case stateRetrying:
		return StyleStatusRetrying.Render("↻")
	case stateCompleted:
		return StyleStatusComplete.Render("✓")
	case stateFailed:
		return StyleStatusFailed.Render("✗")
	case stateCancelled:
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the selected task, if any.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s  kind=%s", t.TaskID, t.Kind)
	if t.Agent != "" {
		header += "  agent=" + t.Agent
	}
	m.viewport.SetContent(StyleDim.Render(header) + "\n\n" + strings.Join(t.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-28-4, 10)
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
