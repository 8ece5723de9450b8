// Package tui is a terminal monitor for a running scheduler: a task list with
// streamed output, pool load, and a settings form.
package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Starsky227/LingYiProject/internal/config"
	"github.com/Starsky227/LingYiProject/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneStats
	paneCount
)

// Scheduler is the part of the scheduler the monitor drives.
type Scheduler interface {
	StatsSource
	Cancel(id string) bool
}

// cancelMsg reports the outcome of a cancel request.
type cancelMsg struct {
	id string
	ok bool
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane     TaskPaneModel
	statsPane    StatsPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	sched        Scheduler
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates a new TUI model. It subscribes to every topic on the bus;
// settings are saved to configPath.
func New(bus *events.EventBus, sched Scheduler, cfg *config.Config, configPath string) Model {
	return Model{
		taskPane:     NewTaskPaneModel(),
		statsPane:    NewStatsPaneModel(),
		settingsPane: NewSettingsPaneModel(cfg, configPath),
		focusedPane:  PaneTasks,
		sched:        sched,
		eventSub:     bus.SubscribeAll(256),
	}
}

// Run runs the monitor until the user quits or ctx ends.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.eventSub),
		func() tea.Msg { return statsMsg(m.sched.Stats()) },
	)
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

func (m Model) cancelSelected() tea.Cmd {
	t, ok := m.taskPane.Selected()
	if !ok || t.finished() {
		return nil
	}
	return func() tea.Msg {
		return cancelMsg{id: t.TaskID, ok: m.sched.Cancel(t.TaskID)}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// The settings form takes every key while open.
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyCancel:
			cmds = append(cmds, m.cancelSelected())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneStats
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
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case statsMsg:
		m.statsPane, _ = m.statsPane.Update(msg)
		cmds = append(cmds, pollStats(m.sched))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case cancelMsg:
		// The outcome arrives as a TaskCancelledEvent; a refused cancel means
		// the task finished first.

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	default:
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
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
	if m.showSettings {
		return m.settingsPane.View()
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.statsPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, HelpView())
}

// computeLayout gives the task pane 65% of the width and the stats pane the rest.
func (m *Model) computeLayout() {
	taskWidth := (m.width * 65) / 100
	availableHeight := m.height - 1 // help bar

	m.taskPane.SetSize(taskWidth, availableHeight)
	m.statsPane.SetSize(m.width-taskWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.statsPane.SetFocused(m.focusedPane == PaneStats)
}
