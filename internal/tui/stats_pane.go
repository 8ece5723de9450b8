package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Starsky227/LingYiProject/internal/scheduler"
)

// statsInterval is how often the stats pane polls the scheduler.
const statsInterval = time.Second

// StatsSource provides point-in-time scheduler load.
type StatsSource interface {
	Stats() scheduler.Stats
}

// statsMsg carries a fresh snapshot into the update loop.
type statsMsg scheduler.Stats

// pollStats reads the source after statsInterval.
func pollStats(src StatsSource) tea.Cmd {
	return tea.Tick(statsInterval, func(time.Time) tea.Msg {
		return statsMsg(src.Stats())
	})
}

// StatsPaneModel shows task counts, pool load and overall progress.
type StatsPaneModel struct {
	stats   scheduler.Stats
	bar     progress.Model
	width   int
	height  int
	focused bool
}

// NewStatsPaneModel creates an empty stats pane.
func NewStatsPaneModel() StatsPaneModel {
	return StatsPaneModel{
		bar: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	if msg, ok := msg.(statsMsg); ok {
		m.stats = scheduler.Stats(msg)
	}
	return m, nil
}

// Finished reports how many tasks have reached a terminal status.
func (m StatsPaneModel) Finished() int {
	return m.stats.Completed + m.stats.Failed + m.stats.Cancelled
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Scheduler")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	st := m.stats
	fmt.Fprintf(&b, "Total:     %d\n", st.Total)
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(st.Pending)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(st.Running)))
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(st.Completed)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(st.Failed)))
	fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusCancelled.Render(fmt.Sprint(st.Cancelled)))
	b.WriteString("\n")

	for _, k := range []scheduler.Kind{scheduler.KindGeneric, scheduler.KindToolCall} {
		fmt.Fprintf(&b, "%-10s %d/%d busy, %d queued\n", k.String()+":", st.Busy[k], st.Workers[k], st.Queued[k])
	}

	if st.Total > 0 {
		b.WriteString("\n")
		b.WriteString(m.bar.ViewAs(float64(m.Finished()) / float64(st.Total)))
		fmt.Fprintf(&b, "  %d/%d\n", m.Finished(), st.Total)
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

// SetSize updates the pane dimensions.
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.bar.Width = max(min(w-14, 40), 10)
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
