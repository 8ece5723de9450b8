package tui

import (
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/Starsky227/LingYiProject/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved values apply on
// the next start.
type SettingsPaneModel struct {
	form    *huh.Form
	config  *config.Config
	path    string
	width   int
	height  int
	visible bool
	saved   bool
	err     error

	// The form holds pointers into fields, so it must survive copies of the model.
	fields *settingsFields
}

// settingsFields are the form bindings (strings for Huh).
type settingsFields struct {
	genericWorkers string
	toolWorkers    string
	maxAttempts    string
	serverAddr     string
	logLevel       string
	llmModel       string
}

// NewSettingsPaneModel creates a settings pane that saves cfg to path.
func NewSettingsPaneModel(cfg *config.Config, path string) SettingsPaneModel {
	m := SettingsPaneModel{config: cfg, path: path, fields: &settingsFields{}}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	*m.fields = settingsFields{
		genericWorkers: strconv.Itoa(m.config.Scheduler.GenericWorkers),
		toolWorkers:    strconv.Itoa(m.config.Scheduler.ToolWorkers),
		maxAttempts:    strconv.Itoa(m.config.Scheduler.MaxAttempts),
		serverAddr:     m.config.Server.Addr,
		logLevel:       m.config.Logging.Level,
		llmModel:       m.config.LLM.Model,
	}
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("must be a positive integer")
	}
	return nil
}

func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Key("genericWorkers").
				Title("Generic Workers").
				Value(&f.genericWorkers).
				Validate(positiveInt),

			huh.NewInput().
				Key("toolWorkers").
				Title("Tool-call Workers").
				Value(&f.toolWorkers).
				Validate(positiveInt),

			huh.NewInput().
				Key("maxAttempts").
				Title("Max Attempts").
				Description("Attempts per task before it fails.").
				Value(&f.maxAttempts).
				Validate(positiveInt),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewInput().
				Key("serverAddr").
				Title("API Address").
				Value(&f.serverAddr).
				Placeholder("127.0.0.1:8787"),

			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&f.logLevel),

			huh.NewInput().
				Key("llmModel").
				Title("LLM Model").
				Description("Leave empty to disable the llm agent.").
				Value(&f.llmModel),
		).Title("Service"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if msg, ok := msg.(tea.KeyMsg); ok && msg.String() == "esc" {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}
	return m, cmd
}

// save validates the edited copy and writes it. The live config changes only
// once the file is written.
func (m *SettingsPaneModel) save() error {
	f := m.fields
	next := *m.config
	next.Scheduler.GenericWorkers, _ = strconv.Atoi(f.genericWorkers)
	next.Scheduler.ToolWorkers, _ = strconv.Atoi(f.toolWorkers)
	next.Scheduler.MaxAttempts, _ = strconv.Atoi(f.maxAttempts)
	next.Server.Addr = f.serverAddr
	next.Logging.Level = f.logLevel
	next.LLM.Model = f.llmModel

	if err := next.Validate(); err != nil {
		return err
	}
	if err := config.Save(&next, m.path); err != nil {
		return err
	}
	*m.config = next
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (" + m.path + ")")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it resets the form to
// the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
