package tui

import "github.com/charmbracelet/lipgloss"

// Pane borders
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Task status styles, one per lifecycle state shown in the monitor.
var (
	StyleStatusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	StyleStatusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")).Bold(true)
	StyleStatusRetrying  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	StyleStatusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("green")).Bold(true)
	StyleStatusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true)
	StyleStatusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Strikethrough(true)
)

var (
	StyleTitle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	StyleHelp     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	StyleSelected = lipgloss.NewStyle().Background(lipgloss.Color("62")).Foreground(lipgloss.Color("0"))
	StyleDim      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)
