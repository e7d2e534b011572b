package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent  = lipgloss.Color("#00CCFF")
	colorOK      = lipgloss.Color("#00FF99")
	colorDanger  = lipgloss.Color("#FF0055")
	colorWarning = lipgloss.Color("#F59E0B")
	colorSub     = lipgloss.Color("#64748B")
	colorMain    = lipgloss.Color("#E2E8F0")

	subtle    = lipgloss.NewStyle().Foreground(colorSub)
	special   = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	danger    = lipgloss.NewStyle().Foreground(colorDanger).Bold(true)
	warning   = lipgloss.NewStyle().Foreground(colorWarning)
	highlight = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true).
			Padding(0, 1)

	hudStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1).
			Foreground(colorMain)

	hudLabelStyle = lipgloss.NewStyle().
			Foreground(colorSub).
			Bold(true).
			MarginRight(1)

	hudValueStyle = lipgloss.NewStyle().
			Foreground(colorOK).
			Bold(true)
)
