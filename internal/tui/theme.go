// Package tui renders stage lifecycle output for terminals and follows the
// API's event stream.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for CLI output.
type Theme struct {
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Error   lipgloss.Style
	Pending lipgloss.Style

	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Border    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		OK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		Pending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
	}
}

// Plain returns a theme without colours, for --no-color and tests.
func Plain() Theme {
	s := lipgloss.NewStyle()
	return Theme{
		OK: s, Warn: s, Error: s, Pending: s,
		Title: s, Header: s, Dim: s, Highlight: s,
		Border: s,
	}
}
