package theme

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"ytbackup/internal/domain"
)

// Theme captures the lipgloss styles used by the status and statistics
// reports.
type Theme struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Dim     lipgloss.Style
	Online  lipgloss.Style
	Offline lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// Default is the canonical name of the built-in default theme.
const Default = "default"

// Plain disables colouring, used when output is not a terminal.
const Plain = "plain"

var themes = map[string]Theme{
	Default: {
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Online:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		Offline: lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Italic(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	},
	"high_contrast": {
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		Online:  lipgloss.NewStyle().Foreground(lipgloss.Color("118")).Bold(true),
		Offline: lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Italic(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	},
	Plain: {
		Title:   lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
		Value:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Online:  lipgloss.NewStyle(),
		Offline: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
	},
}

// Names returns the sorted list of available theme names.
func Names() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForName returns the theme with the provided name, defaulting if unknown.
func ForName(name string) Theme {
	key := strings.ToLower(strings.TrimSpace(name))
	if theme, ok := themes[key]; ok {
		return theme
	}
	return themes[Default]
}

// Availability renders a video state in the style matching its severity.
func (t Theme) Availability(a domain.Availability) string {
	switch a {
	case domain.AvailabilityOnline:
		return t.Online.Render(a.String())
	case domain.AvailabilityUnlisted:
		return t.Warning.Render(a.String())
	case domain.AvailabilityHTTP403, domain.AvailabilityHateSpeech:
		return t.Error.Render(a.String())
	default:
		return t.Offline.Render(a.String())
	}
}
