package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles colors text output. The zero value renders plain text.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	OK      lipgloss.Style
	Warn    lipgloss.Style
	Err     lipgloss.Style
	Muted   lipgloss.Style
	noColor bool
}

// NewStyles returns the palette used by every text renderer
func NewStyles(noColor bool) Styles {
	if noColor {
		plain := lipgloss.NewStyle()
		return Styles{Title: plain, Label: plain, OK: plain, Warn: plain, Err: plain, Muted: plain, noColor: true}
	}
	return Styles{
		Title: lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true),
		Label: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		OK:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Err:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		Muted: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// Status colors a status word by what it means
func (s Styles) Status(status string) string {
	switch strings.ToLower(status) {
	case "completed", "succeeded", "approved", "auto_approved", "ok", "healthy":
		return s.OK.Render(status)
	case "failed", "aborted", "rejected", "timeout", "unhealthy":
		return s.Err.Render(status)
	case "running", "pending", "assigned", "partial", "degraded":
		return s.Warn.Render(status)
	default:
		return s.Muted.Render(status)
	}
}

// Table renders rows with padded columns. The header row is styled as labels.
func (s Styles) Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}
	line(header, &s.Label)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}
