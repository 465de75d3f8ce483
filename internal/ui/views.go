package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B2FBE"))

	meterFillStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00C2C7"))

	meterEmptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#333333"))

	beatOnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFD75F"))

	beatOffStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#444444"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF"))

	lockedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00AA00"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF5F5F"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Italic(true)
)

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Bassline 🔊"))
	sb.WriteString("\n\n")

	// Energy meter, normalised against the decaying peak.
	width := m.width - 20
	if width < 10 {
		width = 40
	}
	level := 0.0
	if m.peak > 0 {
		level = m.stats.Energy / m.peak
	}
	sb.WriteString(labelStyle.Render("bass "))
	sb.WriteString(meter(level, width))
	sb.WriteString("\n\n")

	// Beat indicator and counters.
	if m.flash > 0 {
		sb.WriteString(beatOnStyle.Render("● BEAT"))
	} else {
		sb.WriteString(beatOffStyle.Render("○ beat"))
	}
	sb.WriteString("   ")
	sb.WriteString(labelStyle.Render("total "))
	sb.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.stats.Beats)))
	sb.WriteString("\n\n")

	// Tempo readout.
	sb.WriteString(labelStyle.Render("tempo "))
	sb.WriteString(valueStyle.Render(fmt.Sprintf("%5.1f BPM", m.stats.BPM)))
	sb.WriteString("  ")
	if m.stats.Confidence >= 0.8 {
		sb.WriteString(lockedStyle.Render(fmt.Sprintf("locked %.0f%%", m.stats.Confidence*100)))
	} else {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("searching %.0f%%", m.stats.Confidence*100)))
	}
	sb.WriteString("\n")

	if m.stats.Degraded {
		sb.WriteString("\n")
		sb.WriteString(warnStyle.Render("⚠ capture device lost, waiting for it to return"))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(footerStyle.Render(fmt.Sprintf("%s elapsed · q to quit", m.Elapsed())))
	sb.WriteString("\n")

	return sb.String()
}

// meter renders a horizontal bar at level (0..1) across width cells.
func meter(level float64, width int) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level * float64(width))
	return meterFillStyle.Render(strings.Repeat("█", filled)) +
		meterEmptyStyle.Render(strings.Repeat("░", width-filled))
}
