// Package report renders run summaries and replays run logs.
package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Each event family keeps one colour across the summary and the replay.
var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// Cycle and phase boundaries
	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Agent turns - Magenta
	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// Commands and verifiers - Blue
	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Compaction and conversation resets - Cyan
	sessionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// statusStyle colours a run or cycle status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "complete":
		return successStyle
	case "failed", "interrupted":
		return errorStyle
	case "paused", "stopped", "running":
		return warnStyle
	default:
		return valueStyle
	}
}
