package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/reflow/truncate"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/conductor/internal/orchestrator"
)

// Format selects how a run summary is written.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// maxErrorWidth bounds the error column of the cycle table.
const maxErrorWidth = 48

// WriteSummary writes sum in the given format.
func WriteSummary(w io.Writer, sum *orchestrator.RunSummary, format Format) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, sum)
	case FormatYAML:
		return WriteYAML(w, sum)
	case FormatText, "":
		PrintSummary(w, sum)
		return nil
	default:
		return fmt.Errorf("unknown summary format %q", format)
	}
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, sum *orchestrator.RunSummary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// WriteYAML writes the summary as YAML.
func WriteYAML(w io.Writer, sum *orchestrator.RunSummary) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return enc.Close()
}

// PrintSummary writes the human-readable summary.
func PrintSummary(w io.Writer, sum *orchestrator.RunSummary) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n",
		titleStyle.Render(fmt.Sprintf("Completed %d cycles", sum.CyclesCompleted)),
		dimStyle.Render(fmt.Sprintf("of %d (%s, %s)", sum.CyclesRequested, sum.Mode, formatDuration(sum.DurationMs))))
	fmt.Fprintln(w, divider)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Workflow:"), valueStyle.Render(sum.Workflow))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Run:     "), valueStyle.Render(sum.RunID))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Status:  "), statusStyle(sum.Status).Render(sum.Status))
	if sum.LogPath != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Log:     "), dimStyle.Render(sum.LogPath))
	}
	if sum.Checkpoint != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Resume:  "),
			warnStyle.Render("conductor run --resume "+sum.Checkpoint))
	}
	fmt.Fprintln(w)

	if len(sum.Cycles) > 0 {
		fmt.Fprintln(w, cycleTable(sum.Cycles))
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, totalsTable(sum))

	if len(sum.Failures) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Failures:"))
		for _, f := range sum.Failures {
			tag := errorStyle.Render(f.Outcome)
			switch {
			case f.Interrupted:
				tag = errorStyle.Render("interrupted")
			case f.Recovered != "":
				tag = warnStyle.Render(f.Outcome + ", " + f.Recovered)
			}
			fmt.Fprintf(w, "  %s %s %s\n",
				dimStyle.Render(fmt.Sprintf("cycle %d line %d", f.Cycle, f.Line)),
				toolStyle.Render(f.Kind+" "+truncate.StringWithTail(f.Name, 60, "...")),
				tag)
		}
	}

	if len(sum.Warnings) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Warnings:"))
		for _, msg := range sum.Warnings {
			fmt.Fprintf(w, "  %s\n", warnStyle.Render(msg))
		}
	}

	if sum.Error != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("ERROR:"), valueStyle.Render(sum.Error))
	}
}

func cycleTable(cycles []orchestrator.CycleSummary) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("CYCLE", "STATUS", "STEPS", "TURNS", "TOKENS", "TOOLS", "FAILED", "TIME", "ERROR").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			return cellStyle
		})
	for _, c := range cycles {
		t.Row(
			strconv.Itoa(c.Cycle),
			statusStyle(c.Status).Render(c.Status),
			strconv.Itoa(c.Steps),
			strconv.Itoa(c.Turns),
			fmt.Sprintf("%d/%d", c.TokensIn, c.TokensOut),
			strconv.Itoa(c.ToolCalls),
			strconv.Itoa(c.ToolFailures),
			formatDuration(c.DurationMs),
			truncate.StringWithTail(c.Error, maxErrorWidth, "..."),
		)
	}
	return t.String()
}

func totalsTable(sum *orchestrator.RunSummary) string {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return labelStyle.Padding(0, 1)
			}
			return valueStyle.Padding(0, 1)
		})
	t.Row("Turns", strconv.Itoa(sum.Turns))
	t.Row("Tokens in", strconv.Itoa(sum.TokensIn))
	t.Row("Tokens out", strconv.Itoa(sum.TokensOut))
	t.Row("Tool calls", strconv.Itoa(sum.ToolCalls))
	t.Row("Tool failures", strconv.Itoa(sum.ToolFailures))
	t.Row("Compactions", strconv.Itoa(sum.Compactions))
	t.Row("Commits", strconv.Itoa(sum.Commits))
	t.Row("Cycles failed", strconv.Itoa(sum.CyclesFailed))
	return t.String()
}

// formatDuration formats milliseconds as human-readable duration.
func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
