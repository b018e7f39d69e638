package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/vinayprograms/conductor/internal/session"
)

// Stats holds aggregate statistics for a run log.
type Stats struct {
	TotalDurationMs int64

	// Per-cycle durations, keyed by cycle number
	CycleDurations map[int]int64

	Turns     int
	TokensIn  int
	TokensOut int

	Commands        int
	CommandFailures int
	CommandMs       int64

	Verifications        int
	VerificationFailures int

	Branches         int
	Compactions      int
	NewConversations int
	Omitted          int
	Checkpoints      int
	Warnings         int
}

// ComputeStats derives statistics from the events of a run log.
func ComputeStats(rec *session.Record) *Stats {
	stats := &Stats{CycleDurations: make(map[int]int64)}

	for _, e := range rec.Events {
		failed := e.Success != nil && !*e.Success
		switch e.Type {
		case session.EventCycleEnd:
			stats.CycleDurations[e.Cycle] = e.DurationMs
		case session.EventAssistant:
			if failed {
				continue
			}
			stats.Turns++
			if e.Meta != nil {
				stats.TokensIn += e.Meta.TokensIn
				stats.TokensOut += e.Meta.TokensOut
			}
		case session.EventCommand:
			stats.Commands++
			stats.CommandMs += e.DurationMs
			if failed {
				stats.CommandFailures++
			}
		case session.EventVerify:
			stats.Verifications++
			if failed {
				stats.VerificationFailures++
			}
		case session.EventBranch:
			stats.Branches++
		case session.EventCompaction:
			stats.Compactions++
			if e.Meta != nil {
				stats.Omitted += len(e.Meta.Omitted)
			}
		case session.EventNewConversation:
			stats.NewConversations++
		case session.EventCheckpoint:
			stats.Checkpoints++
		case session.EventWarning:
			stats.Warnings++
		}
	}

	if n := len(rec.Events); n > 0 {
		stats.TotalDurationMs = rec.Events[n-1].Timestamp.Sub(rec.Events[0].Timestamp).Milliseconds()
	}
	return stats
}

// PrintStats writes the statistics block.
func PrintStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("RUN STATISTICS"))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s %s\n",
		labelStyle.Render("Total Duration:"),
		valueStyle.Render(formatDuration(stats.TotalDurationMs)))

	if len(stats.CycleDurations) > 0 {
		fmt.Fprintln(w, titleStyle.Render("Cycle Durations:"))
		var cycles []int
		for c := range stats.CycleDurations {
			cycles = append(cycles, c)
		}
		sort.Ints(cycles)
		for _, c := range cycles {
			fmt.Fprintf(w, "  %s %s\n",
				labelStyle.Render(fmt.Sprintf("cycle %d:", c)),
				valueStyle.Render(formatDuration(stats.CycleDurations[c])))
		}
	}

	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Agent turns:"),
		valueStyle.Render(fmt.Sprintf("%d (tokens %d→%d)", stats.Turns, stats.TokensIn, stats.TokensOut)))

	if stats.Commands > 0 {
		fmt.Fprintf(w, "%s %s %s\n", labelStyle.Render("Commands:"),
			valueStyle.Render(fmt.Sprintf("%d, %d failed", stats.Commands, stats.CommandFailures)),
			dimStyle.Render(fmt.Sprintf("(%s total)", formatDuration(stats.CommandMs))))
	}
	if stats.Verifications > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Verifications:"),
			valueStyle.Render(fmt.Sprintf("%d, %d failed", stats.Verifications, stats.VerificationFailures)))
	}
	if stats.Compactions > 0 || stats.NewConversations > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Compactions:"),
			valueStyle.Render(fmt.Sprintf("%d, %d new conversations, %d keys not captured",
				stats.Compactions, stats.NewConversations, stats.Omitted)))
	}
	if stats.Branches > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Branches taken:"), valueStyle.Render(fmt.Sprintf("%d", stats.Branches)))
	}
	if stats.Checkpoints > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Checkpoints:"), valueStyle.Render(fmt.Sprintf("%d", stats.Checkpoints)))
	}
	if stats.Warnings > 0 {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Warnings:"), warnStyle.Render(fmt.Sprintf("%d", stats.Warnings)))
	}
}
