package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/vinayprograms/conductor/internal/session"
)

// Replayer renders a run log as a timeline.
type Replayer struct {
	output         io.Writer
	verbosity      int // 0=normal, 1=verbose (-v), 2=very verbose (-vv)
	width          int // wrap width for content blocks
	maxContentSize int // 0 = unlimited
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithMaxContentSize limits how much of each content field is shown.
func WithMaxContentSize(size int) ReplayerOption {
	return func(r *Replayer) {
		r.maxContentSize = size
	}
}

// WithWidth sets the wrap width for content blocks.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		r.width = width
	}
}

// NewReplayer creates a Replayer.
func NewReplayer(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:         output,
		verbosity:      verbosity,
		width:          100,
		maxContentSize: 50 * 1024,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile loads a JSONL run log and replays it.
func (r *Replayer) ReplayFile(path string) error {
	rec, err := session.LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replay(rec)
}

// Replay writes the header, timeline and statistics of a run.
func (r *Replayer) Replay(rec *session.Record) error {
	r.printHeader(rec)
	r.printTimeline(rec)
	r.printFooter(rec)
	return nil
}

func (r *Replayer) printHeader(rec *session.Record) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(rec.ID))
	fmt.Fprintln(r.output, divider)
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Workflow:"), valueStyle.Render(rec.WorkflowName))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Mode:    "), valueStyle.Render(rec.Mode))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Cycles:  "), valueStyle.Render(fmt.Sprintf("%d", rec.Cycles)))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status:  "), statusStyle(rec.Status).Render(rec.Status))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created: "), valueStyle.Render(rec.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(rec *session.Record) {
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(rec.Events))))
	fmt.Fprintln(r.output, divider)

	var lastPhase string
	for i := range rec.Events {
		r.formatEvent(i+1, &rec.Events[i], &lastPhase)
	}
}

func (r *Replayer) printFooter(rec *session.Record) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch rec.Status {
	case session.StatusComplete:
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case session.StatusFailed, session.StatusInterrupted:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render(strings.ToUpper(rec.Status)+":"), valueStyle.Render(rec.Error))
	case session.StatusPaused:
		fmt.Fprintln(r.output, warnStyle.Render("PAUSED"))
	default:
		fmt.Fprintln(r.output, warnStyle.Render(strings.ToUpper(rec.Status)))
	}

	PrintStats(r.output, ComputeStats(rec))
}

// formatEvent writes one timeline line, plus content when verbose.
func (r *Replayer) formatEvent(seq int, e *session.Event, lastPhase *string) {
	if e.Phase != "" && e.Phase != *lastPhase {
		fmt.Fprintln(r.output)
		fmt.Fprintf(r.output, "%s %s\n", flowStyle.Render("PHASE:"), valueStyle.Render(e.Phase))
		*lastPhase = e.Phase
	}

	ts := timeStyle.Render(e.Timestamp.Format("15:04:05"))
	seqNum := seqStyle.Render(fmt.Sprintf("%d", seq))
	line := func(label string, rest ...string) {
		parts := append([]string{label}, rest...)
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, strings.Join(parts, " "))
	}

	switch e.Type {
	case session.EventRunStart:
		line(flowStyle.Render("RUN START"), dimStyle.Render(e.Content))
	case session.EventRunEnd:
		line(flowStyle.Render("RUN END"), statusStyle(e.Content).Render(e.Content))
	case session.EventCycleStart:
		fmt.Fprintln(r.output)
		line(titleStyle.Render(fmt.Sprintf("CYCLE %d", e.Cycle)))
		*lastPhase = ""
	case session.EventCycleEnd:
		line(flowStyle.Render(fmt.Sprintf("CYCLE %d END", e.Cycle)),
			statusStyle(e.Content).Render(e.Content),
			dimStyle.Render(fmt.Sprintf("(%s)", formatDuration(e.DurationMs))))
	case session.EventUser:
		line(agentStyle.Render("PROMPT"), dimStyle.Render(r.hint(e.Content)))
		r.printContent(e.Content, 1)
	case session.EventAssistant:
		r.fmtAssistant(line, e)
	case session.EventCommand, session.EventVerify:
		r.fmtTool(line, e)
	case session.EventBranch:
		line(warnStyle.Render("BRANCH"), valueStyle.Render(e.Content))
	case session.EventCompaction:
		r.fmtCompaction(line, e)
	case session.EventNewConversation:
		line(sessionStyle.Render("NEW CONVERSATION"), dimStyle.Render(e.Content))
	case session.EventContextReload:
		detail := e.Content
		if e.Meta != nil && len(e.Meta.Omitted) > 0 {
			detail += ", dropped " + strings.Join(e.Meta.Omitted, ", ")
		}
		line(sessionStyle.Render("CONTEXT RELOAD"), dimStyle.Render(detail))
	case session.EventCheckpoint:
		line(successStyle.Render("CHECKPOINT"), valueStyle.Render(e.Content))
	case session.EventPause:
		line(warnStyle.Render("PAUSE"), valueStyle.Render(e.Content))
	case session.EventWarning:
		line(warnStyle.Render("WARNING"), valueStyle.Render(e.Content))
	default:
		line(dimStyle.Render(e.Type), dimStyle.Render(r.hint(e.Content)))
	}
}

func (r *Replayer) fmtAssistant(line func(string, ...string), e *session.Event) {
	if e.Success != nil && !*e.Success {
		line(errorStyle.Render("AGENT ERROR"), errorStyle.Render(e.Error))
		return
	}
	meta := ""
	if e.Meta != nil && (e.Meta.TokensIn > 0 || e.Meta.TokensOut > 0) {
		meta = dimStyle.Render(fmt.Sprintf("(tokens %d→%d, context %d)", e.Meta.TokensIn, e.Meta.TokensOut, e.Meta.ContextTokens))
	}
	line(agentStyle.Render("AGENT"), meta)
	r.printContent(e.Content, 1)
}

func (r *Replayer) fmtTool(line func(string, ...string), e *session.Event) {
	label := "RUN"
	if e.Type == session.EventVerify {
		label = "VERIFY"
	}
	status := successStyle.Render("✓")
	if e.Success != nil && !*e.Success {
		status = errorStyle.Render("✗")
	}
	detail := ""
	if e.Meta != nil {
		var parts []string
		if e.Meta.Outcome != "" {
			parts = append(parts, e.Meta.Outcome)
		}
		if e.Meta.ExitCode != nil {
			parts = append(parts, fmt.Sprintf("exit %d", *e.Meta.ExitCode))
		}
		if e.Meta.ElidedBytes > 0 {
			parts = append(parts, fmt.Sprintf("%d bytes elided", e.Meta.ElidedBytes))
		}
		if e.Meta.Injected {
			parts = append(parts, "injected")
		}
		if len(parts) > 0 {
			detail = dimStyle.Render("(" + strings.Join(parts, ", ") + ")")
		}
	}
	line(toolStyle.Render(label), status, valueStyle.Render(r.hint(e.Tool)), detail,
		dimStyle.Render(formatDuration(e.DurationMs)))
	if e.Error != "" {
		fmt.Fprintf(r.output, "      │          │   %s\n", errorStyle.Render(e.Error))
	}
	r.printContent(e.Content, 1)
}

func (r *Replayer) fmtCompaction(line func(string, ...string), e *session.Event) {
	detail := e.Content
	if e.Meta != nil {
		if e.Meta.Trigger != "" {
			detail = e.Meta.Trigger
		}
		if len(e.Meta.Preserved) > 0 {
			detail += ", preserved " + strings.Join(e.Meta.Preserved, ", ")
		}
	}
	line(sessionStyle.Render("COMPACTION"), dimStyle.Render(detail))
	if e.Meta != nil && len(e.Meta.Omitted) > 0 {
		fmt.Fprintf(r.output, "      │          │   %s\n",
			warnStyle.Render("not captured: "+strings.Join(e.Meta.Omitted, ", ")))
	}
	r.printContent(e.Content, 1)
}

// hint shortens content to a single line for the timeline.
func (r *Replayer) hint(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	return truncate.StringWithTail(s, 60, "...")
}

// printContent writes content wrapped under the timeline when verbosity
// is at least level.
func (r *Replayer) printContent(content string, level int) {
	if r.verbosity < level || strings.TrimSpace(content) == "" {
		return
	}
	content = truncateContent(content, r.maxContentSize)
	wrapped := wordwrap.String(content, r.width)
	for _, l := range strings.Split(wrapped, "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", l)
	}
}

// truncateContent caps s at max bytes.
func truncateContent(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n... [truncated, %d bytes total]", len(s))
}
