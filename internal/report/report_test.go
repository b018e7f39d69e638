package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/conductor/internal/orchestrator"
	"github.com/vinayprograms/conductor/internal/session"
)

func sampleSummary() *orchestrator.RunSummary {
	return &orchestrator.RunSummary{
		RunID:           "run-1",
		Workflow:        "nightly",
		Mode:            "fresh",
		Status:          orchestrator.StatusFailed,
		CyclesRequested: 3,
		CyclesCompleted: 2,
		CyclesFailed:    1,
		Turns:           6,
		TokensIn:        1200,
		TokensOut:       300,
		ToolCalls:       3,
		ToolFailures:    1,
		Cycles: []orchestrator.CycleSummary{
			{Cycle: 1, Status: "complete", Steps: 2, Turns: 2},
			{Cycle: 2, Status: "complete", Steps: 2, Turns: 2},
			{Cycle: 3, Status: "failed", Steps: 1, Turns: 2, Error: "cycle 3 failed: RUN make test exited 2"},
		},
		Failures: []orchestrator.FailureSummary{
			{Cycle: 3, Line: 4, Kind: "RUN", Name: "make test", Outcome: "failure"},
		},
		Warnings:   []string{"context notes.md dropped on reload: not found"},
		Error:      "cycle 3 failed",
		StartedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		DurationMs: 4200,
	}
}

func TestWriteSummary_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sampleSummary(), FormatText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Completed 2 cycles", "of 3", "nightly", "make test", "notes.md", "Tool failures"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q\n%s", want, out)
		}
	}
}

func TestWriteSummary_InterruptedFailure(t *testing.T) {
	sum := sampleSummary()
	sum.Status = orchestrator.StatusInterrupted
	sum.Failures = append(sum.Failures, orchestrator.FailureSummary{
		Cycle: 3, Line: 6, Kind: "RUN", Name: "sleep 600", Outcome: "failure", Interrupted: true,
	})

	var buf bytes.Buffer
	if err := WriteSummary(&buf, sum, FormatText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "sleep 600") || !strings.Contains(buf.String(), "interrupted") {
		t.Errorf("expected the interrupted step in the failures list\n%s", buf.String())
	}

	buf.Reset()
	if err := WriteSummary(&buf, sum, FormatJSON); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded orchestrator.RunSummary
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(decoded.Failures) != 2 || !decoded.Failures[1].Interrupted || decoded.Failures[0].Interrupted {
		t.Errorf("expected only the second failure interrupted, got %+v", decoded.Failures)
	}
}

func TestWriteSummary_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sampleSummary(), FormatJSON); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got := decoded["cycles_completed"]; got != float64(2) {
		t.Errorf("cycles_completed wrong. expected=2, got=%v", got)
	}
	if got := decoded["tool_failures"]; got != float64(1) {
		t.Errorf("tool_failures wrong. expected=1, got=%v", got)
	}
}

func TestWriteSummary_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sampleSummary(), FormatYAML); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid YAML: %v", err)
	}
	if got := decoded["cycles_completed"]; got != 2 {
		t.Errorf("cycles_completed wrong. expected=2, got=%v", got)
	}
	if got := decoded["workflow"]; got != "nightly" {
		t.Errorf("workflow wrong. expected=nightly, got=%v", got)
	}
}

func TestWriteSummary_UnknownFormat(t *testing.T) {
	if err := WriteSummary(&bytes.Buffer{}, sampleSummary(), Format("xml")); err == nil {
		t.Error("expected error for unknown format")
	}
}

func sampleRecord() *session.Record {
	rec := session.NewRecord("nightly", "compact", 1)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	add := func(offset time.Duration, e session.Event) {
		e.Timestamp = base.Add(offset)
		rec.AddEvent(e)
	}
	add(0, session.Event{Type: session.EventRunStart, Content: "nightly"})
	add(time.Second, session.Event{Type: session.EventCycleStart, Cycle: 1})
	add(2*time.Second, session.Event{Type: session.EventUser, Cycle: 1, Phase: "build", Content: "fix the failing test"})
	add(3*time.Second, session.Event{Type: session.EventAssistant, Cycle: 1, Phase: "build", Content: "done",
		Success: session.Bool(true), Meta: &session.EventMeta{TokensIn: 40, TokensOut: 10, ContextTokens: 50}})
	add(4*time.Second, session.Event{Type: session.EventCommand, Cycle: 1, Phase: "build", Tool: "make test",
		Success: session.Bool(false), DurationMs: 900, Content: "FAIL",
		Meta: &session.EventMeta{Outcome: "failure", ExitCode: session.Int(2), Injected: true}})
	add(5*time.Second, session.Event{Type: session.EventBranch, Cycle: 1, Phase: "build", Content: "on-failure"})
	add(6*time.Second, session.Event{Type: session.EventCompaction, Cycle: 1, Content: "summary text",
		Meta: &session.EventMeta{Trigger: "step", Preserved: []string{"git-head"}, Omitted: []string{"task"}}})
	add(7*time.Second, session.Event{Type: session.EventCycleEnd, Cycle: 1, Content: "complete", DurationMs: 6000})
	add(8*time.Second, session.Event{Type: session.EventRunEnd, Content: "complete"})
	rec.Finish(session.StatusComplete, nil, map[string]int64{"cycles_completed": 1})
	return rec
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats(sampleRecord())
	if stats.Turns != 1 || stats.TokensIn != 40 || stats.TokensOut != 10 {
		t.Errorf("turns wrong: %+v", stats)
	}
	if stats.Commands != 1 || stats.CommandFailures != 1 || stats.CommandMs != 900 {
		t.Errorf("commands wrong: %+v", stats)
	}
	if stats.Compactions != 1 || stats.Omitted != 1 || stats.Branches != 1 {
		t.Errorf("session events wrong: %+v", stats)
	}
	if stats.TotalDurationMs != 8000 {
		t.Errorf("duration wrong. expected=8000, got=%d", stats.TotalDurationMs)
	}
	if stats.CycleDurations[1] != 6000 {
		t.Errorf("cycle duration wrong. expected=6000, got=%d", stats.CycleDurations[1])
	}
}

func TestReplayFile(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	rec := sampleRecord()
	if err := store.Save(rec); err != nil {
		t.Fatalf("save error: %v", err)
	}

	tests := []struct {
		verbosity int
		want      []string
		absent    []string
	}{
		{0, []string{"CYCLE 1", "PHASE:", "build", "make test", "COMPACTION", "not captured: task", "COMPLETED", "RUN STATISTICS"}, []string{"summary text"}},
		{1, []string{"summary text", "FAIL"}, nil},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		r := NewReplayer(&buf, tt.verbosity)
		if err := r.ReplayFile(store.Path(rec.ID)); err != nil {
			t.Fatalf("replay error: %v", err)
		}
		out := buf.String()
		for _, want := range tt.want {
			if !strings.Contains(out, want) {
				t.Errorf("verbosity %d: expected output to contain %q", tt.verbosity, want)
			}
		}
		for _, absent := range tt.absent {
			if strings.Contains(out, absent) {
				t.Errorf("verbosity %d: expected output to omit %q", tt.verbosity, absent)
			}
		}
	}
}

func TestReplayFile_Missing(t *testing.T) {
	r := NewReplayer(&bytes.Buffer{}, 0)
	if err := r.ReplayFile("/nonexistent/run.jsonl"); err == nil {
		t.Error("expected error for a missing log")
	}
}

func TestTruncateContent(t *testing.T) {
	tests := []struct {
		in     string
		max    int
		prefix string
		cut    bool
	}{
		{"short", 10, "short", false},
		{"0123456789abc", 10, "0123456789", true},
		{"anything", 0, "anything", false},
	}
	for _, tt := range tests {
		got := truncateContent(tt.in, tt.max)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("truncateContent(%q, %d) prefix wrong. got=%q", tt.in, tt.max, got)
		}
		if cut := strings.Contains(got, "truncated"); cut != tt.cut {
			t.Errorf("truncateContent(%q, %d) cut=%v, expected=%v", tt.in, tt.max, cut, tt.cut)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		ms   int64
		want string
	}{
		{500, "500ms"},
		{1500, "1.50s"},
		{125000, "2m5s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.ms); got != tt.want {
			t.Errorf("formatDuration(%d) wrong. expected=%q, got=%q", tt.ms, tt.want, got)
		}
	}
}
