package orchestrator

import (
	"time"

	"github.com/vinayprograms/conductor/internal/executor"
	"github.com/vinayprograms/conductor/internal/session"
)

// Run statuses.
const (
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusPaused      = "paused"
	StatusInterrupted = "interrupted"
	StatusStopped     = "stopped" // ON-CONTEXT-LIMIT stop
)

// CycleSummary is the outcome of one cycle.
type CycleSummary struct {
	Cycle        int    `json:"cycle" yaml:"cycle"`
	Status       string `json:"status" yaml:"status"`
	Steps        int    `json:"steps" yaml:"steps"`
	Failures     int    `json:"failures" yaml:"failures"`
	Commits      int    `json:"commits" yaml:"commits"`
	Turns        int    `json:"turns" yaml:"turns"`
	TokensIn     int    `json:"tokens_in" yaml:"tokens_in"`
	TokensOut    int    `json:"tokens_out" yaml:"tokens_out"`
	ToolCalls    int    `json:"tool_calls" yaml:"tool_calls"`
	ToolFailures int    `json:"tool_failures" yaml:"tool_failures"`
	Compactions  int    `json:"compactions" yaml:"compactions"`
	DurationMs   int64  `json:"duration_ms" yaml:"duration_ms"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// FailureSummary is one failed RUN or VERIFY step, recovered or not.
type FailureSummary struct {
	Cycle     int    `json:"cycle" yaml:"cycle"`
	Phase     string `json:"phase" yaml:"phase"`
	Line      int    `json:"line" yaml:"line"`
	Kind      string `json:"kind" yaml:"kind"`
	Name      string `json:"name" yaml:"name"`
	Outcome   string `json:"outcome" yaml:"outcome"`
	Recovered string `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	Detail    string `json:"detail" yaml:"detail"`

	Interrupted bool `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
}

// Omission is a preserved key that could not be captured.
type Omission struct {
	Key    string `json:"key" yaml:"key"`
	Reason string `json:"reason" yaml:"reason"`
}

// RunSummary is the structured record emitted at the end of a run.
type RunSummary struct {
	RunID           string           `json:"run_id" yaml:"run_id"`
	Workflow        string           `json:"workflow" yaml:"workflow"`
	Mode            string           `json:"mode" yaml:"mode"`
	Status          string           `json:"status" yaml:"status"`
	CyclesRequested int              `json:"cycles_requested" yaml:"cycles_requested"`
	CyclesCompleted int              `json:"cycles_completed" yaml:"cycles_completed"`
	CyclesFailed    int              `json:"cycles_failed" yaml:"cycles_failed"`
	Turns           int              `json:"turns" yaml:"turns"`
	TokensIn        int              `json:"tokens_in" yaml:"tokens_in"`
	TokensOut       int              `json:"tokens_out" yaml:"tokens_out"`
	ToolCalls       int              `json:"tool_calls" yaml:"tool_calls"`
	ToolFailures    int              `json:"tool_failures" yaml:"tool_failures"`
	Compactions     int              `json:"compactions" yaml:"compactions"`
	Commits         int              `json:"commits" yaml:"commits"`
	Warnings        []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Omissions       []Omission       `json:"omissions,omitempty" yaml:"omissions,omitempty"`
	Failures        []FailureSummary `json:"failures,omitempty" yaml:"failures,omitempty"`
	Cycles          []CycleSummary   `json:"cycles" yaml:"cycles"`
	Checkpoint      string           `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	LogPath         string           `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	Error           string           `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at" yaml:"started_at"`
	DurationMs      int64            `json:"duration_ms" yaml:"duration_ms"`
}

// Duration returns the wall-clock duration of the run.
func (s *RunSummary) Duration() time.Duration {
	return time.Duration(s.DurationMs) * time.Millisecond
}

// addCycle folds a cycle result into the run totals.
func (s *RunSummary) addCycle(res *executor.CycleResult, status string, err error) {
	cs := CycleSummary{
		Cycle:        res.Cycle,
		Status:       status,
		Steps:        res.Steps,
		Failures:     len(res.Failures),
		Commits:      res.Commits,
		Turns:        res.Counters.Turns,
		TokensIn:     res.Counters.TokensIn,
		TokensOut:    res.Counters.TokensOut,
		ToolCalls:    res.Counters.ToolCalls,
		ToolFailures: res.Counters.ToolFailures,
		Compactions:  res.Counters.Compactions,
		DurationMs:   res.Duration.Milliseconds(),
	}
	if err != nil {
		cs.Error = err.Error()
	}
	s.Cycles = append(s.Cycles, cs)
	s.Commits += res.Commits

	for _, f := range res.Failures {
		s.Failures = append(s.Failures, FailureSummary{
			Cycle:     f.Cycle,
			Phase:     f.Phase,
			Line:      f.Line,
			Kind:      f.Kind.String(),
			Name:      f.Name,
			Outcome:   f.Outcome.String(),
			Recovered: f.Recovered,
			Detail:    f.Error(),

			Interrupted: f.Interrupted,
		})
	}

	switch status {
	case StatusComplete:
		s.CyclesCompleted++
	case StatusFailed:
		s.CyclesFailed++
	}
}

// setCounters copies the session totals. Counters between cycles, such as
// compaction turns, are only visible here.
func (s *RunSummary) setCounters(c session.Counters) {
	s.Turns = c.Turns
	s.TokensIn = c.TokensIn
	s.TokensOut = c.TokensOut
	s.ToolCalls = c.ToolCalls
	s.ToolFailures = c.ToolFailures
	s.Compactions = c.Compactions
}

func (s *RunSummary) setOmissions(list []session.CompactionOmission) {
	s.Omissions = nil
	for _, o := range list {
		s.Omissions = append(s.Omissions, Omission{Key: o.Key, Reason: o.Reason})
	}
}

// Counters returns the totals as the map stored in the run log footer.
func (s *RunSummary) Counters() map[string]int64 {
	return map[string]int64{
		"cycles_completed": int64(s.CyclesCompleted),
		"cycles_failed":    int64(s.CyclesFailed),
		"turns":            int64(s.Turns),
		"tokens_in":        int64(s.TokensIn),
		"tokens_out":       int64(s.TokensOut),
		"tool_calls":       int64(s.ToolCalls),
		"tool_failures":    int64(s.ToolFailures),
		"compactions":      int64(s.Compactions),
		"commits":          int64(s.Commits),
		"duration_ms":      s.DurationMs,
	}
}
