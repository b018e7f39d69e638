package executor

import (
	"fmt"

	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/runner"
	"github.com/vinayprograms/conductor/internal/verify"
)

// Outcome is the result of a RUN or VERIFY step as seen by error policy
// and branching.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "success"
	}
}

// Failed reports whether the outcome counts as a failure.
func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

// runOutcome classifies a subprocess result.
func runOutcome(res *runner.Result) Outcome {
	switch {
	case res.TimedOut:
		return OutcomeTimeout
	case res.Failed():
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}

// Recovery records how a failed step was absorbed.
const (
	RecoveredNone      = ""
	RecoveredContinue  = "continue"
	RecoveredOnFailure = "on-failure"
)

// StepFailure is a failing RUN or VERIFY step. With OutcomeTimeout it is a
// timeout failure and Result carries the partial output.
type StepFailure struct {
	Cycle   int                `json:"cycle"`
	Phase   string             `json:"phase"`
	Line    int                `json:"line"`
	Kind    directive.StepKind `json:"-"`
	Name    string             `json:"name"` // command text or verifier name
	Outcome Outcome            `json:"-"`

	Result       *runner.Result `json:"-"`
	Verification *verify.Result `json:"-"`
	Err          string         `json:"error,omitempty"` // the verifier could not run

	Recovered   string `json:"recovered,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"` // killed by a run interrupt, not by the step
}

func (f *StepFailure) Error() string {
	detail := ""
	switch {
	case f.Result != nil:
		detail = f.Result.Summary()
	case f.Err != "":
		detail = f.Err
	case f.Verification != nil:
		detail = f.Verification.Summary
	}
	outcome := f.Outcome.String()
	if f.Interrupted {
		outcome = "interrupted"
	}
	return fmt.Sprintf("%s %q (line %d) %s: %s", f.Kind, f.Name, f.Line, outcome, detail)
}

// Timeout reports whether the step was killed by its timeout.
func (f *StepFailure) Timeout() bool {
	return f.Outcome == OutcomeTimeout
}

// CycleFailure is a cycle that could not complete.
type CycleFailure struct {
	Cycle int
	Phase string
	Cause error
}

func (e *CycleFailure) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("cycle %d failed: %v", e.Cycle, e.Cause)
	}
	return fmt.Sprintf("cycle %d failed in phase %s: %v", e.Cycle, e.Phase, e.Cause)
}

func (e *CycleFailure) Unwrap() error {
	return e.Cause
}

// decision is how a completed step continues its sequence.
type decision struct {
	body      *directive.Block // branch body to run, nil if none
	branch    string           // "on-failure" or "on-success" when body is set
	recovered string           // recovery label for a failed step
	stop      bool             // terminate the cycle
}

// dispatch is the single evaluation path for ON-FAILURE, ON-SUCCESS and the
// RUN-ON-ERROR / VERIFY-ON-ERROR policy. branch is the BranchStep that
// directly follows the step, or nil. At most one body is selected.
func dispatch(outcome Outcome, policy directive.ErrorPolicy, branch *directive.BranchStep) decision {
	var d decision
	if !outcome.Failed() {
		if branch != nil && branch.OnSuccess != nil {
			d.body, d.branch = branch.OnSuccess, "on-success"
		}
		return d
	}

	switch {
	case branch != nil && branch.OnFailure != nil:
		d.body, d.branch = branch.OnFailure, "on-failure"
		d.recovered = RecoveredOnFailure
	case policy == directive.ErrorContinue:
		d.recovered = RecoveredContinue
	default:
		d.stop = true
	}
	return d
}

// shouldInject decides whether step output enters the session. Timeout
// output is always injected, whatever the mode.
func shouldInject(mode directive.OutputMode, outcome Outcome) bool {
	if outcome == OutcomeTimeout {
		return true
	}
	switch mode {
	case directive.OutputAlways:
		return true
	case directive.OutputOnError:
		return outcome.Failed()
	default:
		return false
	}
}
