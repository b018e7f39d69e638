package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/executor"
)

// Exit codes of a run.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitPaused      = 2
	ExitInterrupted = 3
	ExitUsage       = 4
)

var (
	// ErrPaused is returned when a PAUSE step stopped the run.
	ErrPaused = errors.New("run paused")

	// ErrContextLimit is returned when ON-CONTEXT-LIMIT stop ends the run.
	ErrContextLimit = errors.New("context limit reached")

	// ErrLocked is returned when another run holds the run lock.
	ErrLocked = errors.New("another run is active")
)

// FatalInterrupt halts the run immediately: the context was cancelled or
// the agent reported a hard rate limit.
type FatalInterrupt struct {
	Cycle int
	Cause error
}

func (e *FatalInterrupt) Error() string {
	return fmt.Sprintf("run interrupted in cycle %d: %v", e.Cycle, e.Cause)
}

func (e *FatalInterrupt) Unwrap() error {
	return e.Cause
}

// isFatal reports whether err must halt the run whatever the policy.
func isFatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, agent.ErrRateLimited)
}

// ExitCode maps the error returned by Run to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var fatal *FatalInterrupt
	var parseErr *directive.ParseError
	var validationErr *directive.ValidationError
	var cycleErr *executor.CycleFailure
	switch {
	case errors.Is(err, ErrPaused):
		return ExitPaused
	case errors.As(err, &fatal):
		return ExitInterrupted
	case errors.As(err, &parseErr), errors.As(err, &validationErr):
		return ExitUsage
	case errors.As(err, &cycleErr), errors.Is(err, ErrContextLimit):
		return ExitFailure
	default:
		return ExitFailure
	}
}
