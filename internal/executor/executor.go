// Package executor runs the phases of one workflow cycle against a session.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/runner"
	"github.com/vinayprograms/conductor/internal/session"
	"github.com/vinayprograms/conductor/internal/verify"
)

// Config wires an executor to its collaborators.
type Config struct {
	Runner    *runner.Runner
	Verifiers *verify.Registry

	// Workspace is where commands run, verifiers look and checkpoints commit.
	Workspace string

	// Introduction is prefixed to the first prompt of cycle 1. It overrides
	// the workflow's INTRODUCTION when set.
	Introduction string

	// Cycles is the total requested, exposed to prompts as {{CYCLES}}.
	Cycles int

	// Vars are extra {{NAME}} substitutions for prompt text.
	Vars map[string]string

	// Logger is the base for component loggers, nil = stdout.
	Logger *logging.Logger
}

// Position addresses a step within a cycle. The zero value is the start.
type Position struct {
	Phase int `json:"phase"`
	Step  int `json:"step"`
}

// Pause describes a PAUSE step that stopped the cycle.
type Pause struct {
	Message   string   `json:"message"`
	PhaseName string   `json:"phase_name"`
	Resume    Position `json:"resume"` // the step after the pause
}

// CycleResult is the outcome of one cycle.
type CycleResult struct {
	Cycle    int
	Steps    int // steps executed, branch bodies included
	Failures []*StepFailure
	Commits  int
	Paused   *Pause
	Counters session.Counters // this cycle only
	Duration time.Duration
}

// Executor executes the cycles of one workflow.
type Executor struct {
	workflow *directive.Workflow
	runner   *runner.Runner
	verifier *verify.Registry
	logger   *logging.Logger

	workspace    string
	introduction string
	cycles       int
	vars         map[string]string
	introduced   bool

	// Monitor is called after every agent turn. A non-nil error aborts
	// the cycle with that error.
	Monitor func(ctx context.Context, sess *session.Session) error

	// Callbacks
	OnStepStart      func(cycle int, phase string, step directive.Step)
	OnTurn           func(cycle int, resp *agent.Response)
	OnRunComplete    func(cycle int, step *directive.RunStep, res *runner.Result)
	OnVerifyComplete func(cycle int, step *directive.VerifyStep, res *verify.Result, err error)
	OnBranch         func(cycle int, branch string)
	OnFailure        func(f *StepFailure)
	OnCheckpoint     func(cycle int, name string, committed bool)
}

// NewExecutor creates an executor for wf.
func NewExecutor(wf *directive.Workflow, cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	r := cfg.Runner
	if r == nil {
		r = runner.New(runner.Options{Dir: cfg.Workspace, Logger: logger})
	}
	reg := cfg.Verifiers
	if reg == nil {
		reg = verify.Default(verify.Options{Logger: logger})
	}
	intro := cfg.Introduction
	if intro == "" {
		intro = wf.Introduction
	}
	return &Executor{
		workflow:     wf,
		runner:       r,
		verifier:     reg,
		logger:       logger.WithComponent("executor"),
		workspace:    cfg.Workspace,
		introduction: intro,
		cycles:       cfg.Cycles,
		vars:         cfg.Vars,
	}
}

func (e *Executor) addFailure(c *cycleRun, f *StepFailure) {
	c.result.Failures = append(c.result.Failures, f)
	if e.OnFailure != nil {
		e.OnFailure(f)
	}
}

// pauseSignal unwinds the step loop when a PAUSE step runs.
type pauseSignal struct {
	pause *Pause
}

func (p *pauseSignal) Error() string { return "paused: " + p.pause.Message }

// cycleRun is the mutable state of one cycle in progress.
type cycleRun struct {
	cycle   int
	sess    *session.Session
	phase   *directive.Phase
	phaseNo int
	result  *CycleResult

	// ELIDE chain: content merged into the next agent turn, in order.
	chain       []string
	chainActive bool
	chainPrompt bool
}

// RunCycle executes every phase of the workflow once, starting at from.
// It returns a *CycleFailure when a step fails under the stop policy, the
// Monitor error or the context error when the cycle is aborted. The result
// is non-nil in every case.
func (e *Executor) RunCycle(ctx context.Context, sess *session.Session, cycle int, from Position) (*CycleResult, error) {
	start := time.Now()
	before := sess.Counters()
	c := &cycleRun{
		cycle:  cycle,
		sess:   sess,
		result: &CycleResult{Cycle: cycle},
	}

	ctx, span := e.startCycleSpan(ctx, cycle)
	e.logger.ExecutionStart(fmt.Sprintf("%s cycle %d", e.workflow.Name, cycle))

	err := e.runPhases(ctx, c, from)

	var ps *pauseSignal
	if errors.As(err, &ps) {
		c.result.Paused = ps.pause
		err = nil
	}

	c.result.Counters = sess.Counters().Sub(before)
	c.result.Duration = time.Since(start)

	status := "complete"
	switch {
	case c.result.Paused != nil:
		status = "paused"
	case err != nil:
		status = "failed"
	}
	e.logger.ExecutionComplete(fmt.Sprintf("%s cycle %d", e.workflow.Name, cycle), c.result.Duration, status)
	e.endCycleSpan(span, c.result, err)
	return c.result, err
}

func (e *Executor) runPhases(ctx context.Context, c *cycleRun, from Position) error {
	for i := from.Phase; i < len(e.workflow.Phases); i++ {
		ph := e.workflow.Phases[i]
		c.phase, c.phaseNo = ph, i
		c.sess.SetPosition(c.cycle, ph.Name)

		first := 0
		if i == from.Phase {
			first = from.Step
		}

		phaseStart := time.Now()
		pctx, span := e.startPhaseSpan(ctx, c.cycle, ph.Name)
		e.logger.PhaseStart("CYCLE", ph.Name, fmt.Sprintf("%d", c.cycle))

		err := e.runSteps(pctx, c, ph.Steps, first, true)
		if err == nil {
			err = e.endChain(pctx, c)
		}

		status := "complete"
		if err != nil {
			status = "failed"
			var ps *pauseSignal
			if errors.As(err, &ps) {
				status = "paused"
			}
		}
		e.logger.PhaseComplete("CYCLE", ph.Name, fmt.Sprintf("%d", c.cycle), time.Since(phaseStart), status)
		endSpan(span, err)

		if err != nil {
			return err
		}
	}
	return nil
}

// runSteps executes steps[first:]. top is false inside branch bodies.
// A BranchStep is consumed together with the RUN or VERIFY it follows.
func (e *Executor) runSteps(ctx context.Context, c *cycleRun, steps []directive.Step, first int, top bool) error {
	for i := first; i < len(steps); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := steps[i]
		if e.OnStepStart != nil {
			e.OnStepStart(c.cycle, c.phase.Name, step)
		}
		c.result.Steps++

		var branch *directive.BranchStep
		if i+1 < len(steps) {
			branch, _ = steps[i+1].(*directive.BranchStep)
		}

		var (
			outcome Outcome
			policy  directive.ErrorPolicy
			failure *StepFailure
			err     error
			ran     bool
		)

		switch st := step.(type) {
		case *directive.PromptStep:
			err = e.prompt(ctx, c, st)
		case *directive.RunStep:
			outcome, failure, err = e.run(ctx, c, st, i)
			policy, ran = st.OnError, true
		case *directive.VerifyStep:
			outcome, failure, err = e.verify(ctx, c, st, i)
			policy, ran = st.OnError, true
		case *directive.CheckpointStep:
			if err = e.endChain(ctx, c); err == nil {
				err = e.checkpoint(ctx, c, st)
			}
		case *directive.CompactStep:
			if err = e.endChain(ctx, c); err == nil {
				err = e.compact(ctx, c, st)
			}
		case *directive.NewConversationStep:
			if err = e.endChain(ctx, c); err == nil {
				err = e.newConversation(ctx, c)
			}
		case *directive.PauseStep:
			if err = e.endChain(ctx, c); err == nil {
				err = e.pause(c, st, i, top)
			}
		case *directive.BranchStep:
			// Only reachable when the preceding step was not a RUN or VERIFY,
			// which the parser rejects.
		default:
			err = fmt.Errorf("unsupported step %T at line %d", step, step.Pos())
		}
		if err != nil {
			// A step cut short by an interrupt still counts as a failure.
			if failure != nil {
				e.addFailure(c, failure)
			}
			return err
		}
		if !ran {
			continue
		}
		if branch != nil {
			i++
		}

		d := dispatch(outcome, policy, branch)
		if failure != nil {
			failure.Recovered = d.recovered
			e.addFailure(c, failure)
		}
		if d.stop {
			e.logger.Warn("step failed, stopping cycle", map[string]interface{}{
				"cycle": c.cycle,
				"phase": c.phase.Name,
				"line":  step.Pos(),
				"error": failure.Error(),
			})
			return &CycleFailure{Cycle: c.cycle, Phase: c.phase.Name, Cause: failure}
		}
		if d.recovered == RecoveredContinue {
			e.logger.Warn("step failed, continuing", map[string]interface{}{
				"cycle": c.cycle,
				"phase": c.phase.Name,
				"line":  step.Pos(),
				"error": failure.Error(),
			})
		}
		if d.body != nil {
			c.sess.Event(session.Event{
				Type:    session.EventBranch,
				Step:    i + 1,
				Content: d.branch,
				Meta:    &session.EventMeta{Branch: d.branch, Outcome: outcome.String()},
			})
			if e.OnBranch != nil {
				e.OnBranch(c.cycle, d.branch)
			}
			if err := e.runSteps(ctx, c, d.body.Steps, 0, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// send delivers one agent turn and runs the Monitor.
func (e *Executor) send(ctx context.Context, c *cycleRun, prompt string) error {
	resp, err := c.sess.Send(ctx, prompt)
	if err != nil {
		if agent.IsRateLimit(err) && !errors.Is(err, agent.ErrRateLimited) {
			err = fmt.Errorf("%w: %v", agent.ErrRateLimited, err)
		}
		return err
	}
	if e.OnTurn != nil {
		e.OnTurn(c.cycle, resp)
	}
	if e.Monitor != nil {
		return e.Monitor(ctx, c.sess)
	}
	return nil
}

// deliver routes step output either into the active ELIDE chain or the
// session's queue for the next prompt.
func (e *Executor) deliver(c *cycleRun, content string, elide bool) {
	if elide || c.chainActive {
		c.chainActive = true
		if strings.TrimSpace(content) != "" {
			c.chain = append(c.chain, content)
		}
		return
	}
	c.sess.Inject(content)
}

// endChain closes an open ELIDE chain. A chain holding a prompt becomes an
// agent turn of its own; a chain of output only is queued for the next one.
func (e *Executor) endChain(ctx context.Context, c *cycleRun) error {
	if !c.chainActive {
		return nil
	}
	parts, hasPrompt := c.chain, c.chainPrompt
	c.chain, c.chainActive, c.chainPrompt = nil, false, false
	if len(parts) == 0 {
		return nil
	}
	if hasPrompt {
		return e.send(ctx, c, strings.Join(parts, "\n\n"))
	}
	for _, p := range parts {
		c.sess.Inject(p)
	}
	return nil
}
