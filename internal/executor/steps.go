package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/runner"
	"github.com/vinayprograms/conductor/internal/session"
)

// prompt composes and sends a PROMPT, or holds it when elided.
func (e *Executor) prompt(ctx context.Context, c *cycleRun, st *directive.PromptStep) error {
	text := e.composePrompt(c, st.Text)
	if st.Elide || c.chainActive {
		c.chainActive = true
		c.chainPrompt = true
		c.chain = append(c.chain, text)
		if st.Elide {
			return nil
		}
		parts := c.chain
		c.chain, c.chainActive, c.chainPrompt = nil, false, false
		return e.send(ctx, c, strings.Join(parts, "\n\n"))
	}
	return e.send(ctx, c, text)
}

// run executes a RUN step. Process failures are reported through the
// outcome; the error return is reserved for aborting the cycle.
func (e *Executor) run(ctx context.Context, c *cycleRun, st *directive.RunStep, index int) (Outcome, *StepFailure, error) {
	rctx, span := e.startStepSpan(ctx, "run", st.Command, st.Line)
	res := e.runner.Execute(rctx, runner.Request{
		Command:     st.Command,
		AllowShell:  st.AllowShell,
		Timeout:     st.Timeout,
		OutputLimit: st.OutputLimit,
		Dir:         e.workspace,
		Env: []string{
			"CONDUCTOR_CYCLE=" + strconv.Itoa(c.cycle),
			"CONDUCTOR_PHASE=" + c.phase.Name,
			"CONDUCTOR_WORKFLOW=" + e.workflow.Name,
		},
	})
	outcome := runOutcome(res)
	c.sess.RecordTool(outcome.Failed())
	e.logger.ToolResult("RUN", res.Duration, runErr(res))

	failure := &StepFailure{
		Cycle:   c.cycle,
		Phase:   c.phase.Name,
		Line:    st.Line,
		Kind:    directive.StepRun,
		Name:    st.Command,
		Outcome: outcome,
		Result:  res,
	}
	if res.Interrupted && ctx.Err() != nil {
		// Partial output still reaches the session before the run unwinds.
		e.deliver(c, res.Format(), st.Elide)
		e.recordRun(c, st, index, res, outcome, true)
		endSpan(span, ctx.Err())
		failure.Interrupted = true
		return outcome, failure, ctx.Err()
	}

	injected := shouldInject(st.Output, outcome)
	if injected {
		e.deliver(c, res.Format(), st.Elide)
	}
	if st.StateKey != "" && !outcome.Failed() {
		c.sess.SetState(st.StateKey, strings.TrimSpace(res.Stdout))
	}
	e.recordRun(c, st, index, res, outcome, injected)
	if e.OnRunComplete != nil {
		e.OnRunComplete(c.cycle, st, res)
	}
	e.endRunSpan(span, res)

	if !outcome.Failed() {
		return outcome, nil, nil
	}
	return outcome, failure, nil
}

func (e *Executor) recordRun(c *cycleRun, st *directive.RunStep, index int, res *runner.Result, outcome Outcome, injected bool) {
	ev := session.Event{
		Type:       session.EventCommand,
		Step:       index + 1,
		Tool:       st.Command,
		Content:    res.Output(),
		Success:    session.Bool(!outcome.Failed()),
		DurationMs: res.Duration.Milliseconds(),
		Meta: &session.EventMeta{
			Outcome:     outcome.String(),
			ExitCode:    session.Int(res.ExitCode),
			TimedOut:    res.TimedOut,
			ElidedBytes: res.Elided,
			Injected:    injected,
		},
	}
	if outcome.Failed() {
		ev.Error = res.Summary()
	}
	c.sess.Event(ev)
}

func runErr(res *runner.Result) error {
	if !res.Failed() {
		return nil
	}
	return fmt.Errorf("%s", res.Summary())
}

// verify invokes a VERIFY step. A verifier that cannot run counts as a
// failure of the step.
func (e *Executor) verify(ctx context.Context, c *cycleRun, st *directive.VerifyStep, index int) (Outcome, *StepFailure, error) {
	vctx, span := e.startStepSpan(ctx, "verify", st.Verifier, st.Line)
	start := time.Now()
	res, verr := e.verifier.Run(vctx, st.Verifier, verifyRequest(e.workspace, st.Args))
	dur := time.Since(start)
	if verr != nil && ctx.Err() != nil {
		endSpan(span, ctx.Err())
		return OutcomeFailure, nil, ctx.Err()
	}

	outcome := OutcomeSuccess
	var content string
	switch {
	case verr != nil:
		outcome = OutcomeFailure
		content = fmt.Sprintf("## Verification: %s\n\nverifier error: %v\n", st.Verifier, verr)
	default:
		if !res.Passed {
			outcome = OutcomeFailure
		}
		content = res.Markdown()
	}
	var elided int64
	content, elided = limitText(content, st.OutputLimit)

	c.sess.RecordTool(outcome.Failed())
	e.logger.ToolResult("VERIFY "+st.Verifier, dur, verifyErr(res, verr))

	injected := shouldInject(st.Output, outcome)
	if injected {
		e.deliver(c, content, st.Elide)
	}

	ev := session.Event{
		Type:       session.EventVerify,
		Step:       index + 1,
		Tool:       st.Verifier,
		Content:    content,
		Success:    session.Bool(!outcome.Failed()),
		DurationMs: dur.Milliseconds(),
		Meta: &session.EventMeta{
			Outcome:     outcome.String(),
			ElidedBytes: elided,
			Injected:    injected,
		},
	}
	if err := verifyErr(res, verr); err != nil {
		ev.Error = err.Error()
	}
	c.sess.Event(ev)
	if e.OnVerifyComplete != nil {
		e.OnVerifyComplete(c.cycle, st, res, verr)
	}
	endSpan(span, verifyErr(res, verr))

	if !outcome.Failed() {
		return outcome, nil, nil
	}
	f := &StepFailure{
		Cycle:        c.cycle,
		Phase:        c.phase.Name,
		Line:         st.Line,
		Kind:         directive.StepVerify,
		Name:         st.Verifier,
		Outcome:      outcome,
		Verification: res,
	}
	if verr != nil {
		f.Err = verr.Error()
	}
	return outcome, f, nil
}

// checkpoint commits the workspace. It is skipped silently outside a git
// repository and when there is nothing to commit.
func (e *Executor) checkpoint(ctx context.Context, c *cycleRun, st *directive.CheckpointStep) error {
	name := st.Name
	if name == "" {
		name = fmt.Sprintf("cycle %d %s", c.cycle, c.phase.Name)
	}
	git := func(args ...string) *runner.Result {
		return e.runner.Execute(ctx, runner.Request{
			Command: "git " + strings.Join(args, " "),
			Dir:     e.workspace,
			Timeout: time.Minute,
		})
	}

	committed := false
	defer func() {
		if e.OnCheckpoint != nil {
			e.OnCheckpoint(c.cycle, name, committed)
		}
	}()

	if res := git("rev-parse", "--git-dir"); res.Failed() {
		e.logger.Debug("checkpoint skipped, not a git repository", map[string]interface{}{"name": name})
		return ctx.Err()
	}
	if res := git("add", "-A"); res.Failed() {
		e.logger.Warn("checkpoint failed to stage changes", map[string]interface{}{
			"name":  name,
			"error": res.Summary(),
		})
		return ctx.Err()
	}
	if res := git("diff", "--cached", "--quiet"); !res.Failed() {
		e.logger.Debug("checkpoint skipped, nothing to commit", map[string]interface{}{"name": name})
		return ctx.Err()
	}

	res := git("commit", "-q", "-m", quoteArg("checkpoint: "+name))
	if res.Failed() {
		e.logger.Warn("checkpoint commit failed", map[string]interface{}{
			"name":  name,
			"error": strings.TrimSpace(res.Output()),
		})
		return ctx.Err()
	}
	committed = true
	c.result.Commits++
	c.sess.Event(session.Event{
		Type:    session.EventCheckpoint,
		Content: name,
		Meta:    &session.EventMeta{Checkpoint: name},
	})
	e.logger.Info("checkpoint committed", map[string]interface{}{"name": name, "cycle": c.cycle})
	return nil
}

// compact runs an explicit COMPACT step.
func (e *Executor) compact(ctx context.Context, c *cycleRun, st *directive.CompactStep) error {
	keys := mergeKeys(e.workflow.Defaults.CompactPreserve, st.Preserve)
	_, err := c.sess.Compact(ctx, session.TriggerStep, keys, compactInstructions(keys))
	return err
}

// compactInstructions asks the agent to keep the named items in its summary.
func compactInstructions(keys []string) string {
	if len(keys) == 0 {
		return agent.DefaultCompactInstructions
	}
	return "Preserve these items: " + strings.Join(keys, ", ") + "\n\n" + agent.DefaultCompactInstructions
}

func (e *Executor) newConversation(ctx context.Context, c *cycleRun) error {
	_, err := c.sess.Reset(ctx, session.TriggerNewConversation, nil)
	return err
}

// pause stops the cycle. Pausing inside a branch body is rejected by the
// parser, so the resume point is always a top-level step.
func (e *Executor) pause(c *cycleRun, st *directive.PauseStep, index int, top bool) error {
	if !top {
		return fmt.Errorf("PAUSE at line %d inside a branch body", st.Line)
	}
	p := &Pause{
		Message:   st.Message,
		PhaseName: c.phase.Name,
		Resume:    Position{Phase: c.phaseNo, Step: index + 1},
	}
	c.sess.Event(session.Event{Type: session.EventPause, Step: index + 1, Content: st.Message})
	e.logger.Info("workflow paused", map[string]interface{}{
		"cycle":   c.cycle,
		"phase":   c.phase.Name,
		"message": st.Message,
	})
	return &pauseSignal{pause: p}
}

// mergeKeys returns the union of a and b, first occurrence wins.
func mergeKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
