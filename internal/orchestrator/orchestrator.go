// Package orchestrator drives the cycles of a workflow run: session mode
// policy, context reloads, context-limit monitoring and the run summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/checkpoint"
	"github.com/vinayprograms/conductor/internal/contextmgr"
	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/events"
	"github.com/vinayprograms/conductor/internal/executor"
	"github.com/vinayprograms/conductor/internal/runner"
	"github.com/vinayprograms/conductor/internal/session"
	"github.com/vinayprograms/conductor/internal/verify"
)

// Default context thresholds, as fractions of the token limit.
const (
	DefaultCompactThreshold = 0.8
	DefaultBlockThreshold   = 0.95
)

// Thresholds is the context budget pair. Crossing Compact between cycles
// (accumulate mode) or Block within a cycle applies ON-CONTEXT-LIMIT.
type Thresholds struct {
	Compact float64
	Block   float64
}

// Config wires a run.
type Config struct {
	Workflow     *directive.Workflow
	WorkflowPath string // recorded in checkpoints for resume

	Agent     agent.Agent
	Runner    *runner.Runner
	Verifiers *verify.Registry
	Context   *contextmgr.Manager

	// Mode overrides the workflow's SESSION-MODE when set.
	Mode directive.SessionMode
	// Cycles overrides MAX-CYCLES when positive.
	Cycles       int
	Introduction string
	Vars         map[string]string
	Workspace    string

	TokenLimit            int
	Thresholds            Thresholds
	TolerateCycleFailures bool

	Store       session.Store     // run log, optional
	Checkpoints *checkpoint.Store // PAUSE checkpoints, optional
	Publisher   events.Publisher  // optional
	LockPath    string            // single-active-run lock, optional
	Resume      *checkpoint.Checkpoint

	// WatchContext flags tracked files changed on disk in modes that do
	// not reload them.
	WatchContext bool

	// Logger is the base of every component logger the run creates. nil
	// keeps the agentkit default, which writes to stdout.
	Logger *logging.Logger
}

// Orchestrator runs one workflow.
type Orchestrator struct {
	cfg      Config
	wf       *directive.Workflow
	exec     *executor.Executor
	logger   *logging.Logger
	events   events.Publisher
	mode     directive.SessionMode
	cycles   int
	runID    string
	record   *session.Record
	warnings []string

	// Callbacks
	OnCycleStart    func(cycle, total int)
	OnCycleComplete func(cs CycleSummary)
	OnCompaction    func(c *session.Compaction)
	OnWarning       func(msg string)
}

// New validates cfg and builds the executor.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("orchestrator requires a workflow")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("orchestrator requires an agent")
	}
	wf := cfg.Workflow

	mode := cfg.Mode
	if mode == directive.ModeUnset {
		mode = wf.Mode
	}
	if mode == directive.ModeUnset {
		mode = directive.ModeAccumulate
	}

	cycles := cfg.Cycles
	if cycles <= 0 {
		cycles = wf.MaxCycles
	}
	if cycles <= 0 {
		cycles = 1
	}
	if cfg.Resume != nil && cfg.Resume.Cycles > 0 && cfg.Cycles <= 0 {
		cycles = cfg.Resume.Cycles
	}

	th := cfg.Thresholds
	if th.Compact <= 0 {
		th.Compact = DefaultCompactThreshold
	}
	if th.Block <= 0 {
		th.Block = DefaultBlockThreshold
	}
	if wf.ContextLimit > 0 {
		th.Compact = wf.ContextLimit
	}
	if th.Block < th.Compact {
		th.Block = th.Compact
	}
	cfg.Thresholds = th

	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Context == nil {
		cfg.Context = contextmgr.New(contextmgr.Options{BasePath: cfg.Workspace, Logger: cfg.Logger})
	}
	if cfg.Runner == nil {
		cfg.Runner = runner.New(runner.Options{Dir: cfg.Workspace, Logger: cfg.Logger})
	}

	pub := cfg.Publisher
	if pub == nil {
		pub = events.Noop{}
	}

	o := &Orchestrator{
		cfg:    cfg,
		wf:     wf,
		logger: cfg.Logger.WithComponent("orchestrator"),
		events: pub,
		mode:   mode,
		cycles: cycles,
	}
	o.exec = executor.NewExecutor(wf, executor.Config{
		Runner:       cfg.Runner,
		Verifiers:    cfg.Verifiers,
		Workspace:    cfg.Workspace,
		Introduction: cfg.Introduction,
		Cycles:       cycles,
		Vars:         cfg.Vars,
		Logger:       cfg.Logger,
	})
	o.exec.Monitor = o.monitor
	return o, nil
}

// Executor exposes the cycle executor so callers can attach callbacks.
func (o *Orchestrator) Executor() *executor.Executor { return o.exec }

// Mode returns the resolved session mode.
func (o *Orchestrator) Mode() directive.SessionMode { return o.mode }

// Cycles returns the resolved cycle count.
func (o *Orchestrator) Cycles() int { return o.cycles }

// Thresholds returns the resolved context thresholds.
func (o *Orchestrator) Thresholds() Thresholds { return o.cfg.Thresholds }

// Run executes the workflow. The summary is returned even when err is
// non-nil; use ExitCode(err) for the process status.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	start := time.Now()

	firstCycle, from, completed := 1, executor.Position{}, 0
	o.runID = uuid.New().String()
	if r := o.cfg.Resume; r != nil {
		firstCycle, from, completed = r.Cycle, executor.Position{Phase: r.Phase, Step: r.Step}, r.Completed
		if r.RunID != "" {
			o.runID = r.RunID
		}
	}

	sum := &RunSummary{
		RunID:           o.runID,
		Workflow:        o.wf.Name,
		Mode:            o.mode.String(),
		CyclesRequested: o.cycles,
		CyclesCompleted: completed,
		StartedAt:       start,
	}
	for _, w := range o.wf.Warnings {
		o.warn(ctx, w)
	}

	if o.cfg.LockPath != "" {
		lock, err := acquireLock(o.cfg.LockPath)
		if err != nil {
			return o.finish(ctx, sum, StatusFailed, err)
		}
		defer lock.Unlock()
	}

	o.record = session.NewRecord(o.wf.Name, o.mode.String(), o.cycles)
	o.record.ID = o.runID
	if o.cfg.Store != nil {
		if fs, ok := o.cfg.Store.(*session.FileStore); ok {
			sum.LogPath = fs.Path(o.runID)
		}
	}

	ctx, span := telemetry.GetTracer().StartSpan(ctx, "conductor.run")
	span.SetAttributes(
		attribute.String("run.id", o.runID),
		attribute.String("workflow.name", o.wf.Name),
		attribute.String("session.mode", o.mode.String()),
		attribute.Int("run.cycles", o.cycles),
	)
	defer span.End()

	o.logger.ExecutionStart(o.wf.Name)
	o.publish(ctx, events.Event{Type: events.RunStarted, Status: startLabel(o.cfg.Resume), Data: map[string]interface{}{
		"mode":   o.mode.String(),
		"cycles": o.cycles,
	}})
	o.record.AddEvent(session.Event{Type: session.EventRunStart, Content: o.wf.Name})

	snap, err := o.cfg.Context.Load(contextPatterns(o.wf))
	if err != nil {
		return o.finish(ctx, sum, StatusFailed, fmt.Errorf("failed to load context: %w", err))
	}
	for _, m := range snap.Missing {
		o.warn(ctx, fmt.Sprintf("context %s: %s", m.Path, m.Reason))
	}

	sess, err := session.New(ctx, session.Config{
		Agent:      o.cfg.Agent,
		Mode:       o.mode,
		Context:    snap,
		Record:     o.record,
		Capture:    &session.Capturer{Workspace: o.cfg.Workspace, Runner: o.cfg.Runner},
		TokenLimit: o.cfg.TokenLimit,
		Logger:     o.cfg.Logger,
	})
	if err != nil {
		return o.finish(ctx, sum, StatusFailed, err)
	}
	defer sess.Close()
	if r := o.cfg.Resume; r != nil {
		for k, v := range r.State {
			sess.SetState(k, v)
		}
	}

	var watcher *contextmgr.Watcher
	if o.cfg.WatchContext && o.mode != directive.ModeFresh && len(snap.Tracked) > 0 {
		if watcher, err = contextmgr.Watch(snap); err != nil {
			o.logger.Warn("context watch unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			defer watcher.Close()
		}
	}

	var lastFailure error
	status := StatusComplete
	var runErr error

cycles:
	for cycle := firstCycle; cycle <= o.cycles; cycle++ {
		if err := ctx.Err(); err != nil {
			status, runErr = StatusInterrupted, &FatalInterrupt{Cycle: cycle, Cause: err}
			break
		}

		resuming := cycle == firstCycle && o.cfg.Resume != nil
		if err := o.beginCycle(ctx, sess, cycle, resuming); err != nil {
			status, runErr = o.classify(cycle, err)
			break
		}

		if o.OnCycleStart != nil {
			o.OnCycleStart(cycle, o.cycles)
		}
		o.publish(ctx, events.Event{Type: events.CycleStarted, Cycle: cycle})
		o.record.AddEvent(session.Event{Type: session.EventCycleStart, Cycle: cycle})

		start := executor.Position{}
		if cycle == firstCycle {
			start = from
		}
		res, err := o.exec.RunCycle(ctx, sess, cycle, start)

		cycleStatus := StatusComplete
		switch {
		case err != nil:
			cycleStatus, _ = o.classify(cycle, err)
		case res.Paused != nil:
			cycleStatus = StatusPaused
		}
		sum.addCycle(res, cycleStatus, err)
		cs := sum.Cycles[len(sum.Cycles)-1]
		o.record.AddEvent(session.Event{
			Type:       session.EventCycleEnd,
			Cycle:      cycle,
			Content:    cycleStatus,
			Success:    session.Bool(cycleStatus == StatusComplete),
			DurationMs: cs.DurationMs,
		})
		o.publish(ctx, events.Event{Type: events.CycleFinished, Cycle: cycle, Status: cycleStatus, Message: cs.Error})
		for _, f := range res.Failures {
			o.publish(ctx, events.Event{Type: events.StepFailed, Cycle: cycle, Phase: f.Phase, Message: f.Error(),
				Data: map[string]interface{}{"recovered": f.Recovered, "outcome": f.Outcome.String(), "interrupted": f.Interrupted}})
		}
		if o.OnCycleComplete != nil {
			o.OnCycleComplete(cs)
		}
		o.save()

		if res.Paused != nil {
			id, err := o.pause(ctx, sess, cycle, res.Paused, sum.CyclesCompleted)
			if err != nil {
				o.logger.Error("failed to save pause checkpoint", map[string]interface{}{"error": err.Error()})
			}
			sum.Checkpoint = id
			status, runErr = StatusPaused, fmt.Errorf("%w: %s", ErrPaused, res.Paused.Message)
			break
		}

		if err != nil {
			st, classified := o.classify(cycle, err)
			if st != StatusFailed || !o.cfg.TolerateCycleFailures {
				status, runErr = st, classified
				break cycles
			}
			lastFailure = classified
			o.logger.Warn("cycle failed, continuing", map[string]interface{}{
				"cycle": cycle,
				"error": err.Error(),
			})
		}

		if watcher != nil {
			if changed := watcher.Changed(); len(changed) > 0 {
				o.warn(ctx, fmt.Sprintf("cycle %d: context changed on disk and is not reloaded in %s mode: %s",
					cycle, o.mode, strings.Join(changed, ", ")))
			}
		}

		if cycle < o.cycles {
			if err := o.endCycle(ctx, sess, cycle); err != nil {
				status, runErr = o.classify(cycle, err)
				break
			}
		}
	}

	if runErr == nil && lastFailure != nil {
		status = StatusFailed
		runErr = fmt.Errorf("%d of %d cycles failed, last: %w", sum.CyclesFailed, o.cycles, lastFailure)
	}
	if status == StatusComplete && o.cfg.Resume != nil && o.cfg.Checkpoints != nil {
		if err := o.cfg.Checkpoints.Delete(o.cfg.Resume.ID); err != nil {
			o.logger.Warn("failed to delete checkpoint", map[string]interface{}{"error": err.Error()})
		}
	}

	sum.setCounters(sess.Counters())
	sum.setOmissions(sess.Omissions())
	if status != StatusComplete && runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	return o.finish(ctx, sum, status, runErr)
}

// startLabel distinguishes a resumed run in the start event.
func startLabel(resume *checkpoint.Checkpoint) string {
	if resume != nil {
		return "resumed"
	}
	return "running"
}

// beginCycle applies the mode policy at the start of a cycle. Fresh mode
// reloads the tracked context and starts a new conversation from cycle 2 on.
// A resumed cycle already runs in a new conversation primed from disk; it
// gets the preserved state and a note on where the run picks up.
func (o *Orchestrator) beginCycle(ctx context.Context, sess *session.Session, cycle int, resuming bool) error {
	if resuming {
		r := o.cfg.Resume
		if keys := o.wf.Defaults.CompactPreserve; len(keys) > 0 {
			c, err := sess.Reset(ctx, session.TriggerFresh, keys)
			if err != nil {
				return err
			}
			o.compacted(ctx, c)
		}
		note := fmt.Sprintf("[Resumed] Cycle %d of %d continues after a pause in phase %s.", cycle, o.cycles, r.PhaseName)
		if r.Message != "" {
			note += " Pause message: " + r.Message
		}
		sess.Inject(note)
		return nil
	}
	if o.mode != directive.ModeFresh || cycle == 1 {
		return nil
	}
	return o.refresh(ctx, sess, session.TriggerFresh)
}

func (o *Orchestrator) refresh(ctx context.Context, sess *session.Session, trigger string) error {
	prev := sess.Context()
	next := o.cfg.Context.Reload(prev)
	sess.SetContext(next)

	dropped := next.Dropped()
	var paths []string
	for _, m := range dropped {
		paths = append(paths, m.Path)
		o.warn(ctx, fmt.Sprintf("context %s dropped on reload: %s", m.Path, m.Reason))
	}
	sess.Event(session.Event{
		Type:    session.EventContextReload,
		Content: fmt.Sprintf("%d entries", len(next.Entries)),
		Meta:    &session.EventMeta{Omitted: paths},
	})

	c, err := sess.Reset(ctx, trigger, o.wf.Defaults.CompactPreserve)
	if err != nil {
		return err
	}
	o.compacted(ctx, c)
	return nil
}

// endCycle applies the mode policy between cycles.
func (o *Orchestrator) endCycle(ctx context.Context, sess *session.Session, cycle int) error {
	switch o.mode {
	case directive.ModeCompact:
		return o.compact(ctx, sess, session.TriggerCycle)
	case directive.ModeAccumulate:
		usage := sess.Usage()
		if usage < o.cfg.Thresholds.Compact {
			return nil
		}
		o.logger.Info("context limit reached between cycles", map[string]interface{}{
			"cycle":     cycle,
			"usage":     fmt.Sprintf("%.2f", usage),
			"threshold": o.cfg.Thresholds.Compact,
		})
		return o.applyLimit(ctx, sess, usage)
	}
	return nil
}

// monitor runs after every agent turn inside a cycle.
func (o *Orchestrator) monitor(ctx context.Context, sess *session.Session) error {
	usage := sess.Usage()
	if usage < o.cfg.Thresholds.Compact {
		return nil
	}
	if usage < o.cfg.Thresholds.Block {
		o.publish(ctx, events.Event{Type: events.ContextWarning, Data: map[string]interface{}{"usage": usage}})
		return nil
	}
	o.logger.Warn("context blocking threshold crossed", map[string]interface{}{
		"usage":     fmt.Sprintf("%.2f", usage),
		"threshold": o.cfg.Thresholds.Block,
	})
	return o.applyLimit(ctx, sess, usage)
}

// applyLimit carries out ON-CONTEXT-LIMIT.
func (o *Orchestrator) applyLimit(ctx context.Context, sess *session.Session, usage float64) error {
	if o.wf.Defaults.OnContextLimit == directive.LimitStop {
		return fmt.Errorf("%w: %.0f%% of %d tokens", ErrContextLimit, usage*100, o.cfg.TokenLimit)
	}
	return o.compact(ctx, sess, session.TriggerContextLimit)
}

func (o *Orchestrator) compact(ctx context.Context, sess *session.Session, trigger string) error {
	keys := o.wf.Defaults.CompactPreserve
	instructions := agent.DefaultCompactInstructions
	if len(keys) > 0 {
		instructions = "Preserve these items: " + strings.Join(keys, ", ") + "\n\n" + instructions
	}
	c, err := sess.Compact(ctx, trigger, keys, instructions)
	if err != nil {
		return err
	}
	o.compacted(ctx, c)
	return nil
}

func (o *Orchestrator) compacted(ctx context.Context, c *session.Compaction) {
	for _, om := range c.Omissions {
		o.warn(ctx, om.Error())
	}
	if c.Trigger != session.TriggerFresh || len(c.Keys) > 0 {
		o.publish(ctx, events.Event{Type: events.Compacted, Message: c.Trigger, Data: map[string]interface{}{
			"tokens_before": c.TokensBefore,
			"tokens_after":  c.TokensAfter,
			"omissions":     len(c.Omissions),
		}})
	}
	if o.OnCompaction != nil {
		o.OnCompaction(c)
	}
}

// classify maps a cycle error to a run status and the error to return.
func (o *Orchestrator) classify(cycle int, err error) (string, error) {
	switch {
	case isFatal(err):
		return StatusInterrupted, &FatalInterrupt{Cycle: cycle, Cause: err}
	case errors.Is(err, ErrContextLimit):
		return StatusStopped, err
	}
	var cf *executor.CycleFailure
	if errors.As(err, &cf) {
		return StatusFailed, err
	}
	return StatusFailed, &executor.CycleFailure{Cycle: cycle, Cause: err}
}

// pause writes the resume checkpoint.
func (o *Orchestrator) pause(ctx context.Context, sess *session.Session, cycle int, p *executor.Pause, completed int) (string, error) {
	o.publish(ctx, events.Event{Type: events.Paused, Cycle: cycle, Phase: p.PhaseName, Message: p.Message})
	if o.cfg.Checkpoints == nil {
		return "", nil
	}
	cp := &checkpoint.Checkpoint{
		RunID:        o.runID,
		WorkflowPath: o.cfg.WorkflowPath,
		WorkflowName: o.wf.Name,
		Mode:         o.mode.String(),
		Cycle:        cycle,
		Cycles:       o.cycles,
		Phase:        p.Resume.Phase,
		Step:         p.Resume.Step,
		PhaseName:    p.PhaseName,
		Message:      p.Message,
		State:        sess.State(),
		Completed:    completed,
	}
	if err := o.cfg.Checkpoints.Save(cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

func (o *Orchestrator) warn(ctx context.Context, msg string) {
	o.warnings = append(o.warnings, msg)
	o.logger.Warn(msg, nil)
	if o.record != nil {
		o.record.AddEvent(session.Event{Type: session.EventWarning, Content: msg})
	}
	if o.OnWarning != nil {
		o.OnWarning(msg)
	}
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	e.RunID = o.runID
	e.Workflow = o.wf.Name
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn("failed to publish event", map[string]interface{}{
			"type":  e.Type,
			"error": err.Error(),
		})
	}
}

func (o *Orchestrator) save() {
	if o.cfg.Store == nil || o.record == nil {
		return
	}
	if err := o.cfg.Store.Save(o.record); err != nil {
		o.logger.Warn("failed to save run log", map[string]interface{}{"error": err.Error()})
	}
}

// finish stamps the summary and closes the run log.
func (o *Orchestrator) finish(ctx context.Context, sum *RunSummary, status string, err error) (*RunSummary, error) {
	sum.Status = status
	sum.Warnings = append([]string(nil), o.warnings...)
	sum.DurationMs = time.Since(sum.StartedAt).Milliseconds()
	if err != nil {
		sum.Error = err.Error()
	}

	if o.record != nil {
		o.record.State = nil
		o.record.AddEvent(session.Event{Type: session.EventRunEnd, Content: status})
		o.record.Finish(status, err, sum.Counters())
		o.save()
	}
	o.publish(context.WithoutCancel(ctx), events.Event{Type: events.RunFinished, Status: status, Message: sum.Error,
		Data: map[string]interface{}{"cycles_completed": sum.CyclesCompleted}})
	o.logger.ExecutionComplete(o.wf.Name, sum.Duration(), status)
	return sum, err
}

func contextPatterns(wf *directive.Workflow) []contextmgr.Pattern {
	out := make([]contextmgr.Pattern, 0, len(wf.Context))
	for _, c := range wf.Context {
		out = append(out, contextmgr.Pattern{Pattern: c.Pattern, Optional: c.Optional})
	}
	return out
}
