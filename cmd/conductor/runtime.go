// Package main provides runtime execution for workflows.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/checkpoint"
	"github.com/vinayprograms/conductor/internal/contextmgr"
	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/events"
	"github.com/vinayprograms/conductor/internal/executor"
	"github.com/vinayprograms/conductor/internal/orchestrator"
	"github.com/vinayprograms/conductor/internal/report"
	"github.com/vinayprograms/conductor/internal/runner"
	"github.com/vinayprograms/conductor/internal/session"
	"github.com/vinayprograms/conductor/internal/verify"
)

// runtime handles the execution phase of a run.
type runtime struct {
	cmd    *RunCmd
	w      *workflow
	stdout io.Writer
	stderr io.Writer

	// logger is the base of every component logger. It writes to stderr
	// so that stdout carries only the run summary.
	logger *logging.Logger

	// Components
	agent       agent.Agent
	runner      *runner.Runner
	telem       telemetry.Exporter
	publisher   events.Publisher
	store       *session.FileStore
	checkpoints *checkpoint.Store
	resume      *checkpoint.Checkpoint
	orch        *orchestrator.Orchestrator

	// Cleanup
	closers []func()
}

// runWorkflow is the run command.
func runWorkflow(cmd *RunCmd) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return execute(ctx, cmd, os.Stdout, os.Stderr)
}

// execute loads, sets up and runs a workflow, returning the exit code.
func execute(ctx context.Context, cmd *RunCmd, stdout, stderr io.Writer) int {
	logger := logging.New()
	logger.SetOutput(stderr)
	rt := &runtime{
		cmd:    cmd,
		w:      &workflow{filePath: cmd.File, configPath: cmd.Config, workspacePath: cmd.Workspace},
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}
	defer rt.cleanup()

	if err := rt.load(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	if err := rt.setup(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return rt.run(ctx)
}

// load reads config, the resume checkpoint and the directive file.
func (rt *runtime) load() error {
	if err := rt.w.loadConfig(); err != nil {
		return &usageError{fmt.Errorf("loading config: %w", err)}
	}

	var err error
	rt.checkpoints, err = checkpoint.NewStore(rt.w.cfg.CheckpointsDir())
	if err != nil {
		return err
	}
	if rt.cmd.Resume != "" {
		rt.resume, err = rt.checkpoints.Resolve(rt.cmd.Resume)
		if err != nil {
			return &usageError{fmt.Errorf("loading checkpoint: %w", err)}
		}
		if rt.resume.WorkflowPath != "" && (rt.cmd.File == "" || rt.cmd.File == defaultFile) {
			rt.w.filePath = rt.resume.WorkflowPath
		}
	}

	if err := rt.w.loadWorkflow(); err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	return nil
}

// setup creates every runtime component.
func (rt *runtime) setup() error {
	cfg := rt.w.cfg

	var err error
	if rt.agent, err = rt.createAgent(); err != nil {
		return &usageError{err}
	}

	rt.runner = runner.New(runner.Options{
		Shell:          cfg.Runner.Shell,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxTimeout:     cfg.MaxTimeout(),
		Dir:            cfg.Engine.Workspace,
		Logger:         rt.logger,
	})

	if rt.store, err = session.NewFileStore(cfg.SessionsDir()); err != nil {
		return err
	}

	rt.setupTelemetry()
	rt.setupEvents()
	return rt.createOrchestrator()
}

// createAgent builds the adapter: CLI flag, then ADAPTER, then config.
func (rt *runtime) createAgent() (agent.Agent, error) {
	cfg, wf := rt.w.cfg, rt.w.wf
	adapter := firstNonEmpty(rt.cmd.Adapter, wf.Adapter, cfg.Agent.Adapter)

	switch adapter {
	case "mock":
		return agent.NewMock(), nil
	case "exec":
		if strings.TrimSpace(cfg.Agent.Command) == "" {
			return nil, fmt.Errorf("agent.command is required for the exec adapter")
		}
		a := agent.NewExecAgent(cfg.Agent.Command, cfg.Engine.Workspace, cfg.AgentTimeout())
		a.SetLogger(rt.logger)
		return a, nil
	case "llm":
		model := firstNonEmpty(rt.cmd.Model, wf.Model, cfg.Agent.Model)
		provider, err := agent.NewProvider(agent.ProviderConfig{
			Provider:  cfg.Agent.Provider,
			Model:     model,
			APIKey:    rt.apiKey(),
			MaxTokens: cfg.Agent.MaxTokens,
			BaseURL:   cfg.Agent.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return agent.NewLLMAgent(provider, cfg.Agent.System), nil
	default:
		return nil, fmt.Errorf("unknown agent adapter %q, expected llm, exec or mock", adapter)
	}
}

// apiKey prefers credentials.toml over the environment.
func (rt *runtime) apiKey() string {
	cfg := rt.w.cfg
	if globalCreds != nil && cfg.Agent.Provider != "" {
		if key := globalCreds.GetAPIKey(cfg.Agent.Provider); key != "" {
			return key
		}
	}
	return cfg.GetAPIKey()
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() {
	cfg := rt.w.cfg
	if cfg.Telemetry.Enabled {
		telem, err := telemetry.NewExporter(cfg.Telemetry.Protocol, cfg.Telemetry.Endpoint)
		if err == nil {
			rt.telem = telem
		} else {
			fmt.Fprintf(rt.stderr, "warning: telemetry disabled: %v\n", err)
		}
	}
	if rt.telem == nil {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
}

// setupEvents connects the cycle-event publisher when NATS is configured.
func (rt *runtime) setupEvents() {
	cfg := rt.w.cfg
	rt.publisher = events.Noop{}
	if cfg.Events.NATSURL == "" {
		return
	}
	pub, err := events.NewNATS(cfg.Events.NATSURL, cfg.Events.Subject, rt.logger)
	if err != nil {
		fmt.Fprintf(rt.stderr, "warning: event publishing disabled: %v\n", err)
		return
	}
	rt.publisher = pub
	rt.addCloser(func() { pub.Close() })
}

func (rt *runtime) createOrchestrator() error {
	cfg, wf := rt.w.cfg, rt.w.wf

	mode, err := rt.sessionMode()
	if err != nil {
		return &usageError{err}
	}
	cycles := rt.cmd.Cycles
	if cycles <= 0 && wf.MaxCycles <= 0 && rt.resume == nil {
		cycles = cfg.Engine.Cycles
	}

	ctxMgr := contextmgr.New(contextmgr.Options{
		BasePath:     rt.w.contextBase(),
		MaxFileBytes: cfg.Context.MaxFileBytes,
		Allow:        cfg.Context.Allow,
		Deny:         cfg.Context.Deny,
		Logger:       rt.logger,
	})

	rt.orch, err = orchestrator.New(orchestrator.Config{
		Workflow:     wf,
		WorkflowPath: absPath(rt.w.filePath),
		Agent:        rt.agent,
		Runner:       rt.runner,
		Verifiers:    verify.Default(verify.Options{Terms: cfg.Verify.Terms, Logger: rt.logger}),
		Context:      ctxMgr,
		Mode:         mode,
		Cycles:       cycles,
		Introduction: rt.cmd.Introduction,
		Vars:         rt.cmd.Var,
		Workspace:    cfg.Engine.Workspace,
		TokenLimit:   cfg.Context.TokenLimit,
		Thresholds: orchestrator.Thresholds{
			Compact: cfg.Context.WarnThreshold,
			Block:   cfg.Context.BlockThreshold,
		},
		TolerateCycleFailures: rt.cmd.Tolerate || cfg.Engine.TolerateCycleFailures,
		Store:                 rt.store,
		Checkpoints:           rt.checkpoints,
		Publisher:             rt.publisher,
		LockPath:              cfg.LockPath(),
		Resume:                rt.resume,
		WatchContext:          true,
		Logger:                rt.logger,
	})
	if err != nil {
		return err
	}
	rt.setupCallbacks()
	return nil
}

// sessionMode resolves the mode: CLI flag, resumed run, SESSION-MODE, config.
func (rt *runtime) sessionMode() (directive.SessionMode, error) {
	switch {
	case rt.cmd.Mode != "":
		return directive.ParseSessionMode(rt.cmd.Mode)
	case rt.resume != nil && rt.resume.Mode != "":
		return directive.ParseSessionMode(rt.resume.Mode)
	case rt.w.wf.Mode != directive.ModeUnset:
		return rt.w.wf.Mode, nil
	default:
		return rt.w.cfg.SessionMode(), nil
	}
}

// setupCallbacks wires up telemetry and progress callbacks.
func (rt *runtime) setupCallbacks() {
	o, exec := rt.orch, rt.orch.Executor()

	o.OnCycleStart = func(cycle, total int) {
		fmt.Fprintf(rt.stderr, "▶ Cycle %d/%d\n", cycle, total)
		rt.telem.LogEvent("cycle_started", map[string]interface{}{"cycle": cycle})
	}
	o.OnCycleComplete = func(cs orchestrator.CycleSummary) {
		mark := "✓"
		if cs.Status != orchestrator.StatusComplete {
			mark = "✗"
		}
		fmt.Fprintf(rt.stderr, "%s Cycle %d %s (%d turns, %d tool calls)\n", mark, cs.Cycle, cs.Status, cs.Turns, cs.ToolCalls)
		rt.telem.LogEvent("cycle_complete", map[string]interface{}{"cycle": cs.Cycle, "status": cs.Status})
	}
	o.OnCompaction = func(c *session.Compaction) {
		fmt.Fprintf(rt.stderr, "  ⟳ Context compacted (%s): %d → %d tokens\n", c.Trigger, c.TokensBefore, c.TokensAfter)
		rt.telem.LogEvent("compaction", map[string]interface{}{"trigger": c.Trigger, "omissions": len(c.Omissions)})
	}
	o.OnWarning = func(msg string) {
		fmt.Fprintf(rt.stderr, "  warning: %s\n", msg)
	}

	exec.OnStepStart = func(cycle int, phase string, step directive.Step) {
		switch s := step.(type) {
		case *directive.RunStep:
			fmt.Fprintf(rt.stderr, "  → Run: %s\n", s.Command)
		case *directive.VerifyStep:
			fmt.Fprintf(rt.stderr, "  → Verify: %s\n", s.Verifier)
		case *directive.PromptStep:
			fmt.Fprintf(rt.stderr, "  → Prompt (line %d)\n", s.Pos())
		case *directive.PauseStep:
			fmt.Fprintf(rt.stderr, "  ⏸ Pause: %s\n", s.Message)
		}
	}
	exec.OnFailure = func(f *executor.StepFailure) {
		fmt.Fprintf(rt.stderr, "  ✗ %s\n", f.Error())
		rt.telem.LogEvent("step_failed", map[string]interface{}{"cycle": f.Cycle, "line": f.Line, "outcome": f.Outcome.String()})
	}
	exec.OnBranch = func(cycle int, branch string) {
		fmt.Fprintf(rt.stderr, "  ↳ %s\n", strings.ToUpper(branch))
	}
	exec.OnCheckpoint = func(cycle int, name string, committed bool) {
		if committed {
			fmt.Fprintf(rt.stderr, "  ✓ Checkpoint: %s\n", name)
		}
	}
}

// run executes the workflow and returns the exit code.
func (rt *runtime) run(ctx context.Context) int {
	wf := rt.w.wf
	if rt.resume != nil {
		fmt.Fprintf(rt.stderr, "Resuming workflow: %s at cycle %d (%s mode)\n\n", wf.Name, rt.resume.Cycle, rt.orch.Mode())
	} else {
		fmt.Fprintf(rt.stderr, "Running workflow: %s (%d cycles, %s mode)\n\n", wf.Name, rt.orch.Cycles(), rt.orch.Mode())
	}

	sum, err := rt.orch.Run(ctx)
	if err != nil {
		fmt.Fprintf(rt.stderr, "\nerror: %v\n", err)
	}
	if sum != nil {
		if werr := report.WriteSummary(rt.stdout, sum, rt.format()); werr != nil {
			fmt.Fprintf(rt.stderr, "error: %v\n", werr)
		}
	}
	return exitCode(err)
}

func (rt *runtime) format() report.Format {
	switch {
	case rt.cmd.JSON:
		return report.FormatJSON
	case rt.cmd.YAML:
		return report.FormatYAML
	default:
		return report.FormatText
	}
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}
