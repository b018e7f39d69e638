package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/vinayprograms/conductor/internal/directive"
	"github.com/vinayprograms/conductor/internal/orchestrator"
)

func parse(t *testing.T, args ...string) *CLI {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return &cli
}

func TestRunCmd_Defaults(t *testing.T) {
	cli := parse(t, "run")
	if cli.Run.File != defaultFile {
		t.Errorf("expected file=%q, got %q", defaultFile, cli.Run.File)
	}
	if cli.Run.Cycles != 0 {
		t.Errorf("expected cycles=0, got %d", cli.Run.Cycles)
	}
}

func TestRunCmd_Flags(t *testing.T) {
	cli := parse(t, "run", "-f", "nightly.conductor", "-n", "5", "--mode", "fresh",
		"--var", "TEAM=core", "--var", "ENV=ci", "--json", "--tolerate", "--resume", "cp-1")
	if cli.Run.File != "nightly.conductor" {
		t.Errorf("expected file=nightly.conductor, got %q", cli.Run.File)
	}
	if cli.Run.Cycles != 5 {
		t.Errorf("expected cycles=5, got %d", cli.Run.Cycles)
	}
	if cli.Run.Mode != "fresh" {
		t.Errorf("expected mode=fresh, got %q", cli.Run.Mode)
	}
	if cli.Run.Var["TEAM"] != "core" || cli.Run.Var["ENV"] != "ci" {
		t.Errorf("expected vars TEAM=core ENV=ci, got %v", cli.Run.Var)
	}
	if !cli.Run.JSON || !cli.Run.Tolerate {
		t.Error("expected json and tolerate to be set")
	}
	if cli.Run.Resume != "cp-1" {
		t.Errorf("expected resume=cp-1, got %q", cli.Run.Resume)
	}
}

func TestRunCmd_FormatsExclusive(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"run", "--json", "--yaml"}); err == nil {
		t.Error("expected error for --json with --yaml")
	}
}

func TestReplayCmd_Verbose(t *testing.T) {
	tests := []struct {
		args []string
		want int
	}{
		{[]string{"replay", "run.jsonl"}, 0},
		{[]string{"replay", "-v", "run.jsonl"}, 1},
		{[]string{"replay", "-vv", "run.jsonl"}, 2},
	}
	for _, tt := range tests {
		cli := parse(t, tt.args...)
		if cli.Replay.Verbose != tt.want {
			t.Errorf("%v: expected verbose=%d, got %d", tt.args, tt.want, cli.Replay.Verbose)
		}
		if cli.Replay.Log != "run.jsonl" {
			t.Errorf("expected log=run.jsonl, got %q", cli.Replay.Log)
		}
	}
}

func TestValidateCmd_DefaultFile(t *testing.T) {
	cli := parse(t, "validate")
	if cli.Validate.File != defaultFile {
		t.Errorf("expected file=%q, got %q", defaultFile, cli.Validate.File)
	}
}

func TestExitCode_Usage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, orchestrator.ExitSuccess},
		{"usage", &usageError{errors.New("bad config")}, orchestrator.ExitUsage},
		{"wrapped usage", fmt.Errorf("loading: %w", &usageError{errors.New("x")}), orchestrator.ExitUsage},
		{"paused", fmt.Errorf("%w: review", orchestrator.ErrPaused), orchestrator.ExitPaused},
		{"plain", errors.New("boom"), orchestrator.ExitFailure},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("%s: expected=%d, got=%d", tt.name, tt.want, got)
		}
	}
}

// fixture writes a directive file and a config pointing storage and the
// workspace into a temp dir.
func fixture(t *testing.T, src string) (file, cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	file = filepath.Join(dir, "workflow.conductor")
	if err := os.WriteFile(file, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath = filepath.Join(dir, "conductor.toml")
	cfg := fmt.Sprintf(`
[engine]
workspace = %q

[agent]
adapter = "mock"

[storage]
path = %q
`, dir, filepath.Join(dir, "storage"))
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return file, cfgPath, dir
}

func TestRunValidate(t *testing.T) {
	file, cfgPath, _ := fixture(t, "NAME demo\nPHASE build\nPROMPT hello\nRUN echo hi\nPHASE check\nVERIFY refs\n")

	var out bytes.Buffer
	if err := runValidate(&out, file, cfgPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Valid: demo (2 phases, 3 steps)"
	if !strings.Contains(out.String(), want) {
		t.Errorf("expected=%q, got=%q", want, out.String())
	}
}

func TestRunValidate_Errors(t *testing.T) {
	file, cfgPath, dir := fixture(t, "NAME demo\nSESSION-MODE sometimes\nPROMPT hi\n")

	err := runValidate(&bytes.Buffer{}, file, cfgPath)
	if err == nil {
		t.Fatal("expected error for an invalid session mode")
	}
	if got := exitCode(err); got != orchestrator.ExitUsage {
		t.Errorf("expected exit=%d, got=%d", orchestrator.ExitUsage, got)
	}

	err = runValidate(&bytes.Buffer{}, filepath.Join(dir, "missing.conductor"), cfgPath)
	if got := exitCode(err); got != orchestrator.ExitUsage {
		t.Errorf("missing file: expected exit=%d, got=%d", orchestrator.ExitUsage, got)
	}
}

func TestRunInspect(t *testing.T) {
	src := `NAME release
SESSION-MODE compact
MAX-CYCLES 3
CONTEXT notes.md
CONTEXT-OPTIONAL todo.md
PHASE build
PROMPT implement the next item
RUN make test
ON-FAILURE {
  PROMPT fix the failing tests
}
CHECKPOINT build done
`
	file, cfgPath, _ := fixture(t, src)

	var out bytes.Buffer
	if err := runInspect(&out, file, cfgPath); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"Workflow: release",
		"Session mode: compact",
		"Max cycles: 3",
		"notes.md",
		"todo.md (optional)",
		"1. build",
		"RUN make test",
		"on failure:",
		"CHECKPOINT build done",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected output to contain %q\n%s", want, got)
		}
	}
}

func TestExecute_Mock(t *testing.T) {
	file, cfgPath, dir := fixture(t, "NAME demo\nPROMPT cycle {{CYCLE}} of {{CYCLES}}\nRUN sh -c 'echo hi > out.txt'\n")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), &RunCmd{File: file, Config: cfgPath, Cycles: 2, JSON: true}, &stdout, &stderr)
	if code != orchestrator.ExitSuccess {
		t.Fatalf("expected exit=0, got=%d\nstderr: %s", code, stderr.String())
	}

	var sum orchestrator.RunSummary
	if err := json.Unmarshal(stdout.Bytes(), &sum); err != nil {
		t.Fatalf("invalid JSON summary: %v\n%s", err, stdout.String())
	}
	if sum.CyclesCompleted != 2 {
		t.Errorf("expected cycles_completed=2, got=%d", sum.CyclesCompleted)
	}
	if sum.Status != orchestrator.StatusComplete {
		t.Errorf("expected status=complete, got=%s", sum.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.txt")); err != nil {
		t.Errorf("expected RUN to execute in the workspace: %v", err)
	}
	if !strings.Contains(stderr.String(), "Cycle 2/2") {
		t.Errorf("expected progress on stderr, got %q", stderr.String())
	}

	logs, _ := filepath.Glob(filepath.Join(dir, "storage", "sessions", "*.jsonl"))
	if len(logs) != 1 {
		t.Fatalf("expected one run log, got %d", len(logs))
	}
	var replayed bytes.Buffer
	if err := runReplay(&replayed, &ReplayCmd{Log: logs[0], Width: 80}); err != nil {
		t.Fatalf("replay error: %v", err)
	}
	if !strings.Contains(replayed.String(), "CYCLE 2") {
		t.Errorf("expected replay to show cycle 2\n%s", replayed.String())
	}
}

func TestExecute_LogsGoToStderr(t *testing.T) {
	file, cfgPath, _ := fixture(t, "NAME logs\nRUN-ON-ERROR continue\nRUN false\nPROMPT hi\n")

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), &RunCmd{File: file, Config: cfgPath, JSON: true}, &stdout, &stderr)
	if code != orchestrator.ExitSuccess {
		t.Fatalf("expected exit=0, got=%d\nstderr: %s", code, stderr.String())
	}

	var sum orchestrator.RunSummary
	if err := json.Unmarshal(stdout.Bytes(), &sum); err != nil {
		t.Fatalf("expected stdout to hold only the summary: %v\n%s", err, stdout.String())
	}
	for _, want := range []string{"[executor]", "step failed, continuing"} {
		if !strings.Contains(stderr.String(), want) {
			t.Errorf("expected component log %q on stderr, got %q", want, stderr.String())
		}
	}
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  string
		cmd  RunCmd
		want int
	}{
		{"failing command", "NAME f\nRUN false\n", RunCmd{}, orchestrator.ExitFailure},
		{"invalid mode flag", "NAME f\nPROMPT hi\n", RunCmd{Mode: "sometimes"}, orchestrator.ExitUsage},
		{"unknown adapter", "NAME f\nPROMPT hi\n", RunCmd{Adapter: "carrier-pigeon"}, orchestrator.ExitUsage},
		{"parse error", "NAME f\nRUN-ON-ERROR maybe\nPROMPT hi\n", RunCmd{}, orchestrator.ExitUsage},
		{"pause", "NAME f\nPROMPT one\nPAUSE review the plan\nPROMPT two\n", RunCmd{}, orchestrator.ExitPaused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file, cfgPath, _ := fixture(t, tt.src)
			cmd := tt.cmd
			cmd.File, cmd.Config = file, cfgPath

			var stdout, stderr bytes.Buffer
			if got := execute(context.Background(), &cmd, &stdout, &stderr); got != tt.want {
				t.Errorf("expected exit=%d, got=%d\nstderr: %s", tt.want, got, stderr.String())
			}
		})
	}
}

func TestSessionMode_Precedence(t *testing.T) {
	file, cfgPath, _ := fixture(t, "NAME m\nSESSION-MODE compact\nPROMPT hi\n")

	rt := &runtime{cmd: &RunCmd{}, w: &workflow{filePath: file, configPath: cfgPath}}
	if err := rt.load(); err != nil {
		t.Fatal(err)
	}
	mode, err := rt.sessionMode()
	if err != nil || mode != directive.ModeCompact {
		t.Errorf("expected mode=compact from the file, got=%s (%v)", mode, err)
	}

	rt.cmd.Mode = "fresh"
	mode, err = rt.sessionMode()
	if err != nil || mode != directive.ModeFresh {
		t.Errorf("expected mode=fresh from the flag, got=%s (%v)", mode, err)
	}

	rt.cmd.Mode = ""
	rt.w.wf.Mode = directive.ModeUnset
	rt.w.cfg.Engine.Mode = "accumulate"
	mode, _ = rt.sessionMode()
	if mode != directive.ModeAccumulate {
		t.Errorf("expected mode=accumulate from config, got=%s", mode)
	}
}
