package directive

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const fullWorkflow = `# nightly maintenance loop
NAME nightly
MODEL gpt-4
MAX-CYCLES 3
SESSION-MODE fresh
CONTEXT-LIMIT 80%
ON-CONTEXT-LIMIT compact
COMPACT-PRESERVE git-status selected-task
CONTEXT @tracker.md docs/*.md
CONTEXT-OPTIONAL notes.md
PROLOGUE @prologue.md
RUN-ON-ERROR continue
RUN-OUTPUT on-error
RUN-OUTPUT-LIMIT 10K
RUN-TIMEOUT 2m

PHASE triage
PROMPT Pick the next task from the tracker.
RUN git status --short

PHASE build
RUN-TIMEOUT 30s
RUN-ON-ERROR stop
RUN make test
ON-FAILURE {
  PROMPT """
    Tests failed.
    Fix them.
    """
  RUN make test
}
ON-SUCCESS {
  CHECKPOINT tests-green
}
VERIFY refs docs
PAUSE Review the changes
`

func TestParse_FullWorkflow(t *testing.T) {
	wf, err := ParseString(fullWorkflow)
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}

	if wf.Name != "nightly" {
		t.Errorf("wf.Name wrong. expected=%q, got=%q", "nightly", wf.Name)
	}
	if wf.MaxCycles != 3 {
		t.Errorf("wf.MaxCycles wrong. expected=3, got=%d", wf.MaxCycles)
	}
	if wf.Mode != ModeFresh {
		t.Errorf("wf.Mode wrong. expected=fresh, got=%s", wf.Mode)
	}
	if wf.ContextLimit != 0.8 {
		t.Errorf("wf.ContextLimit wrong. expected=0.8, got=%v", wf.ContextLimit)
	}
	if got := strings.Join(wf.Defaults.CompactPreserve, ","); got != "git-status,selected-task" {
		t.Errorf("CompactPreserve wrong. got=%q", got)
	}
	if len(wf.Context) != 3 || !wf.Context[2].Optional || wf.Context[0].Pattern != "@tracker.md" {
		t.Errorf("context patterns wrong: %+v", wf.Context)
	}
	if wf.Defaults.RunOnError != ErrorContinue || wf.Defaults.RunOutput != OutputOnError {
		t.Errorf("run defaults wrong: %+v", wf.Defaults)
	}
	if wf.Defaults.RunOutputLimit != 10240 || wf.Defaults.RunTimeout != 2*time.Minute {
		t.Errorf("limit/timeout defaults wrong: %+v", wf.Defaults)
	}

	if len(wf.Phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(wf.Phases))
	}

	triage := wf.Phases[0]
	if triage.Name != "triage" || len(triage.Steps) != 2 {
		t.Fatalf("triage phase wrong: %+v", triage)
	}
	status, ok := triage.Steps[1].(*RunStep)
	if !ok {
		t.Fatalf("expected *RunStep, got %T", triage.Steps[1])
	}
	if status.OnError != ErrorContinue || status.Timeout != 2*time.Minute || status.OutputLimit != 10240 {
		t.Errorf("inherited defaults wrong: %+v", status)
	}

	build := wf.Phases[1]
	if len(build.Steps) != 4 {
		t.Fatalf("expected 4 build steps, got %d", len(build.Steps))
	}
	test, ok := build.Steps[0].(*RunStep)
	if !ok {
		t.Fatalf("expected *RunStep, got %T", build.Steps[0])
	}
	if test.Timeout != 30*time.Second || test.OnError != ErrorStop {
		t.Errorf("local overrides wrong: timeout=%s onError=%s", test.Timeout, test.OnError)
	}
	if test.Output != OutputOnError {
		t.Errorf("expected inherited output mode on-error, got %s", test.Output)
	}

	branch, ok := build.Steps[1].(*BranchStep)
	if !ok {
		t.Fatalf("expected *BranchStep, got %T", build.Steps[1])
	}
	if branch.OnFailure == nil || len(branch.OnFailure.Steps) != 2 {
		t.Fatalf("ON-FAILURE body wrong: %+v", branch.OnFailure)
	}
	prompt := branch.OnFailure.Steps[0].(*PromptStep)
	if prompt.Text != "Tests failed.\nFix them." {
		t.Errorf("block prompt wrong. got=%q", prompt.Text)
	}
	retry := branch.OnFailure.Steps[1].(*RunStep)
	if retry.Timeout != 2*time.Minute {
		t.Errorf("overrides must not leak past the next RUN, got timeout=%s", retry.Timeout)
	}
	if branch.OnSuccess == nil || branch.OnSuccess.Steps[0].Kind() != StepCheckpoint {
		t.Errorf("ON-SUCCESS body wrong: %+v", branch.OnSuccess)
	}

	verify := build.Steps[2].(*VerifyStep)
	if verify.Verifier != "refs" || len(verify.Args) != 1 || verify.Args[0] != "docs" {
		t.Errorf("verify step wrong: %+v", verify)
	}
	if verify.OnError != ErrorStop || verify.Output != OutputOnError {
		t.Errorf("verify defaults wrong: %+v", verify)
	}

	pause := build.Steps[3].(*PauseStep)
	if pause.Message != "Review the changes" {
		t.Errorf("pause message wrong. got=%q", pause.Message)
	}
}

func TestParse_Deterministic(t *testing.T) {
	a, err := ParseString(fullWorkflow)
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	b, err := ParseString(fullWorkflow)
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("parsing the same source twice produced different workflows")
	}
}

func TestParse_ImplicitPhase(t *testing.T) {
	wf, err := ParseString("RUN echo hi\nPROMPT Summarize.\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	if len(wf.Phases) != 1 || wf.Phases[0].Name != "main" {
		t.Fatalf("expected implicit main phase, got %+v", wf.Phases)
	}
	if len(wf.Phases[0].Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(wf.Phases[0].Steps))
	}
}

func TestParse_ElideBranchConflict(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"elide then branch", "RUN make test\nELIDE\nON-FAILURE {\n  PROMPT fix\n}\nPROMPT next\n"},
		{"branch then elide", "RUN make test\nON-FAILURE {\n  PROMPT fix\n}\nELIDE\nPROMPT next\n"},
		{"elide then success branch", "VERIFY refs\nELIDE\nON-SUCCESS {\n  PROMPT ok\n}\nPROMPT next\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.input)
			if err == nil {
				t.Fatal("expected parse error, got nil")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if !strings.Contains(pe.Msg, "ELIDE") {
				t.Errorf("error should name ELIDE, got %q", pe.Msg)
			}
		})
	}
}

func TestParse_Elide(t *testing.T) {
	wf, err := ParseString("RUN git diff\nELIDE\nPROMPT Review the diff above.\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	run := wf.Phases[0].Steps[0].(*RunStep)
	if !run.Elide {
		t.Error("expected RUN to be elided")
	}

	if _, err := ParseString("PROMPT last\nELIDE\n"); err == nil {
		t.Error("expected error for ELIDE on the last step")
	}
	if _, err := ParseString("ELIDE\nPROMPT first\n"); err == nil {
		t.Error("expected error for ELIDE with no previous step")
	}
}

func TestParse_MalformedLiterals(t *testing.T) {
	tests := []string{
		"RUN-TIMEOUT 30x\nRUN ls\n",
		"RUN-TIMEOUT 0\nRUN ls\n",
		"RUN-TIMEOUT 1.5m\nRUN ls\n",
		"RUN-OUTPUT-LIMIT 10Q\nRUN ls\n",
		"RUN-OUTPUT-LIMIT -5K\nRUN ls\n",
		"RUN-OUTPUT-LIMIT K\nRUN ls\n",
		"RUN-ON-ERROR maybe\nRUN ls\n",
		"RUN-OUTPUT sometimes\nRUN ls\n",
		"ALLOW-SHELL perhaps\nRUN ls\n",
		"ON-CONTEXT-LIMIT explode\nRUN ls\n",
		"CONTEXT-LIMIT 150%\nRUN ls\n",
		"MAX-CYCLES zero\nRUN ls\n",
		"SESSION-MODE sometimes\nRUN ls\n",
	}

	for _, input := range tests {
		_, err := ParseString(input)
		if err == nil {
			t.Errorf("expected parse error for %q", input)
			continue
		}
		var pe *ParseError
		if !errors.As(err, &pe) || pe.Line != 1 {
			t.Errorf("expected *ParseError on line 1 for %q, got %v", input, err)
		}
	}
}

func TestParse_OutputLimitNone(t *testing.T) {
	wf, err := ParseString("RUN-OUTPUT-LIMIT 10K\nPHASE p\nRUN-OUTPUT-LIMIT none\nRUN ls\nRUN pwd\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	steps := wf.Phases[0].Steps
	if got := steps[0].(*RunStep).OutputLimit; got != 0 {
		t.Errorf("expected local none to clear the limit, got %d", got)
	}
	if got := steps[1].(*RunStep).OutputLimit; got != 10240 {
		t.Errorf("expected default limit 10240, got %d", got)
	}
}

func TestParse_UnknownDirective(t *testing.T) {
	input := "RUN ls\nFROBNICATE hard\nPROMPT done\n"

	_, err := ParseString(input)
	if err == nil {
		t.Fatal("expected error for unknown directive")
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Line != 2 {
		t.Errorf("expected *ParseError on line 2, got %v", err)
	}

	wf, err := ParseStringWithOptions(input, Options{Unknown: UnknownWarn})
	if err != nil {
		t.Fatalf("warn policy should not fail: %v", err)
	}
	if len(wf.Warnings) != 1 || !strings.Contains(wf.Warnings[0], "FROBNICATE") {
		t.Errorf("expected one warning naming FROBNICATE, got %v", wf.Warnings)
	}
	if wf.StepCount() != 2 {
		t.Errorf("expected 2 steps, got %d", wf.StepCount())
	}
}

func TestParse_DanglingModifier(t *testing.T) {
	_, err := ParseString("PHASE p\nRUN ls\nRUN-TIMEOUT 5\n")
	if err == nil || !strings.Contains(err.Error(), "not followed by a RUN") {
		t.Errorf("expected dangling modifier error, got %v", err)
	}

	_, err = ParseString("PHASE p\nRUN ls\nVERIFY-LIMIT 5K\nPHASE q\nVERIFY refs\n")
	if err == nil || !strings.Contains(err.Error(), "not followed by a VERIFY") {
		t.Errorf("modifiers must not cross phases, got %v", err)
	}
}

func TestParse_BranchPlacement(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"first step", "ON-FAILURE {\n  RUN x\n}\n", "must follow"},
		{"after prompt", "PROMPT hi\nON-FAILURE {\n  RUN x\n}\n", "must follow a RUN or VERIFY"},
		{"duplicate", "RUN a\nON-FAILURE {\n  RUN x\n}\nON-FAILURE {\n  RUN y\n}\n", "duplicate ON-FAILURE"},
		{"unterminated", "RUN a\nON-FAILURE {\n  RUN x\n", "unterminated"},
		{"missing brace", "RUN a\nON-FAILURE\n", "expected {"},
		{"pause in block", "RUN a\nON-FAILURE {\n  PAUSE stop\n}\n", "PAUSE is not allowed"},
		{"header in block", "RUN a\nON-FAILURE {\n  CONTEXT x.md\n}\n", "top level"},
		{"stray brace", "RUN a\n}\n", "unexpected }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.input)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestParse_NestedBranch(t *testing.T) {
	input := `RUN make
ON-FAILURE {
  RUN make clean
  ON-FAILURE {
    PROMPT Clean failed too.
  }
}
`
	wf, err := ParseString(input)
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	outer := wf.Phases[0].Steps[1].(*BranchStep)
	inner, ok := outer.OnFailure.Steps[1].(*BranchStep)
	if !ok {
		t.Fatalf("expected nested *BranchStep, got %T", outer.OnFailure.Steps[1])
	}
	if inner.OnFailure == nil || inner.OnSuccess != nil {
		t.Errorf("nested branch wrong: %+v", inner)
	}
}

func TestParse_RunState(t *testing.T) {
	wf, err := ParseString("PHASE p\nRUN-STATE selected-task\nRUN cat TASK\nRUN ls\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	steps := wf.Phases[0].Steps
	if steps[0].(*RunStep).StateKey != "selected-task" {
		t.Errorf("expected state key on first RUN, got %q", steps[0].(*RunStep).StateKey)
	}
	if steps[1].(*RunStep).StateKey != "" {
		t.Errorf("state key leaked to second RUN")
	}

	if _, err := ParseString("RUN-STATE key\nRUN ls\n"); err == nil {
		t.Error("expected error for RUN-STATE in the header")
	}
}

func TestParse_ShellGroup(t *testing.T) {
	wf, err := ParseString("PHASE p\nALLOW-SHELL true\nRUN { make; make test; }\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	run, ok := wf.Phases[0].Steps[0].(*RunStep)
	if !ok {
		t.Fatalf("expected *RunStep, got %T", wf.Phases[0].Steps[0])
	}
	if run.Command != "{ make; make test; }" || !run.AllowShell {
		t.Errorf("expected shell group command, got %+v", run)
	}
}

func TestParse_CompactAndConversationSteps(t *testing.T) {
	wf, err := ParseString("PROMPT a\nCOMPACT findings\nNEW-CONVERSATION\nPROMPT b\n")
	if err != nil {
		t.Fatalf("parser error: %v", err)
	}
	steps := wf.Phases[0].Steps
	compact := steps[1].(*CompactStep)
	if len(compact.Preserve) != 1 || compact.Preserve[0] != "findings" {
		t.Errorf("compact preserve wrong: %v", compact.Preserve)
	}
	if steps[2].Kind() != StepNewConversation {
		t.Errorf("expected NEW-CONVERSATION, got %s", steps[2].Kind())
	}

	if _, err := ParseString("NEW-CONVERSATION now\n"); err == nil {
		t.Error("expected error for NEW-CONVERSATION with an argument")
	}
}

func TestParse_RequiredArguments(t *testing.T) {
	for _, input := range []string{"RUN\n", "PROMPT\n", "VERIFY\n", "PHASE\nRUN ls\n", "NAME\n"} {
		if _, err := ParseString(input); err == nil || !strings.Contains(err.Error(), "requires an argument") {
			t.Errorf("expected missing argument error for %q, got %v", input, err)
		}
	}
}
