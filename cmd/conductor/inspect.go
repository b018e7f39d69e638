package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/vinayprograms/conductor/internal/directive"
)

// runValidate parses a directive file and reports its shape.
func runValidate(out io.Writer, file, configPath string) error {
	w := &workflow{filePath: file, configPath: configPath}
	if err := w.load(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Valid: %s (%d phases, %d steps)\n", w.wf.Name, len(w.wf.Phases), w.wf.StepCount())
	for _, warning := range w.wf.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warning)
	}
	return nil
}

// runInspect shows the structure of a directive file.
func runInspect(out io.Writer, file, configPath string) error {
	w := &workflow{filePath: file, configPath: configPath}
	if err := w.load(); err != nil {
		return err
	}
	printWorkflowInfo(out, w.wf)
	return nil
}

func printWorkflowInfo(out io.Writer, wf *directive.Workflow) {
	fmt.Fprintf(out, "Workflow: %s\n\n", wf.Name)

	mode := "unset (config decides)"
	if wf.Mode != directive.ModeUnset {
		mode = wf.Mode.String()
	}
	fmt.Fprintf(out, "Session mode: %s\n", mode)
	if wf.MaxCycles > 0 {
		fmt.Fprintf(out, "Max cycles: %d\n", wf.MaxCycles)
	}
	if wf.Model != "" {
		fmt.Fprintf(out, "Model: %s\n", wf.Model)
	}
	if wf.Adapter != "" {
		fmt.Fprintf(out, "Adapter: %s\n", wf.Adapter)
	}
	if wf.ContextLimit > 0 {
		fmt.Fprintf(out, "Context limit: %.0f%%\n", wf.ContextLimit*100)
	}
	fmt.Fprintf(out, "On context limit: %s\n", wf.Defaults.OnContextLimit)
	if len(wf.Defaults.CompactPreserve) > 0 {
		fmt.Fprintf(out, "Compact preserve: %s\n", strings.Join(wf.Defaults.CompactPreserve, ", "))
	}
	fmt.Fprintln(out)

	if wf.HasContext() {
		fmt.Fprintln(out, "Context:")
		for _, c := range wf.Context {
			if c.Optional {
				fmt.Fprintf(out, "  - %s (optional)\n", c.Pattern)
			} else {
				fmt.Fprintf(out, "  - %s\n", c.Pattern)
			}
		}
		fmt.Fprintln(out)
	}

	if len(wf.Prologues) > 0 || len(wf.Epilogues) > 0 {
		fmt.Fprintf(out, "Prologues: %d, Epilogues: %d\n\n", len(wf.Prologues), len(wf.Epilogues))
	}

	fmt.Fprintln(out, "Phases:")
	for i, ph := range wf.Phases {
		name := ph.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(out, "  %d. %s\n", i+1, name)
		printSteps(out, ph.Steps, "     ")
	}

	if len(wf.Warnings) > 0 {
		fmt.Fprintln(out, "\nWarnings:")
		for _, warning := range wf.Warnings {
			fmt.Fprintf(out, "  - %s\n", warning)
		}
	}
}

func printSteps(out io.Writer, steps []directive.Step, indent string) {
	for _, step := range steps {
		fmt.Fprintf(out, "%s%s%s\n", indent, step.Kind(), stepDetail(step))
		b, ok := step.(*directive.BranchStep)
		if !ok {
			continue
		}
		if b.OnFailure != nil {
			fmt.Fprintf(out, "%s  on failure:\n", indent)
			printSteps(out, b.OnFailure.Steps, indent+"    ")
		}
		if b.OnSuccess != nil {
			fmt.Fprintf(out, "%s  on success:\n", indent)
			printSteps(out, b.OnSuccess.Steps, indent+"    ")
		}
	}
}

func stepDetail(step directive.Step) string {
	switch s := step.(type) {
	case *directive.PromptStep:
		return " " + oneLine(s.Text, 60)
	case *directive.RunStep:
		detail := " " + s.Command
		if s.StateKey != "" {
			detail += " [state: " + s.StateKey + "]"
		}
		if s.OnError != directive.ErrorStop {
			detail += " [on error: " + s.OnError.String() + "]"
		}
		return detail
	case *directive.VerifyStep:
		return " " + strings.TrimSpace(s.Verifier+" "+strings.Join(s.Args, " "))
	case *directive.PauseStep:
		return " " + oneLine(s.Message, 60)
	case *directive.CheckpointStep:
		return " " + s.Name
	case *directive.CompactStep:
		if len(s.Preserve) > 0 {
			return " preserve " + strings.Join(s.Preserve, ", ")
		}
	}
	return ""
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}
