package directive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vinayprograms/conductor/internal/runner"
)

// LoadOptions configures how directive files are loaded.
type LoadOptions struct {
	Unknown UnknownPolicy // policy for unrecognised directive names
}

// ValidationError lists every structural problem found in a parsed workflow.
type ValidationError struct {
	Errs []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation errors:\n  %s", strings.Join(e.Errs, "\n  "))
}

// ParseString parses directive source from a string. Unknown directives are errors.
func ParseString(input string) (*Workflow, error) {
	return ParseStringWithOptions(input, Options{})
}

// ParseStringWithOptions parses directive source with an explicit policy.
func ParseStringWithOptions(input string, opts Options) (*Workflow, error) {
	p := NewParserWithOptions(NewLexer(input), opts)
	return p.Parse()
}

// LoadFile loads, parses and validates a directive file.
func LoadFile(path string) (*Workflow, error) {
	return LoadFileWithOptions(path, LoadOptions{})
}

// LoadFileWithOptions loads a directive file with custom options.
func LoadFileWithOptions(path string, opts LoadOptions) (*Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	wf, err := ParseStringWithOptions(string(content), Options{Unknown: opts.Unknown})
	if err != nil {
		return nil, err
	}

	wf.BaseDir = filepath.Dir(path)
	if wf.Name == "" {
		base := filepath.Base(path)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if err := Validate(wf); err != nil {
		return nil, err
	}
	if err := validateReferences(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// Validate checks the structure of a parsed workflow.
func Validate(wf *Workflow) error {
	var errs []string

	if wf.StepCount() == 0 {
		errs = append(errs, "at least one step is required")
	}

	seen := make(map[string]int)
	for _, ph := range wf.Phases {
		if first, ok := seen[ph.Name]; ok {
			errs = append(errs, fmt.Sprintf("line %d: duplicate phase %q (first at line %d)", ph.Line, ph.Name, first))
		} else {
			seen[ph.Name] = ph.Line
		}
		if len(ph.Steps) == 0 {
			errs = append(errs, fmt.Sprintf("line %d: phase %q has no steps", ph.Line, ph.Name))
		}
		errs = append(errs, validateSteps(ph.Steps)...)
	}

	if wf.MaxCycles < 0 {
		errs = append(errs, "MAX-CYCLES must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

func validateSteps(steps []Step) []string {
	var errs []string
	for _, s := range steps {
		switch st := s.(type) {
		case *RunStep:
			if strings.TrimSpace(st.Command) == "" {
				errs = append(errs, fmt.Sprintf("line %d: RUN has an empty command", st.Line))
			}
			if !st.AllowShell {
				if _, err := runner.SplitCommand(st.Command); err != nil {
					errs = append(errs, fmt.Sprintf("line %d: RUN: %v", st.Line, err))
				}
			}
		case *BranchStep:
			if st.OnFailure != nil {
				errs = append(errs, validateSteps(st.OnFailure.Steps)...)
			}
			if st.OnSuccess != nil {
				errs = append(errs, validateSteps(st.OnSuccess.Steps)...)
			}
		}
	}
	return errs
}

// validateReferences checks that @file prologue and epilogue references exist.
func validateReferences(wf *Workflow) error {
	var errs []string
	check := func(kind string, refs []string) {
		for _, ref := range refs {
			if !strings.HasPrefix(ref, "@") {
				continue
			}
			path := strings.TrimPrefix(ref, "@")
			if !filepath.IsAbs(path) {
				path = filepath.Join(wf.BaseDir, path)
			}
			if _, err := os.Stat(path); err != nil {
				errs = append(errs, fmt.Sprintf("%s reference %q not found", kind, ref))
			}
		}
	}
	check("PROLOGUE", wf.Prologues)
	check("EPILOGUE", wf.Epilogues)

	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}
