package verify

import (
	"fmt"
	"sort"
	"strings"
)

// Finding is one problem reported by a verifier.
type Finding struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
	FixHint string `json:"fix_hint,omitempty"`
}

// String formats the finding as "file:line: message".
func (f Finding) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if loc == "" {
		return f.Message
	}
	return loc + ": " + f.Message
}

// Result is the structured outcome of one verifier run.
type Result struct {
	Verifier string         `json:"verifier"`
	Passed   bool           `json:"passed"`
	Errors   []Finding      `json:"errors,omitempty"`
	Warnings []Finding      `json:"warnings,omitempty"`
	Summary  string         `json:"summary"`
	Details  map[string]int `json:"details,omitempty"`
}

func newResult(name string) *Result {
	return &Result{Verifier: name, Details: make(map[string]int)}
}

func (r *Result) addError(f Finding) {
	r.Errors = append(r.Errors, f)
}

func (r *Result) addWarning(f Finding) {
	r.Warnings = append(r.Warnings, f)
}

// finish sets Passed and a default summary from the findings.
func (r *Result) finish() *Result {
	r.Passed = len(r.Errors) == 0
	if r.Summary == "" {
		r.Summary = fmt.Sprintf("%d errors, %d warnings", len(r.Errors), len(r.Warnings))
	}
	return r
}

// Markdown renders the result as it is injected into a session.
func (r *Result) Markdown() string {
	var sb strings.Builder
	status := "✅ Passed"
	if !r.Passed {
		status = "❌ Failed"
	}
	fmt.Fprintf(&sb, "## Verification: %s\n\n", r.Verifier)
	fmt.Fprintf(&sb, "**Status:** %s\n", status)
	fmt.Fprintf(&sb, "**Summary:** %s\n", r.Summary)

	if len(r.Errors) > 0 {
		sb.WriteString("\n### Errors\n\n")
		writeFindings(&sb, r.Errors)
	}
	if len(r.Warnings) > 0 {
		sb.WriteString("\n### Warnings\n\n")
		writeFindings(&sb, r.Warnings)
	}
	if len(r.Details) > 0 {
		sb.WriteString("\n### Details\n\n")
		keys := make([]string, 0, len(r.Details))
		for k := range r.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %d\n", k, r.Details[k])
		}
	}
	return sb.String()
}

func writeFindings(sb *strings.Builder, findings []Finding) {
	for _, f := range findings {
		fmt.Fprintf(sb, "- %s\n", f)
		if f.FixHint != "" {
			fmt.Fprintf(sb, "  - Fix: %s\n", f.FixHint)
		}
	}
}
