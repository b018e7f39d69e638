package runner

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Result is the immutable record of one command execution.
type Result struct {
	Command     string        `json:"command"`
	Shell       bool          `json:"shell"`
	ExitCode    int           `json:"exit_code"` // -1 if the process did not exit on its own
	Stdout      string        `json:"stdout"`    // possibly truncated, possibly partial
	Stderr      string        `json:"stderr"`
	Elided      int64         `json:"elided_bytes,omitempty"`
	Duration    time.Duration `json:"duration"`
	Timeout     time.Duration `json:"timeout"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
	StartErr    string        `json:"start_error,omitempty"`

	// Untruncated capture, kept for local diagnostics only.
	FullStdout []byte `json:"-"`
	FullStderr []byte `json:"-"`
}

// Failed reports a non-zero exit, a timeout, an interrupt or a start failure.
func (r *Result) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut || r.Interrupted || r.StartErr != ""
}

// PartialOutput returns whatever the process wrote before it was stopped.
func (r *Result) PartialOutput() string {
	if !r.TimedOut && !r.Interrupted {
		return ""
	}
	return joinStreams(r.Stdout, r.Stderr)
}

// Output returns the returned (limited) stdout and stderr together.
func (r *Result) Output() string {
	return joinStreams(r.Stdout, r.Stderr)
}

// Summary is a one-line status, e.g. "exit 1 after 2.1s".
func (r *Result) Summary() string {
	switch {
	case r.StartErr != "":
		return r.StartErr
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s", r.Timeout)
	case r.Interrupted:
		return fmt.Sprintf("interrupted after %s", r.Duration.Round(time.Millisecond))
	default:
		return fmt.Sprintf("exit %d after %s", r.ExitCode, r.Duration.Round(time.Millisecond))
	}
}

// Format renders the result as it is injected into a session.
func (r *Result) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "$ %s\n", r.Command)
	fmt.Fprintf(&sb, "[%s]\n", r.Summary())
	if r.Elided > 0 {
		fmt.Fprintf(&sb, "[... %d bytes elided ...]\n", r.Elided)
	}
	if r.Stdout != "" {
		sb.WriteString(r.Stdout)
		if !strings.HasSuffix(r.Stdout, "\n") {
			sb.WriteByte('\n')
		}
	}
	if r.Stderr != "" {
		sb.WriteString("[stderr]\n")
		sb.WriteString(r.Stderr)
		if !strings.HasSuffix(r.Stderr, "\n") {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// applyLimit fills Stdout and Stderr from the full capture within a shared
// byte budget. Each stream keeps its tail, stdout is served first, and the
// number of dropped bytes is recorded in Elided.
func (r *Result) applyLimit(limit int64) {
	if limit <= 0 {
		r.Stdout = string(r.FullStdout)
		r.Stderr = string(r.FullStderr)
		return
	}

	budget := limit
	out, dropped := tail(r.FullStdout, budget)
	r.Stdout = string(out)
	r.Elided += dropped
	budget -= int64(len(out))

	errOut, dropped := tail(r.FullStderr, budget)
	r.Stderr = string(errOut)
	r.Elided += dropped
}

// tail returns at most n trailing bytes of b, aligned to a rune boundary,
// and how many bytes were dropped.
func tail(b []byte, n int64) ([]byte, int64) {
	if n <= 0 {
		return nil, int64(len(b))
	}
	if int64(len(b)) <= n {
		return b, 0
	}
	start := len(b) - int(n)
	for start < len(b) && !utf8.RuneStart(b[start]) {
		start++
	}
	return b[start:], int64(start)
}

func joinStreams(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	case strings.HasSuffix(stdout, "\n"):
		return stdout + stderr
	default:
		return stdout + "\n" + stderr
	}
}
