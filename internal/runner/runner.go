// Package runner executes workflow commands with a timeout, concurrent
// output capture and output limiting.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/vinayprograms/agentkit/logging"
)

const (
	// DefaultTimeout is the ceiling applied when a step sets no timeout.
	DefaultTimeout = 10 * time.Minute

	// ExitNotFound is reported when the executable does not exist.
	ExitNotFound = 127

	// waitDelay bounds how long Wait blocks on pipes held open by
	// descendants after the process itself has been killed.
	waitDelay = 2 * time.Second
)

// Request describes one command execution.
type Request struct {
	Command     string
	AllowShell  bool
	Timeout     time.Duration // 0 = the runner's default ceiling
	OutputLimit int64         // bytes, 0 = unlimited
	Dir         string
	Env         []string // extra KEY=VALUE entries
	Stdin       string
}

// Options configure a Runner.
type Options struct {
	Shell          string        // shell used when AllowShell is set (default "sh")
	DefaultTimeout time.Duration // applied when a request has no timeout
	MaxTimeout     time.Duration // hard ceiling for any request, 0 = none
	Dir            string        // default working directory

	// Logger is the base logger, nil = agentkit default on stdout.
	Logger *logging.Logger
}

// Runner executes commands. It never returns an error for process
// failures: not found, non-zero exit and timeout are all data on Result.
type Runner struct {
	opts   Options
	logger *logging.Logger
}

// New creates a runner.
func New(opts Options) *Runner {
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New()
	}
	return &Runner{
		opts:   opts,
		logger: logger.WithComponent("runner"),
	}
}

// Timeout returns the effective timeout for a request.
func (r *Runner) Timeout(requested time.Duration) time.Duration {
	t := requested
	if t <= 0 {
		t = r.opts.DefaultTimeout
	}
	if r.opts.MaxTimeout > 0 && t > r.opts.MaxTimeout {
		t = r.opts.MaxTimeout
	}
	return t
}

// Execute runs the command. Cancelling ctx kills the process group and the
// output captured so far is still returned.
func (r *Runner) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{
		Command: req.Command,
		Shell:   req.AllowShell,
		Timeout: r.Timeout(req.Timeout),
	}

	var argv []string
	if req.AllowShell {
		argv = []string{r.opts.Shell, "-c", req.Command}
	} else {
		var err error
		argv, err = SplitCommand(req.Command)
		if err != nil {
			res.ExitCode = -1
			res.StartErr = err.Error()
			res.Duration = time.Since(start)
			return res
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, res.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	if cmd.Dir == "" {
		cmd.Dir = r.opts.Dir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	var stdout, stderr captureBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Duration = time.Since(start)
	res.FullStdout = stdout.Bytes()
	res.FullStderr = stderr.Bytes()

	switch {
	case ctx.Err() != nil:
		res.Interrupted = true
		res.ExitCode = -1
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			res.ExitCode = ExitNotFound
			res.StartErr = fmt.Sprintf("command not found: %s", argv[0])
		case errors.Is(err, exec.ErrWaitDelay):
			// The process exited but a descendant kept a pipe open.
			res.ExitCode = cmd.ProcessState.ExitCode()
		default:
			res.ExitCode = -1
			res.StartErr = err.Error()
		}
	}

	res.applyLimit(req.OutputLimit)

	r.logger.Debug("command finished", map[string]interface{}{
		"command":   truncateForLog(req.Command, 200),
		"exit_code": res.ExitCode,
		"timed_out": res.TimedOut,
		"duration":  res.Duration.String(),
		"elided":    res.Elided,
	})
	return res
}

// SplitCommand tokenizes a command into an argument vector using POSIX
// shell quoting rules, without expansion, pipes or redirects.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("cannot tokenize command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// captureBuffer is a bytes.Buffer safe for the concurrent writes and reads
// that happen while a process is still running.
type captureBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of everything written so far.
func (b *captureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func truncateForLog(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
