package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecute_ArgvMode(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: `echo "hello world"`})

	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Summary())
	}
	if res.Stdout != "hello world\n" {
		t.Errorf("expected stdout=%q, got=%q", "hello world\n", res.Stdout)
	}
}

func TestExecute_ArgvModeHasNoShell(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: "echo a | tr a b"})

	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Summary())
	}
	// The pipe is passed to echo as literal arguments.
	if strings.TrimSpace(res.Stdout) != "a | tr a b" {
		t.Errorf("expected literal arguments, got=%q", res.Stdout)
	}
}

func TestExecute_ShellMode(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: "echo a | tr a b", AllowShell: true})

	if strings.TrimSpace(res.Stdout) != "b" {
		t.Errorf("expected stdout=%q, got=%q", "b", res.Stdout)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: "echo oops >&2; exit 3", AllowShell: true})

	if res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", res.ExitCode)
	}
	if !res.Failed() {
		t.Error("expected Failed() to be true")
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("expected stderr to contain oops, got=%q", res.Stderr)
	}
}

func TestExecute_CommandNotFound(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: "conductor-no-such-command --flag"})

	if res.ExitCode != ExitNotFound {
		t.Errorf("expected exit code %d, got %d", ExitNotFound, res.ExitCode)
	}
	if res.StartErr == "" {
		t.Error("expected StartErr to be set")
	}
	if !res.Failed() {
		t.Error("expected Failed() to be true")
	}
}

func TestExecute_TimeoutKeepsPartialOutput(t *testing.T) {
	r := New(Options{})
	start := time.Now()
	res := r.Execute(context.Background(), Request{
		Command:    "echo partial; sleep 5",
		AllowShell: true,
		Timeout:    time.Second,
	})

	if !res.TimedOut {
		t.Fatalf("expected timeout, got %s", res.Summary())
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("expected stdout to contain partial, got=%q", res.Stdout)
	}
	if !strings.Contains(res.PartialOutput(), "partial") {
		t.Errorf("expected partial output, got=%q", res.PartialOutput())
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout was not enforced, took %s", elapsed)
	}
}

func TestExecute_OutputLimit(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{
		Command:     "head -c 20000 /dev/zero | tr '\\0' a",
		AllowShell:  true,
		OutputLimit: 10 * 1024,
	})

	if len(res.Stdout) > 10240 {
		t.Errorf("expected at most 10240 bytes, got %d", len(res.Stdout))
	}
	if res.Elided != 20000-10240 {
		t.Errorf("expected elided=%d, got=%d", 20000-10240, res.Elided)
	}
	if len(res.FullStdout) != 20000 {
		t.Errorf("expected full capture of 20000 bytes, got %d", len(res.FullStdout))
	}
	if !strings.Contains(res.Format(), "bytes elided") {
		t.Error("expected formatted output to mention elided bytes")
	}
}

func TestExecute_OutputLimitSharedAcrossStreams(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{
		Command:     "head -c 6000 /dev/zero | tr '\\0' o; head -c 6000 /dev/zero | tr '\\0' e >&2",
		AllowShell:  true,
		OutputLimit: 10 * 1024,
	})

	total := len(res.Stdout) + len(res.Stderr)
	if total > 10240 {
		t.Errorf("expected at most 10240 bytes across streams, got %d", total)
	}
	if res.Elided != 12000-10240 {
		t.Errorf("expected elided=%d, got=%d", 12000-10240, res.Elided)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	r := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	res := r.Execute(ctx, Request{Command: "echo started; sleep 5", AllowShell: true})
	if !res.Interrupted {
		t.Fatalf("expected interrupted, got %s", res.Summary())
	}
	if !strings.Contains(res.PartialOutput(), "started") {
		t.Errorf("expected partial output, got=%q", res.PartialOutput())
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := New(Options{DefaultTimeout: time.Minute, MaxTimeout: 5 * time.Minute})

	tests := []struct {
		requested time.Duration
		expected  time.Duration
	}{
		{0, time.Minute},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := r.Timeout(tt.requested); got != tt.expected {
			t.Errorf("Timeout(%s): expected=%s, got=%s", tt.requested, tt.expected, got)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
		wantErr  bool
	}{
		{"go test ./...", []string{"go", "test", "./..."}, false},
		{`echo "a b" c`, []string{"echo", "a b", "c"}, false},
		{`grep 'x y' file`, []string{"grep", "x y", "file"}, false},
		{`echo "unterminated`, nil, true},
		{"   ", nil, true},
	}

	for _, tt := range tests {
		got, err := SplitCommand(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("SplitCommand(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitCommand(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if strings.Join(got, "|") != strings.Join(tt.expected, "|") {
			t.Errorf("SplitCommand(%q): expected=%q, got=%q", tt.input, tt.expected, got)
		}
	}
}

func TestTail_RuneBoundary(t *testing.T) {
	b := []byte("aé") // 'é' is two bytes
	out, dropped := tail(b, 1)
	if len(out) != 0 || dropped != 3 {
		t.Errorf("expected empty tail with 3 dropped, got=%q dropped=%d", out, dropped)
	}

	out, dropped = tail(b, 2)
	if string(out) != "é" || dropped != 1 {
		t.Errorf("expected tail=%q dropped=1, got=%q dropped=%d", "é", out, dropped)
	}
}

func TestExecute_Stdin(t *testing.T) {
	r := New(Options{})
	res := r.Execute(context.Background(), Request{Command: "cat", Stdin: "from stdin"})

	if res.Stdout != "from stdin" {
		t.Errorf("expected stdout=%q, got=%q", "from stdin", res.Stdout)
	}
}
