package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/contextmgr"
	"github.com/vinayprograms/conductor/internal/directive"
)

func newSession(t *testing.T, mock *agent.Mock, snap *contextmgr.Snapshot, workspace string) *Session {
	t.Helper()
	s, err := New(context.Background(), Config{
		Agent:   mock,
		Mode:    directive.ModeAccumulate,
		Context: snap,
		Record:  NewRecord("test", "accumulate", 1),
		Capture: &Capturer{Workspace: workspace},
	})
	if err != nil {
		t.Fatalf("new session error: %v", err)
	}
	return s
}

func loadSnapshot(t *testing.T, dir string, files map[string]string) *contextmgr.Snapshot {
	t.Helper()
	var patterns []contextmgr.Pattern
	for name, content := range files {
		os.WriteFile(filepath.Join(dir, name), []byte(content), 0644)
		patterns = append(patterns, contextmgr.Pattern{Pattern: name})
	}
	snap, err := contextmgr.New(contextmgr.Options{BasePath: dir}).Load(patterns)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	return snap
}

func TestSession_PrimesFirstPromptOnly(t *testing.T) {
	dir := t.TempDir()
	mock := agent.NewMock("ok")
	s := newSession(t, mock, loadSnapshot(t, dir, map[string]string{"tracker.md": "TRACKER v1"}), dir)

	s.Send(context.Background(), "first")
	s.Send(context.Background(), "second")

	texts := mock.Texts()
	if !strings.Contains(texts[0], "TRACKER v1") || !strings.HasSuffix(texts[0], "first") {
		t.Errorf("expected context before first prompt, got %q", texts[0])
	}
	if strings.Contains(texts[1], "TRACKER") {
		t.Errorf("expected second prompt without context, got %q", texts[1])
	}
}

func TestSession_InjectDeliveredOnce(t *testing.T) {
	mock := agent.NewMock("ok")
	s := newSession(t, mock, nil, t.TempDir())

	s.Inject("$ make test\n[exit 1]")
	s.Inject("   ")
	s.Send(context.Background(), "fix it")
	s.Send(context.Background(), "again")

	texts := mock.Texts()
	if texts[0] != "$ make test\n[exit 1]\n\nfix it" {
		t.Errorf("unexpected first prompt: %q", texts[0])
	}
	if texts[1] != "again" {
		t.Errorf("expected injection consumed, got %q", texts[1])
	}
}

func TestSession_FailedSendKeepsPending(t *testing.T) {
	mock := &agent.Mock{RateLimitAfter: 1}
	s := newSession(t, mock, nil, t.TempDir())

	s.Send(context.Background(), "one")
	s.Inject("output")
	if _, err := s.Send(context.Background(), "two"); !errors.Is(err, agent.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if len(s.Pending()) != 1 {
		t.Errorf("expected pending content kept after failed send, got %v", s.Pending())
	}
}

func TestSession_Counters(t *testing.T) {
	mock := agent.NewMock("a response")
	s := newSession(t, mock, nil, t.TempDir())

	s.Send(context.Background(), "hello")
	s.RecordTool(false)
	s.RecordTool(true)
	before := s.Counters()
	s.Send(context.Background(), "world")

	c := s.Counters()
	if c.Turns != 2 || c.ToolCalls != 2 || c.ToolFailures != 1 {
		t.Errorf("unexpected counters: %+v", c)
	}
	if c.TokensIn == 0 || c.TokensOut == 0 {
		t.Errorf("expected token accounting, got %+v", c)
	}
	if d := c.Sub(before); d.Turns != 1 || d.ToolCalls != 0 {
		t.Errorf("unexpected delta: %+v", d)
	}
}

func TestSession_Usage(t *testing.T) {
	mock := agent.NewMock(strings.Repeat("word ", 50))
	s, _ := New(context.Background(), Config{Agent: mock, TokenLimit: 100})

	if s.Usage() != 0 {
		t.Errorf("expected zero usage before any turn")
	}
	s.Send(context.Background(), "hello")
	if s.Usage() <= 0 {
		t.Errorf("expected usage to grow, got %f", s.Usage())
	}
	if s.Mode() != directive.ModeAccumulate {
		t.Errorf("expected default mode accumulate, got %s", s.Mode())
	}
}

func TestSession_CompactPreservesState(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, ".conductor", "state"), 0755)
	os.WriteFile(filepath.Join(dir, ".conductor", "state", "findings"), []byte("3 broken links"), 0644)

	mock := agent.NewMock("ok")
	s := newSession(t, mock, nil, dir)
	s.SetState("selected-task", "task-42")
	s.Send(context.Background(), "work")

	c, err := s.Compact(context.Background(), TriggerStep, []string{"selected-task", "findings", "missing-key"}, "")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}

	// Live state changed after the boundary must not leak into the capture.
	s.SetState("selected-task", "task-43")

	if c.Preserved["selected-task"] != "task-42" || c.Preserved["findings"] != "3 broken links" {
		t.Errorf("unexpected preserved values: %v", c.Preserved)
	}
	if len(c.Omissions) != 1 || c.Omissions[0].Key != "missing-key" {
		t.Errorf("expected missing-key omission, got %+v", c.Omissions)
	}
	if len(s.Omissions()) != 1 {
		t.Errorf("expected omission recorded on session, got %+v", s.Omissions())
	}

	s.Send(context.Background(), "continue")
	texts := mock.Texts()
	post := texts[len(texts)-1]
	for _, want := range []string{"[Compaction summary]", "[Preserved state]", "### selected-task\n```\ntask-42\n```", "3 broken links", "missing-key not available"} {
		if !strings.Contains(post, want) {
			t.Errorf("expected post-compaction prompt to contain %q:\n%s", want, post)
		}
	}
	if strings.Contains(post, "task-43") {
		t.Error("post-compaction prompt must carry the captured value")
	}
	if s.Counters().Compactions != 1 {
		t.Errorf("expected 1 compaction, got %d", s.Counters().Compactions)
	}
}

func TestSession_CompactShrinksContext(t *testing.T) {
	a := agent.NewExecAgent("sh -c \"cat > /dev/null; echo short summary\"", "", 0)
	s, err := New(context.Background(), Config{Agent: a, TokenLimit: 200})
	if err != nil {
		t.Fatalf("new session error: %v", err)
	}

	if _, err := s.Send(context.Background(), strings.Repeat("lengthy build output ", 100)); err != nil {
		t.Fatalf("send error: %v", err)
	}
	usage := s.Usage()
	if usage < 1 {
		t.Fatalf("expected usage over the limit before compaction, got %f", usage)
	}

	c, err := s.Compact(context.Background(), TriggerContextLimit, nil, "")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if c.TokensAfter >= c.TokensBefore {
		t.Errorf("expected compaction to shrink context, before=%d, got=%d", c.TokensBefore, c.TokensAfter)
	}
	if s.Usage() >= usage || s.Usage() >= 1 {
		t.Errorf("expected usage to drop below the limit, before=%f, got=%f", usage, s.Usage())
	}
}

func TestSession_CompactRepeatsContext(t *testing.T) {
	dir := t.TempDir()
	mock := agent.NewMock("ok")
	s := newSession(t, mock, loadSnapshot(t, dir, map[string]string{"notes.md": "NOTES"}), dir)

	s.Send(context.Background(), "one")
	if _, err := s.Compact(context.Background(), TriggerCycle, nil, ""); err != nil {
		t.Fatalf("compact error: %v", err)
	}
	s.Send(context.Background(), "two")

	texts := mock.Texts()
	if !strings.Contains(texts[1], "NOTES") || !strings.Contains(texts[1], "[Compaction summary]") {
		t.Errorf("expected context and summary after compaction, got %q", texts[1])
	}
}

func TestSession_CompactFailureLeavesSessionUnchanged(t *testing.T) {
	mock := &agent.Mock{RateLimitAfter: 1}
	s := newSession(t, mock, nil, t.TempDir())
	s.Send(context.Background(), "one")
	s.Inject("queued")

	_, err := s.Compact(context.Background(), TriggerContextLimit, []string{"x"}, "")
	if !errors.Is(err, agent.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if p := s.Pending(); len(p) != 1 || p[0] != "queued" {
		t.Errorf("expected pending untouched, got %v", p)
	}
	if s.Counters().Compactions != 0 || len(s.Omissions()) != 0 {
		t.Errorf("expected no compaction recorded, got %+v", s.Counters())
	}
}

func TestSession_Reset(t *testing.T) {
	dir := t.TempDir()
	mock := agent.NewMock("ok")
	s := newSession(t, mock, loadSnapshot(t, dir, map[string]string{"tracker.md": "v1"}), dir)
	s.SetState("task", "t1")

	s.Send(context.Background(), "one")
	first := s.ConversationID()
	s.Inject("stale output")

	if _, err := s.Reset(context.Background(), TriggerFresh, []string{"task"}); err != nil {
		t.Fatalf("reset error: %v", err)
	}
	if s.ConversationID() == first || mock.Conversations() != 2 {
		t.Errorf("expected a new conversation")
	}

	s.Send(context.Background(), "two")
	texts := mock.Texts()
	second := texts[len(texts)-1]
	if !strings.Contains(second, "v1") || !strings.Contains(second, "### task") {
		t.Errorf("expected context and preserved state in new conversation, got %q", second)
	}
	if strings.Contains(second, "stale output") {
		t.Error("queued content must not cross a reset")
	}
}

func TestCapturer_GitKeys(t *testing.T) {
	dir := t.TempDir()
	c := &Capturer{Workspace: dir}

	// Not a repository: the git key is reported as an error, never a panic.
	if _, err := c.Capture(context.Background(), "git-head", nil); err == nil {
		t.Error("expected git-head to fail outside a repository")
	}
	if _, err := c.Capture(context.Background(), "../escape", nil); err == nil {
		t.Error("expected invalid key error")
	}
	if _, err := c.Capture(context.Background(), "absent", nil); !errors.Is(err, errNoSource) {
		t.Errorf("expected errNoSource, got %v", err)
	}
	if v, err := c.Capture(context.Background(), "git-head", map[string]string{"git-head": "abc"}); err != nil || v != "abc" {
		t.Errorf("expected live state to win, got %q %v", v, err)
	}
}

func TestCompaction_Message(t *testing.T) {
	c := &Compaction{
		Summary:   "did things",
		Keys:      []string{"b", "a"},
		Preserved: map[string]string{"a": "1", "b": "2\n"},
	}
	expected := "[Compaction summary]\ndid things\n\n[Preserved state]\n### b\n```\n2\n```\n### a\n```\n1\n```\n"
	if got := c.Message(); got != expected {
		t.Errorf("unexpected message:\n%q\nexpected:\n%q", got, expected)
	}
}
