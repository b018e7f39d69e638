package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/conductor/internal/runner"
)

// Compaction triggers.
const (
	TriggerCycle           = "cycle"         // compact mode, after every cycle
	TriggerContextLimit    = "context-limit" // ON-CONTEXT-LIMIT compact
	TriggerStep            = "step"          // COMPACT step
	TriggerFresh           = "fresh"         // fresh mode, new conversation per cycle
	TriggerNewConversation = "new-conversation"
)

// CompactionOmission records a COMPACT-PRESERVE key that could not be
// captured. It is a warning, never a failure of the compaction.
type CompactionOmission struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

func (o CompactionOmission) Error() string {
	return fmt.Sprintf("preserved key %q not captured: %s", o.Key, o.Reason)
}

// Compaction describes one completed compaction event.
type Compaction struct {
	Trigger      string
	Summary      string
	Keys         []string          // declared preserve keys, in order
	Preserved    map[string]string // values captured right before compaction
	Omissions    []CompactionOmission
	TokensBefore int
	TokensAfter  int
	At           time.Time
}

// Message is what is re-injected into the session after compaction.
func (c *Compaction) Message() string {
	var sb strings.Builder
	if c.Summary != "" {
		sb.WriteString("[Compaction summary]\n")
		sb.WriteString(strings.TrimSpace(c.Summary))
		sb.WriteString("\n")
	}
	if len(c.Keys) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[Preserved state]\n")
		for _, key := range c.Keys {
			value, ok := c.Preserved[key]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n", key, strings.TrimRight(value, "\n"))
		}
		for _, o := range c.Omissions {
			fmt.Fprintf(&sb, "(%s not available: %s)\n", o.Key, o.Reason)
		}
	}
	return sb.String()
}

var errNoSource = errors.New("no source for key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// Capturer reads preserved state values. Sources, in order: live state
// recorded by RUN-STATE, the built-in git keys, then the file
// <StateDir>/<key>.
type Capturer struct {
	Workspace string
	StateDir  string // default <Workspace>/.conductor/state
	Runner    *runner.Runner
}

var builtinKeys = map[string]string{
	"git-status": "git status --porcelain",
	"git-head":   "git rev-parse HEAD",
	"git-branch": "git rev-parse --abbrev-ref HEAD",
	"git-diff":   "git diff --stat",
}

// Capture returns the current value for key.
func (c *Capturer) Capture(ctx context.Context, key string, live map[string]string) (string, error) {
	if v, ok := live[key]; ok {
		return v, nil
	}

	if command, ok := builtinKeys[key]; ok {
		r := c.Runner
		if r == nil {
			r = runner.New(runner.Options{})
		}
		res := r.Execute(ctx, runner.Request{Command: command, Dir: c.Workspace, Timeout: 30 * time.Second})
		if res.Failed() {
			return "", fmt.Errorf("%s: %s", command, firstLine(res.Stderr, res.Summary()))
		}
		return res.Stdout, nil
	}

	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("invalid key name")
	}
	dir := c.StateDir
	if dir == "" {
		dir = filepath.Join(c.Workspace, ".conductor", "state")
	}
	data, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errNoSource
		}
		return "", err
	}
	return string(data), nil
}

func firstLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// captureState copies every declared key. Values are strings, so later
// changes to live state cannot reach a boundary already crossed.
func (s *Session) captureState(ctx context.Context, keys []string) (map[string]string, []CompactionOmission) {
	live := s.State()
	captured := make(map[string]string, len(keys))
	var omissions []CompactionOmission
	for _, key := range keys {
		value, err := s.capture.Capture(ctx, key, live)
		if err != nil {
			reason := err.Error()
			if errors.Is(err, errNoSource) {
				reason = "no live state, built-in or state file"
			}
			omissions = append(omissions, CompactionOmission{Key: key, Reason: reason})
			continue
		}
		captured[key] = value
	}
	return captured, omissions
}

// Compact runs the compaction protocol on the current conversation:
// capture preserved keys, summarize, then queue the summary and the
// captured values so they reach the agent before anything else. If the
// agent fails to summarize, the session is left exactly as it was.
func (s *Session) Compact(ctx context.Context, trigger string, preserve []string, instructions string) (*Compaction, error) {
	captured, omissions := s.captureState(ctx, preserve)

	s.mu.Lock()
	conv := s.conv
	before := s.ctxTokens
	s.mu.Unlock()

	summary, resp, err := conv.Compact(ctx, instructions)
	if err != nil {
		return nil, fmt.Errorf("compaction failed: %w", err)
	}

	c := &Compaction{
		Trigger:      trigger,
		Summary:      summary,
		Keys:         append([]string(nil), preserve...),
		Preserved:    captured,
		Omissions:    omissions,
		TokensBefore: before,
		At:           time.Now(),
	}

	s.mu.Lock()
	s.counters.Turns++
	s.counters.TokensIn += resp.TokensIn
	s.counters.TokensOut += resp.TokensOut
	s.counters.Compactions++
	s.ctxTokens = resp.ContextTokens
	c.TokensAfter = s.ctxTokens
	// The summarized history no longer carries the context files, so the
	// same snapshot primes the next prompt again.
	s.primed = false
	s.pending = append([]string{c.Message()}, s.pending...)
	s.omissions = append(s.omissions, omissions...)
	s.mu.Unlock()

	s.logCompaction(c)
	return c, nil
}

// Reset discards the conversation and opens a new one. The preserved keys
// are captured first and queued for the new conversation, together with a
// fresh priming from the current snapshot. Queued content of the old
// conversation is dropped. On failure the old conversation stays active.
func (s *Session) Reset(ctx context.Context, trigger string, preserve []string) (*Compaction, error) {
	captured, omissions := s.captureState(ctx, preserve)

	conv, err := s.agent.NewConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}

	c := &Compaction{
		Trigger:   trigger,
		Keys:      append([]string(nil), preserve...),
		Preserved: captured,
		Omissions: omissions,
		At:        time.Now(),
	}

	s.mu.Lock()
	old := s.conv
	c.TokensBefore = s.ctxTokens
	s.conv = conv
	s.primed = false
	s.pending = nil
	s.ctxTokens = 0
	if len(preserve) > 0 {
		s.pending = append(s.pending, c.Message())
	}
	s.omissions = append(s.omissions, omissions...)
	s.mu.Unlock()

	if err := old.Close(); err != nil {
		s.logger.Warn("failed to close conversation", map[string]interface{}{"error": err.Error()})
	}

	if len(preserve) > 0 {
		s.logCompaction(c)
	} else {
		s.event(Event{Type: EventNewConversation, Content: trigger})
	}
	return c, nil
}

func (s *Session) logCompaction(c *Compaction) {
	var omitted []string
	for _, o := range c.Omissions {
		omitted = append(omitted, o.Key)
		s.logger.Warn("compaction omission", map[string]interface{}{
			"key":    o.Key,
			"reason": o.Reason,
		})
	}
	preserved := make([]string, 0, len(c.Preserved))
	for _, key := range c.Keys {
		if _, ok := c.Preserved[key]; ok {
			preserved = append(preserved, key)
		}
	}
	s.logger.Info("session compacted", map[string]interface{}{
		"trigger":       c.Trigger,
		"tokens_before": c.TokensBefore,
		"tokens_after":  c.TokensAfter,
		"preserved":     len(preserved),
		"omitted":       len(omitted),
	})
	s.event(Event{
		Type:    EventCompaction,
		Content: c.Summary,
		Success: Bool(true),
		Meta: &EventMeta{
			Trigger:   c.Trigger,
			Preserved: preserved,
			Omitted:   omitted,
		},
	})
}
