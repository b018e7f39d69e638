// Package session owns the active agent conversation of a run: what it has
// been primed with, what is queued for the next prompt, token accounting
// and the compaction protocol.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/conductor/internal/agent"
	"github.com/vinayprograms/conductor/internal/contextmgr"
	"github.com/vinayprograms/conductor/internal/directive"
)

// Counters are the accumulated totals of a session.
type Counters struct {
	Turns        int `json:"turns"`
	TokensIn     int `json:"tokens_in"`
	TokensOut    int `json:"tokens_out"`
	ToolCalls    int `json:"tool_calls"`
	ToolFailures int `json:"tool_failures"`
	Compactions  int `json:"compactions"`
}

// Sub returns c - o, used to derive per-cycle figures.
func (c Counters) Sub(o Counters) Counters {
	return Counters{
		Turns:        c.Turns - o.Turns,
		TokensIn:     c.TokensIn - o.TokensIn,
		TokensOut:    c.TokensOut - o.TokensOut,
		ToolCalls:    c.ToolCalls - o.ToolCalls,
		ToolFailures: c.ToolFailures - o.ToolFailures,
		Compactions:  c.Compactions - o.Compactions,
	}
}

// Config configures a session.
type Config struct {
	Agent   agent.Agent
	Mode    directive.SessionMode
	Context *contextmgr.Snapshot
	Record  *Record // optional run log
	Capture *Capturer

	// TokenLimit is the context window size used for usage ratios, 0 = unknown.
	TokenLimit int

	Logger *logging.Logger
}

// Session is the single active conversation of a run. It is owned by one
// goroutine at a time; the mutex only guards readers such as status output.
type Session struct {
	mode    directive.SessionMode
	agent   agent.Agent
	record  *Record
	capture *Capturer
	logger  *logging.Logger
	limit   int

	mu        sync.Mutex
	conv      agent.Conversation
	snapshot  *contextmgr.Snapshot
	primed    bool     // current conversation has received the context
	pending   []string // delivered with the next prompt
	live      map[string]string
	counters  Counters
	ctxTokens int
	omissions []CompactionOmission
	cycle     int
	phase     string
}

// New opens the first conversation.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("session requires an agent")
	}
	mode := cfg.Mode
	if mode == directive.ModeUnset {
		mode = directive.ModeAccumulate
	}
	conv, err := cfg.Agent.NewConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}
	s := &Session{
		mode:     mode,
		agent:    cfg.Agent,
		record:   cfg.Record,
		capture:  cfg.Capture,
		logger:   logger.WithComponent("session"),
		limit:    cfg.TokenLimit,
		conv:     conv,
		snapshot: cfg.Context,
		live:     make(map[string]string),
	}
	if s.capture == nil {
		s.capture = &Capturer{}
	}
	return s, nil
}

// Mode returns the session mode.
func (s *Session) Mode() directive.SessionMode { return s.mode }

// ConversationID identifies the current underlying conversation.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID()
}

// SetPosition tags subsequent log events with the cycle and phase.
func (s *Session) SetPosition(cycle int, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle, s.phase = cycle, phase
}

// Context returns the snapshot the session was primed from.
func (s *Session) Context() *contextmgr.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// SetContext replaces the snapshot. It reaches the agent the next time a
// conversation is primed, so callers pair it with Reset.
func (s *Session) SetContext(snap *contextmgr.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
}

// Inject queues content that is delivered with the next prompt.
func (s *Session) Inject(content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, content)
}

// Pending returns the queued content.
func (s *Session) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// Send delivers a prompt. The first prompt of a conversation is preceded
// by the rendered context, and queued content is delivered in front of the
// prompt text. Queued content is only consumed once the turn succeeds.
func (s *Session) Send(ctx context.Context, prompt string) (*agent.Response, error) {
	s.mu.Lock()
	var parts []string
	if !s.primed {
		if rendered := contextmgr.Render(s.snapshot); rendered != "" {
			parts = append(parts, rendered)
		}
	}
	parts = append(parts, s.pending...)
	parts = append(parts, prompt)
	message := strings.Join(parts, "\n\n")
	conv := s.conv
	s.mu.Unlock()

	s.event(Event{Type: EventUser, Content: message})
	resp, err := conv.Send(ctx, message)
	if err != nil {
		s.event(Event{Type: EventAssistant, Success: Bool(false), Error: err.Error()})
		return nil, err
	}

	s.mu.Lock()
	s.primed = true
	s.pending = nil
	s.account(resp)
	s.mu.Unlock()

	s.event(Event{
		Type:    EventAssistant,
		Content: resp.Text,
		Success: Bool(true),
		Meta: &EventMeta{
			Model:         resp.Model,
			TokensIn:      resp.TokensIn,
			TokensOut:     resp.TokensOut,
			ContextTokens: resp.ContextTokens,
		},
	})
	return resp, nil
}

// account folds a response into the counters. Caller holds mu.
func (s *Session) account(resp *agent.Response) {
	s.counters.Turns++
	s.counters.TokensIn += resp.TokensIn
	s.counters.TokensOut += resp.TokensOut
	s.counters.ToolCalls += resp.ToolCalls
	s.counters.ToolFailures += resp.ToolFailures
	if resp.ContextTokens > 0 {
		s.ctxTokens = resp.ContextTokens
	} else {
		s.ctxTokens += resp.TokensIn + resp.TokensOut
	}
}

// RecordTool counts a RUN or VERIFY invocation made on the session's behalf.
func (s *Session) RecordTool(failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters.ToolCalls++
	if failed {
		s.counters.ToolFailures++
	}
}

// Counters returns the accumulated totals.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// ContextTokens is the current estimate of the conversation size.
func (s *Session) ContextTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxTokens
}

// Usage returns ContextTokens as a fraction of the token limit, or 0 when
// no limit is known.
func (s *Session) Usage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit <= 0 {
		return 0
	}
	return float64(s.ctxTokens) / float64(s.limit)
}

// SetState records a live state value (RUN-STATE).
func (s *Session) SetState(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[key] = value
}

// State returns a copy of the live state.
func (s *Session) State() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.live))
	for k, v := range s.live {
		out[k] = v
	}
	return out
}

// Omissions returns every CompactionOmission recorded so far.
func (s *Session) Omissions() []CompactionOmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompactionOmission(nil), s.omissions...)
}

// Close closes the current conversation.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Close()
}

// Event records an event against the run log, tagged with the position.
func (s *Session) Event(e Event) {
	s.event(e)
}

func (s *Session) event(e Event) {
	if s.record == nil {
		return
	}
	s.mu.Lock()
	if e.Cycle == 0 {
		e.Cycle = s.cycle
	}
	if e.Phase == "" {
		e.Phase = s.phase
	}
	s.mu.Unlock()
	s.record.AddEvent(e)
}
