package agent

import (
	"context"
	"fmt"
	"sync"
)

// Prompt is one prompt recorded by Mock.
type Prompt struct {
	Conversation int // 1-based index of the conversation that received it
	Text         string
	Compaction   bool
}

// Mock is a scripted agent for tests and dry runs. Responses are served in
// order and the last one repeats. Every prompt is recorded.
type Mock struct {
	Responses []string

	// Func overrides Responses when set. turn counts from 1 across all
	// conversations.
	Func func(turn int, prompt string) (*Response, error)

	// RateLimitAfter makes turn RateLimitAfter+1 fail with ErrRateLimited.
	RateLimitAfter int

	mu            sync.Mutex
	conversations int
	turns         int
	prompts       []Prompt
}

// NewMock creates a mock serving the given responses.
func NewMock(responses ...string) *Mock {
	return &Mock{Responses: responses}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) NewConversation(ctx context.Context) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations++
	return &mockConversation{mock: m, index: m.conversations}, nil
}

// Conversations returns how many conversations were created.
func (m *Mock) Conversations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations
}

// Prompts returns a copy of every recorded prompt.
func (m *Mock) Prompts() []Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Prompt(nil), m.prompts...)
}

// Texts returns the recorded prompt texts, compaction requests excluded.
func (m *Mock) Texts() []string {
	var out []string
	for _, p := range m.Prompts() {
		if !p.Compaction {
			out = append(out, p.Text)
		}
	}
	return out
}

func (m *Mock) respond(conv int, prompt string, compaction bool) (*Response, error) {
	m.mu.Lock()
	m.turns++
	n := m.turns
	m.prompts = append(m.prompts, Prompt{Conversation: conv, Text: prompt, Compaction: compaction})
	limited := m.RateLimitAfter > 0 && n > m.RateLimitAfter
	fn := m.Func
	var text string
	switch {
	case len(m.Responses) == 0:
		text = "OK"
	case n <= len(m.Responses):
		text = m.Responses[n-1]
	default:
		text = m.Responses[len(m.Responses)-1]
	}
	m.mu.Unlock()

	if limited {
		return nil, fmt.Errorf("%w: mock limit of %d turns", ErrRateLimited, m.RateLimitAfter)
	}
	if fn != nil {
		return fn(n, prompt)
	}
	return &Response{
		Text:      text,
		TokensIn:  EstimateTokens(prompt),
		TokensOut: EstimateTokens(text),
	}, nil
}

type mockConversation struct {
	mock    *Mock
	index   int
	context int
	closed  bool
}

func (c *mockConversation) ID() string { return fmt.Sprintf("mock-%d", c.index) }

func (c *mockConversation) Send(ctx context.Context, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, fmt.Errorf("conversation %s is closed", c.ID())
	}
	resp, err := c.mock.respond(c.index, prompt, false)
	if err != nil {
		return nil, err
	}
	c.context += resp.TokensIn + resp.TokensOut
	resp.ContextTokens = c.context
	return resp, nil
}

func (c *mockConversation) Compact(ctx context.Context, instructions string) (string, *Response, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	if instructions == "" {
		instructions = DefaultCompactInstructions
	}
	resp, err := c.mock.respond(c.index, instructions, true)
	if err != nil {
		return "", nil, err
	}
	c.context = resp.TokensOut
	resp.ContextTokens = c.context
	return resp.Text, resp, nil
}

func (c *mockConversation) Close() error {
	c.closed = true
	return nil
}
