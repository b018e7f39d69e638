package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/logging"
	"github.com/vinayprograms/conductor/internal/runner"
)

// ExecAgent runs an external command once per turn. The prompt, preceded
// by the conversation transcript, is written to its stdin and stdout is the
// response. This fits CLI agents that take a prompt on stdin.
type ExecAgent struct {
	Command string        // argv, tokenized without a shell
	Dir     string        // working directory
	Timeout time.Duration // per turn, 0 = runner default
	runner  *runner.Runner
}

// NewExecAgent creates an exec adapter.
func NewExecAgent(command, dir string, timeout time.Duration) *ExecAgent {
	return &ExecAgent{
		Command: command,
		Dir:     dir,
		Timeout: timeout,
		runner:  runner.New(runner.Options{Dir: dir}),
	}
}

// SetLogger routes the adapter's command logging through logger.
func (a *ExecAgent) SetLogger(logger *logging.Logger) {
	a.runner = runner.New(runner.Options{Dir: a.Dir, Logger: logger})
}

func (a *ExecAgent) Name() string { return "exec" }

func (a *ExecAgent) NewConversation(ctx context.Context) (Conversation, error) {
	if _, err := runner.SplitCommand(a.Command); err != nil {
		return nil, fmt.Errorf("agent command: %w", err)
	}
	return &execConversation{id: uuid.New().String(), agent: a}, nil
}

type execConversation struct {
	id    string
	agent *ExecAgent

	mu      sync.Mutex
	history []turn
	closed  bool
}

func (c *execConversation) ID() string { return c.id }

func (c *execConversation) Send(ctx context.Context, prompt string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("conversation %s is closed", c.id)
	}

	input := transcript(c.history, prompt)
	text, err := c.run(ctx, input)
	if err != nil {
		return nil, err
	}
	c.history = append(c.history, turn{prompt: prompt, response: text})
	return c.response(input, text), nil
}

func (c *execConversation) Compact(ctx context.Context, instructions string) (string, *Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instructions == "" {
		instructions = DefaultCompactInstructions
	}

	input := transcript(c.history, instructions)
	text, err := c.run(ctx, input)
	if err != nil {
		return "", nil, err
	}
	c.history = nil
	resp := c.response(input, text)
	resp.ContextTokens = EstimateTokens(text)
	return text, resp, nil
}

func (c *execConversation) run(ctx context.Context, input string) (string, error) {
	res := c.agent.runner.Execute(ctx, runner.Request{
		Command: c.agent.Command,
		Timeout: c.agent.Timeout,
		Stdin:   input,
	})
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if res.Failed() {
		detail := strings.TrimSpace(res.Stderr)
		err := fmt.Errorf("agent command %s: %s", res.Summary(), detail)
		if IsRateLimit(errors.New(detail)) {
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *execConversation) response(input, text string) *Response {
	in, out := EstimateTokens(input), EstimateTokens(text)
	return &Response{
		Text:          text,
		TokensIn:      in,
		TokensOut:     out,
		ContextTokens: in + out,
	}
}

func (c *execConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.history = nil
	return nil
}
