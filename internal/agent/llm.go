package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vinayprograms/agentkit/llm"
)

// LLMAgent drives an agentkit llm.Provider. The conversation history is
// kept here and replayed on every Chat call.
type LLMAgent struct {
	provider llm.Provider
	system   string
}

// NewLLMAgent wraps a provider. system is sent as the first message of
// every conversation when non-empty.
func NewLLMAgent(provider llm.Provider, system string) *LLMAgent {
	return &LLMAgent{provider: provider, system: system}
}

// ProviderConfig selects and authenticates an llm provider.
type ProviderConfig struct {
	Provider   string
	Model      string
	APIKey     string
	MaxTokens  int
	BaseURL    string
	MaxRetries int
}

// NewProvider creates an agentkit provider, inferring the provider from the
// model name when it is not set.
func NewProvider(cfg ProviderConfig) (llm.Provider, error) {
	name := cfg.Provider
	if name == "" {
		name = llm.InferProviderFromModel(cfg.Model)
	}
	if name == "" && cfg.Model == "" {
		return nil, fmt.Errorf("LLM model not configured")
	}
	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    name,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey,
		MaxTokens:   cfg.MaxTokens,
		BaseURL:     cfg.BaseURL,
		RetryConfig: llm.RetryConfig{MaxRetries: cfg.MaxRetries},
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM provider: %w", err)
	}
	return provider, nil
}

func (a *LLMAgent) Name() string { return "llm" }

func (a *LLMAgent) NewConversation(ctx context.Context) (Conversation, error) {
	c := &llmConversation{id: uuid.New().String(), provider: a.provider}
	if a.system != "" {
		c.messages = append(c.messages, llm.Message{Role: "system", Content: a.system})
	}
	return c, nil
}

type llmConversation struct {
	id       string
	provider llm.Provider

	mu       sync.Mutex
	messages []llm.Message
	closed   bool
}

func (c *llmConversation) ID() string { return c.id }

func (c *llmConversation) Send(ctx context.Context, prompt string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("conversation %s is closed", c.id)
	}

	messages := append(append([]llm.Message(nil), c.messages...), llm.Message{Role: "user", Content: prompt})
	resp, err := c.chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	c.messages = append(messages, llm.Message{Role: "assistant", Content: resp.Text})
	return resp, nil
}

func (c *llmConversation) Compact(ctx context.Context, instructions string) (string, *Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instructions == "" {
		instructions = DefaultCompactInstructions
	}

	messages := append(append([]llm.Message(nil), c.messages...), llm.Message{Role: "user", Content: instructions})
	resp, err := c.chat(ctx, messages)
	if err != nil {
		return "", nil, err
	}

	var kept []llm.Message
	if len(c.messages) > 0 && c.messages[0].Role == "system" {
		kept = append(kept, c.messages[0])
	}
	c.messages = kept

	// The history is gone; what remains is the system message and the
	// summary the session queues for the next prompt.
	resp.ContextTokens = EstimateTokens(resp.Text)
	for _, m := range kept {
		resp.ContextTokens += EstimateTokens(m.Content)
	}
	return resp.Text, resp, nil
}

func (c *llmConversation) chat(ctx context.Context, messages []llm.Message) (*Response, error) {
	resp, err := c.provider.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		if IsRateLimit(err) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("llm chat: %w", err)
	}

	out := &Response{
		Text:      resp.Content,
		TokensIn:  resp.InputTokens,
		TokensOut: resp.OutputTokens,
		ToolCalls: len(resp.ToolCalls),
		Model:     resp.Model,
	}
	if out.TokensIn == 0 {
		for _, m := range messages {
			out.TokensIn += EstimateTokens(m.Content)
		}
	}
	if out.TokensOut == 0 {
		out.TokensOut = EstimateTokens(resp.Content)
	}
	out.ContextTokens = out.TokensIn + out.TokensOut
	return out, nil
}

func (c *llmConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.messages = nil
	return nil
}
