// Package agent defines the conversational agent capability the engine
// drives, and the adapters that provide it.
package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrRateLimited is returned (wrapped) when the agent reports a hard rate
// limit. The orchestrator treats it as a fatal interrupt.
var ErrRateLimited = errors.New("agent rate limited")

// Response is one completed agent turn.
type Response struct {
	Text         string `json:"text"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	ToolCalls    int    `json:"tool_calls,omitempty"`
	ToolFailures int    `json:"tool_failures,omitempty"`
	Model        string `json:"model,omitempty"`

	// ContextTokens is the size of the conversation after this turn, as far
	// as the adapter can tell.
	ContextTokens int `json:"context_tokens"`
}

// Agent creates conversations.
type Agent interface {
	Name() string
	NewConversation(ctx context.Context) (Conversation, error)
}

// Conversation is one logical exchange with the agent.
type Conversation interface {
	ID() string
	// Send delivers a prompt and waits for the turn to complete.
	Send(ctx context.Context, prompt string) (*Response, error)
	// Compact replaces the history with a summary produced under the given
	// instructions and returns that summary. The conversation stays usable.
	Compact(ctx context.Context, instructions string) (string, *Response, error)
	Close() error
}

// DefaultCompactInstructions asks for a summary that keeps the work going.
const DefaultCompactInstructions = "Summarize this conversation so the work can continue. " +
	"Keep decisions made, files changed, open problems and the next planned step. " +
	"Drop verbose tool output."

// IsRateLimit reports whether an upstream error message looks like a rate limit.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota exceeded")
}

// turn is one prompt/response pair kept by adapters that replay history.
type turn struct {
	prompt   string
	response string
}

// transcript renders history followed by the new prompt for adapters
// without native conversation state.
func transcript(history []turn, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n\n")
	for _, t := range history {
		sb.WriteString("[user]\n")
		sb.WriteString(t.prompt)
		sb.WriteString("\n\n[assistant]\n")
		sb.WriteString(t.response)
		sb.WriteString("\n\n")
	}
	sb.WriteString("[user]\n")
	sb.WriteString(prompt)
	return sb.String()
}
