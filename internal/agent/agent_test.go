package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vinayprograms/agentkit/llm"
)

func TestLLMAgent_KeepsHistory(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("Done")

	a := NewLLMAgent(provider, "You are a careful engineer.")
	conv, err := a.NewConversation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := conv.Send(context.Background(), "first"); err != nil {
		t.Fatalf("send error: %v", err)
	}
	resp, err := conv.Send(context.Background(), "second")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if resp.Text != "Done" {
		t.Errorf("expected text=Done, got=%q", resp.Text)
	}

	req := provider.LastRequest()
	if len(req.Messages) != 4 {
		t.Fatalf("expected system + 3 history messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[1].Content != "first" || req.Messages[3].Content != "second" {
		t.Errorf("unexpected messages: %+v", req.Messages)
	}
	if resp.TokensIn == 0 || resp.ContextTokens == 0 {
		t.Errorf("expected token accounting, got %+v", resp)
	}
}

func TestLLMAgent_Compact(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("summary of work")

	conv, _ := NewLLMAgent(provider, "").NewConversation(context.Background())
	conv.Send(context.Background(), "do the thing")

	summary, _, err := conv.Compact(context.Background(), "")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if summary != "summary of work" {
		t.Errorf("expected summary, got=%q", summary)
	}

	conv.Send(context.Background(), "next")
	req := provider.LastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "next" {
		t.Errorf("expected history reset after compaction, got %+v", req.Messages)
	}
}

func TestCompact_ContextTokens(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("summary of work")

	tests := []struct {
		name  string
		agent Agent
	}{
		{"llm", NewLLMAgent(provider, "You are a careful engineer.")},
		{"exec", NewExecAgent("sh -c \"cat > /dev/null; echo summary of work\"", "", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := tt.agent.NewConversation(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			sent, err := conv.Send(context.Background(), strings.Repeat("the build failed again ", 80))
			if err != nil {
				t.Fatalf("send error: %v", err)
			}
			_, resp, err := conv.Compact(context.Background(), "")
			if err != nil {
				t.Fatalf("compact error: %v", err)
			}
			if resp.ContextTokens >= sent.ContextTokens {
				t.Errorf("expected context to shrink, before=%d, got=%d", sent.ContextTokens, resp.ContextTokens)
			}
			if resp.TokensIn < sent.TokensIn {
				t.Errorf("expected the summarization call to be billed for the history, got tokens_in=%d", resp.TokensIn)
			}
		})
	}
}

func TestLLMAgent_RateLimit(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.ChatFunc = func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("status 429: rate limit exceeded")
	}

	conv, _ := NewLLMAgent(provider, "").NewConversation(context.Background())
	_, err := conv.Send(context.Background(), "hello")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestExecAgent(t *testing.T) {
	a := NewExecAgent("sh -c \"tr a-z A-Z\"", "", 0)
	conv, err := a.NewConversation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := conv.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if resp.Text != "HELLO" {
		t.Errorf("expected HELLO, got=%q", resp.Text)
	}

	// The second turn carries the transcript.
	resp, err = conv.Send(context.Background(), "again")
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if !strings.Contains(resp.Text, "PREVIOUS CONVERSATION") || !strings.HasSuffix(resp.Text, "AGAIN") {
		t.Errorf("expected transcript, got=%q", resp.Text)
	}
}

func TestExecAgent_Failure(t *testing.T) {
	conv, _ := NewExecAgent("sh -c \"echo 'rate limit reached' >&2; exit 1\"", "", 0).NewConversation(context.Background())
	_, err := conv.Send(context.Background(), "hello")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}

	conv, _ = NewExecAgent("false", "", 0).NewConversation(context.Background())
	_, err = conv.Send(context.Background(), "hello")
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("expected plain failure, got %v", err)
	}
}

func TestMock(t *testing.T) {
	m := NewMock("one", "two")
	conv, _ := m.NewConversation(context.Background())

	for _, want := range []string{"one", "two", "two"} {
		resp, err := conv.Send(context.Background(), "p")
		if err != nil {
			t.Fatalf("send error: %v", err)
		}
		if resp.Text != want {
			t.Errorf("expected=%q, got=%q", want, resp.Text)
		}
	}

	conv2, _ := m.NewConversation(context.Background())
	conv2.Send(context.Background(), "in second")
	prompts := m.Prompts()
	if m.Conversations() != 2 || prompts[len(prompts)-1].Conversation != 2 {
		t.Errorf("expected prompt recorded against conversation 2, got %+v", prompts)
	}
}

func TestMock_RateLimitAfter(t *testing.T) {
	m := &Mock{RateLimitAfter: 1}
	conv, _ := m.NewConversation(context.Background())

	if _, err := conv.Send(context.Background(), "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := conv.Send(context.Background(), "limited"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestMock_CompactResetsContext(t *testing.T) {
	m := NewMock("a fairly long response with several tokens in it")
	conv, _ := m.NewConversation(context.Background())

	r1, _ := conv.Send(context.Background(), "first prompt")
	r2, _ := conv.Send(context.Background(), "second prompt")
	if r2.ContextTokens <= r1.ContextTokens {
		t.Errorf("expected context to grow, got %d then %d", r1.ContextTokens, r2.ContextTokens)
	}

	_, resp, err := conv.Compact(context.Background(), "")
	if err != nil {
		t.Fatalf("compact error: %v", err)
	}
	if resp.ContextTokens >= r2.ContextTokens {
		t.Errorf("expected context to shrink, got %d", resp.ContextTokens)
	}
	if texts := m.Texts(); len(texts) != 2 {
		t.Errorf("expected compaction request excluded from texts, got %v", texts)
	}
}

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("Rate limit exceeded"), true},
		{errors.New("connection refused"), false},
		{ErrRateLimited, true},
	}
	for _, tt := range tests {
		if got := IsRateLimit(tt.err); got != tt.want {
			t.Errorf("IsRateLimit(%v): expected=%v, got=%v", tt.err, tt.want, got)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 {
		t.Error("expected 0 tokens for empty text")
	}
	short := EstimateTokens("hello")
	long := EstimateTokens(strings.Repeat("hello world ", 100))
	if short <= 0 || long <= short {
		t.Errorf("expected growing estimates, got %d and %d", short, long)
	}
}
