package providers

import (
	"context"
	"time"
)

// Completer generates a reply from a prompt context.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// DefaultModel returns the model used when the request names none.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// CompletionRequest is the input of a Complete call.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
}

// Completion is the result of a Complete call.
type Completion struct {
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"` // "stop", "length"
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
}

// Message is one prompt turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

func (CompleterFunc) DefaultModel() string { return "" }
func (CompleterFunc) Name() string         { return "func" }
