// Package llm holds the upstream language-model clients used by the gateway.
package llm

import (
	"context"
	"fmt"
	"strings"

	"taxdesk/backend/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Request struct {
	Model    string
	Messages []Message
	// JSON asks the provider to constrain the reply to a JSON object.
	JSON bool
}

// Response carries the raw reply text. An empty Content with a nil error
// means the provider answered successfully but produced nothing.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Client is the capability the gateway depends on. Implementations own their
// credential; callers only ever see IsAvailable.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	IsAvailable() bool
}

// StatusError is returned when the provider answers with a non-success
// status. Body is the provider's raw error payload.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm upstream error (%d): %s", e.Status, truncateForLog(e.Body, 300))
}

// NewFromConfig selects the provider named by LLM_PROVIDER.
func NewFromConfig(ctx context.Context, cfg config.Config) (Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		return NewOpenAIResponsesClient(cfg), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg)
	case "mock":
		return MockClient{Model: cfg.LLMModel}, nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}
}

func splitSystem(messages []Message) (string, []Message) {
	systemParts := make([]string, 0, 1)
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if role == RoleSystem {
			systemParts = append(systemParts, content)
			continue
		}
		rest = append(rest, Message{Role: role, Content: content})
	}
	return strings.Join(systemParts, "\n\n"), rest
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}
