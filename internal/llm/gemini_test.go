package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taxdesk/backend/internal/config"
)

func TestGeminiClientWithoutKeyIsUnavailable(t *testing.T) {
	client, err := NewGeminiClient(context.Background(), config.Config{LLMModel: "gpt-5-mini"})
	require.NoError(t, err)
	require.False(t, client.IsAvailable())
	require.Equal(t, "gemini-2.5-flash", client.model, "openai model names fall back to a gemini default")

	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hola"}}})
	require.Error(t, err)
}

func TestNewFromConfigSelectsProvider(t *testing.T) {
	ctx := context.Background()

	client, err := NewFromConfig(ctx, config.Config{LLMProvider: "mock"})
	require.NoError(t, err)
	require.IsType(t, MockClient{}, client)

	client, err = NewFromConfig(ctx, config.Config{LLMProvider: "openai", LLMModel: "gpt-5-mini", LLMBaseURL: "https://api.openai.com/v1"})
	require.NoError(t, err)
	require.False(t, client.IsAvailable(), "no key configured")

	_, err = NewFromConfig(ctx, config.Config{LLMProvider: "other"})
	require.Error(t, err)
}

func TestSplitSystemMergesSystemTurns(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: "System", Content: "uno"},
		{Role: RoleUser, Content: "  pregunta  "},
		{Role: RoleSystem, Content: "dos"},
		{Role: RoleAssistant, Content: "   "},
	})
	require.Equal(t, "uno\n\ndos", system)
	require.Equal(t, []Message{{Role: RoleUser, Content: "pregunta"}}, rest)
}
