package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"taxdesk/backend/internal/config"
)

// GeminiClient calls Google's Gemini API through the genai SDK.
type GeminiClient struct {
	client          *genai.Client
	model           string
	maxOutputTokens int32
}

// NewGeminiClient builds a client. A missing API key is not an error: the
// client reports IsAvailable() == false and the gateway refuses to call it.
func NewGeminiClient(ctx context.Context, cfg config.Config) (*GeminiClient, error) {
	model := strings.TrimSpace(cfg.LLMModel)
	if model == "" || strings.HasPrefix(model, "gpt-") {
		model = "gemini-2.5-flash"
	}
	g := &GeminiClient{model: model, maxOutputTokens: int32(cfg.AIMaxOutputTokens)}

	apiKey := strings.TrimSpace(cfg.LLMAPIKey)
	if apiKey == "" {
		return g, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	g.client = client
	return g, nil
}

func (g *GeminiClient) IsAvailable() bool {
	return g.client != nil
}

func (g *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !g.IsAvailable() {
		return Response{}, errors.New("llm client is not configured")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.model
	}

	system, conversation := splitSystem(req.Messages)
	contents := make([]*genai.Content, 0, len(conversation))
	for _, msg := range conversation {
		role := genai.Role(genai.RoleUser)
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	if len(contents) == 0 {
		return Response{}, errors.New("llm request input is empty")
	}

	genCfg := &genai.GenerateContentConfig{}
	if system != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.maxOutputTokens > 0 {
		genCfg.MaxOutputTokens = g.maxOutputTokens
	}
	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	result, err := g.client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code != 0 {
			return Response{}, &StatusError{Status: apiErr.Code, Body: apiErr.Message}
		}
		return Response{}, fmt.Errorf("GenAI generate failed: %w", err)
	}

	resp := Response{Content: strings.TrimSpace(result.Text()), Model: model}
	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
		}
	}
	return resp, nil
}
