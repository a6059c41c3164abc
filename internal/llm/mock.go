package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// MockClient answers locally with contract-shaped JSON. It is meant for
// local runs without a provider key.
type MockClient struct {
	Model string
}

var mockCandidateIDPattern = regexp.MustCompile(`"id"\s*:\s*"([^"]+)"`)

func (m MockClient) IsAvailable() bool { return true }

func (m MockClient) Complete(_ context.Context, req Request) (Response, error) {
	system, conversation := splitSystem(req.Messages)
	question := ""
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == RoleUser {
			question = conversation[i].Content
			break
		}
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = strings.TrimSpace(m.Model)
	}
	if model == "" {
		model = "mock"
	}

	var payload any
	if strings.Contains(system, "expertId") {
		expertID := ""
		if match := mockCandidateIDPattern.FindStringSubmatch(question); len(match) == 2 {
			expertID = match[1]
		}
		payload = map[string]any{
			"expertId":      expertID,
			"confidence":    65,
			"justification": "Perfil disponible con experiencia general en el área consultada.",
		}
	} else {
		lowered := strings.ToLower(question)
		severity := "low"
		switch {
		case strings.Contains(lowered, "embargo") || strings.Contains(lowered, "requerimiento") || strings.Contains(lowered, "sanción"):
			severity = "critical"
		case strings.Contains(lowered, "herencia") || strings.Contains(lowered, "sociedad") || strings.Contains(lowered, "planific"):
			severity = "elevated"
		}
		payload = map[string]any{
			"content":  "**Respuesta de prueba.** " + strings.TrimSpace(question),
			"severity": severity,
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Content: string(encoded),
		Model:   model,
		Usage:   Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
	}, nil
}

var (
	_ Client = MockClient{}
	_ Client = (*OpenAIResponsesClient)(nil)
	_ Client = (*GeminiClient)(nil)
)
