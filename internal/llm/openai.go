package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taxdesk/backend/internal/config"
)

type OpenAIResponsesClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	httpClient      *http.Client
}

func NewOpenAIResponsesClient(cfg config.Config) *OpenAIResponsesClient {
	timeoutSeconds := cfg.AITimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	return &OpenAIResponsesClient{
		apiKey:          strings.TrimSpace(cfg.LLMAPIKey),
		baseURL:         strings.TrimRight(strings.TrimSpace(cfg.LLMBaseURL), "/"),
		model:           strings.TrimSpace(cfg.LLMModel),
		maxOutputTokens: cfg.AIMaxOutputTokens,
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (c *OpenAIResponsesClient) IsAvailable() bool {
	return c.apiKey != "" && c.baseURL != "" && c.model != ""
}

type inputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type inputBlock struct {
	Role    string      `json:"role"`
	Content []inputText `json:"content"`
}

func (c *OpenAIResponsesClient) Complete(ctx context.Context, req Request) (Response, error) {
	if !c.IsAvailable() {
		return Response{}, errors.New("llm client is not configured")
	}
	requestModel := strings.TrimSpace(req.Model)
	if requestModel == "" {
		requestModel = c.model
	}

	system, conversation := splitSystem(req.Messages)
	hasAssistantTurn := false
	for _, msg := range conversation {
		if msg.Role == RoleAssistant {
			hasAssistantTurn = true
			break
		}
	}

	buildInput := func(includeAssistantTurns bool) []inputBlock {
		input := make([]inputBlock, 0, len(conversation)+1)
		if system != "" {
			input = append(input, inputBlock{
				Role:    RoleSystem,
				Content: []inputText{{Type: "input_text", Text: system}},
			})
		}
		for _, msg := range conversation {
			if msg.Role != RoleUser && msg.Role != RoleAssistant {
				continue
			}
			if msg.Role == RoleAssistant && !includeAssistantTurns {
				continue
			}
			contentType := "input_text"
			if msg.Role == RoleAssistant {
				contentType = "output_text"
			}
			input = append(input, inputBlock{
				Role:    msg.Role,
				Content: []inputText{{Type: contentType, Text: msg.Content}},
			})
		}
		return input
	}

	maxTokens := c.maxOutputTokens
	if maxTokens < 600 {
		maxTokens = 600
	}

	callResponses := func(input []inputBlock) (int, []byte, error) {
		if len(input) == 0 {
			return 0, nil, errors.New("llm request input is empty")
		}
		text := map[string]any{"verbosity": "low"}
		if req.JSON {
			text["format"] = map[string]any{"type": "json_object"}
		}
		payload := map[string]any{
			"model":             requestModel,
			"input":             input,
			"max_output_tokens": maxTokens,
			"reasoning":         map[string]any{"effort": "low"},
			"text":              text,
		}
		bodyRaw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(bodyRaw))
		if err != nil {
			return 0, nil, err
		}
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
		request.Header.Set("Content-Type", "application/json")

		response, err := c.httpClient.Do(request)
		if err != nil {
			return 0, nil, err
		}
		defer response.Body.Close()

		responseBody, err := io.ReadAll(response.Body)
		if err != nil {
			return 0, nil, err
		}
		return response.StatusCode, responseBody, nil
	}

	statusCode, responseBody, err := callResponses(buildInput(true))
	if err != nil {
		return Response{}, fmt.Errorf("call responses api: %w", err)
	}
	if statusCode < 200 || statusCode >= 300 {
		bodyText := strings.TrimSpace(string(responseBody))
		// Some models reject prior assistant turns; retry once without them.
		shouldRetryWithoutAssistant := statusCode == http.StatusBadRequest &&
			hasAssistantTurn &&
			strings.Contains(bodyText, "Invalid value: 'input_text'")
		if !shouldRetryWithoutAssistant {
			return Response{}, &StatusError{Status: statusCode, Body: bodyText}
		}
		statusCode, responseBody, err = callResponses(buildInput(false))
		if err != nil {
			return Response{}, fmt.Errorf("call responses api: %w", err)
		}
		if statusCode < 200 || statusCode >= 300 {
			return Response{}, &StatusError{Status: statusCode, Body: strings.TrimSpace(string(responseBody))}
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal(responseBody, &parsed); err != nil || parsed == nil {
		return Response{Model: requestModel}, nil
	}

	usageMap, _ := parsed["usage"].(map[string]any)
	modelName := strings.TrimSpace(toString(parsed["model"]))
	if modelName == "" {
		modelName = requestModel
	}
	return Response{
		Content: extractResponseAnswer(parsed),
		Model:   modelName,
		Usage: Usage{
			PromptTokens:     int(numberFrom(usageMap, "input_tokens", "prompt_tokens")),
			CompletionTokens: int(numberFrom(usageMap, "output_tokens", "completion_tokens")),
			TotalTokens:      int(numberFrom(usageMap, "total_tokens")),
		},
	}, nil
}

func extractResponseAnswer(data map[string]any) string {
	if direct := strings.TrimSpace(toString(data["output_text"])); direct != "" {
		return direct
	}

	outputs, ok := data["output"].([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0)
	for _, item := range outputs {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		contentList, ok := block["content"].([]any)
		if !ok {
			continue
		}
		for _, contentItem := range contentList {
			contentMap, ok := contentItem.(map[string]any)
			if !ok {
				continue
			}
			contentType := strings.ToLower(strings.TrimSpace(toString(contentMap["type"])))
			if contentType != "output_text" && contentType != "text" {
				continue
			}
			if text := strings.TrimSpace(toString(contentMap["text"])); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func toString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func numberFrom(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		switch v := data[key].(type) {
		case float64:
			return v
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return 0
}
