package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOpenAIClient(baseURL, apiKey string) *OpenAIResponsesClient {
	return &OpenAIResponsesClient{
		apiKey:          apiKey,
		baseURL:         baseURL,
		model:           "gpt-5-mini",
		maxOutputTokens: 700,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func TestOpenAIResponsesClientSendsSystemAndJSONFormat(t *testing.T) {
	t.Parallel()

	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed to decode request payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model":"gpt-5-mini",
			"output":[{"content":[{"type":"output_text","text":"{\"content\":\"ok\",\"severity\":\"low\"}"}]}],
			"usage":{"input_tokens":10,"output_tokens":4,"total_tokens":14}
		}`))
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL, "secret-key")
	resp, err := client.Complete(context.Background(), Request{
		JSON: true,
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hola"},
		},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if resp.Content != `{"content":"ok","severity":"low"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Fatalf("expected usage to be parsed, got %+v", resp.Usage)
	}

	input, _ := payload["input"].([]any)
	if len(input) != 2 {
		t.Fatalf("expected system + user input blocks, got %d", len(input))
	}
	first, _ := input[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("expected system block first, got %v", first["role"])
	}
	text, _ := payload["text"].(map[string]any)
	format, _ := text["format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object format, got %v", text)
	}
	if int(payload["max_output_tokens"].(float64)) != 700 {
		t.Fatalf("expected configured max tokens, got %v", payload["max_output_tokens"])
	}
}

func TestOpenAIResponsesClientReturnsStatusError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	_, err := newTestOpenAIClient(server.URL, "k").Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hola"}},
	})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusTooManyRequests || !strings.Contains(statusErr.Body, "rate limited") {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestOpenAIResponsesClientRetriesWithoutAssistantTurns(t *testing.T) {
	t.Parallel()

	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&attempts, 1)
		if current == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"Invalid value: 'input_text'"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"output_text":"second try"}`))
	}))
	defer server.Close()

	resp, err := newTestOpenAIClient(server.URL, "k").Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleAssistant, Content: "Hola, ¿en qué te ayudo?"},
			{Role: RoleUser, Content: "IVA trimestral"},
		},
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if resp.Content != "second try" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestOpenAIResponsesClientEmptyOutputIsNotAnError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"gpt-5-mini","output":[],"incomplete_details":{"reason":"max_output_tokens"}}`))
	}))
	defer server.Close()

	resp, err := newTestOpenAIClient(server.URL, "k").Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hola"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Fatalf("expected empty content, got %q", resp.Content)
	}
}

func TestOpenAIResponsesClientAvailability(t *testing.T) {
	if newTestOpenAIClient("http://example.invalid", "").IsAvailable() {
		t.Fatalf("client without key must not be available")
	}
	if !newTestOpenAIClient("http://example.invalid", "k").IsAvailable() {
		t.Fatalf("client with key must be available")
	}
	if _, err := newTestOpenAIClient("http://example.invalid", "").Complete(context.Background(), Request{}); err == nil {
		t.Fatalf("expected unconfigured client to refuse")
	}
}

func TestMockClientAnswersBothContracts(t *testing.T) {
	mock := MockClient{}

	resp, err := mock.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "answer as JSON"},
		{Role: RoleUser, Content: "Tengo un embargo de Hacienda"},
	}})
	if err != nil {
		t.Fatalf("mock failed: %v", err)
	}
	var answer map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &answer); err != nil {
		t.Fatalf("mock answer is not JSON: %v", err)
	}
	if answer["severity"] != "critical" {
		t.Fatalf("expected critical severity, got %v", answer["severity"])
	}

	resp, err = mock.Complete(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: `reply with {"expertId": ...}`},
		{Role: RoleUser, Content: `[{"id":"exp-7","name":"Ana"}]`},
	}})
	if err != nil {
		t.Fatalf("mock failed: %v", err)
	}
	var match map[string]any
	if err := json.Unmarshal([]byte(resp.Content), &match); err != nil {
		t.Fatalf("mock match is not JSON: %v", err)
	}
	if match["expertId"] != "exp-7" {
		t.Fatalf("expected first candidate id, got %v", match["expertId"])
	}
}
