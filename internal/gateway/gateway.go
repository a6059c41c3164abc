// Package gateway is the validating proxy between callers and the language
// model: it checks the request shape, prepends the quota-aware instruction and
// enforces the reply contract before anything reaches the client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"taxdesk/backend/internal/llm"
	"taxdesk/backend/internal/severity"
)

type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Turns         []Turn `json:"turns"`
	QuestionIndex int    `json:"questionIndex"`
}

// Reply is a validated model answer.
type Reply struct {
	Content  string        `json:"content"`
	Severity severity.Tier `json:"severity"`
}

type Gateway struct {
	client llm.Client
	quota  int
	logger *zap.Logger
	asks   metric.Int64Counter
}

func New(client llm.Client, quota int, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	var asks metric.Int64Counter = noop.Int64Counter{}
	counter, err := otel.Meter("taxdesk/backend/internal/gateway").Int64Counter(
		"gateway.asks",
		metric.WithDescription("Gateway asks by outcome"),
	)
	if err != nil {
		logger.Warn("failed to create gateway counter", zap.Error(err))
	} else {
		asks = counter
	}
	return &Gateway{client: client, quota: quota, logger: logger, asks: asks}
}

// DecodeAskRequest parses and validates an ask body. Every failure is an
// InvalidRequest error.
func DecodeAskRequest(body []byte) (AskRequest, error) {
	var raw struct {
		Turns         json.RawMessage `json:"turns"`
		QuestionIndex json.RawMessage `json:"questionIndex"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return AskRequest{}, invalidRequest("request body must be a JSON object")
	}

	turnsRaw := bytes.TrimSpace(raw.Turns)
	if len(turnsRaw) == 0 || bytes.Equal(turnsRaw, []byte("null")) {
		return AskRequest{}, invalidRequest("turns is required")
	}
	if turnsRaw[0] != '[' {
		return AskRequest{}, invalidRequest("turns must be an array")
	}

	var req AskRequest
	if err := json.Unmarshal(turnsRaw, &req.Turns); err != nil {
		return AskRequest{}, invalidRequest("turns must be an array of {role, content} objects")
	}

	indexRaw := bytes.TrimSpace(raw.QuestionIndex)
	if len(indexRaw) > 0 && !bytes.Equal(indexRaw, []byte("null")) {
		if err := json.Unmarshal(indexRaw, &req.QuestionIndex); err != nil {
			return AskRequest{}, invalidRequest("questionIndex must be an integer")
		}
	}

	if err := Validate(req); err != nil {
		return AskRequest{}, err
	}
	return req, nil
}

// Validate checks a request built in-process. Roles are matched
// case-insensitively.
func Validate(req AskRequest) error {
	if len(req.Turns) == 0 {
		return invalidRequest("turns must not be empty")
	}
	for i, turn := range req.Turns {
		if _, ok := normalizeRole(turn.Role); !ok {
			return invalidRequest("turns[%d].role %q must be one of system, user, assistant", i, turn.Role)
		}
	}
	if req.QuestionIndex < 0 {
		return invalidRequest("questionIndex must not be negative")
	}
	return nil
}

// Ask answers a turn history under the answer contract.
func (g *Gateway) Ask(ctx context.Context, req AskRequest) (Reply, error) {
	if err := Validate(req); err != nil {
		g.record(ctx, err)
		return Reply{}, err
	}

	system := InstructionFor(req.QuestionIndex, g.quota).String()
	raw, err := g.complete(ctx, system, req.Turns)
	if err != nil {
		g.record(ctx, err)
		return Reply{}, err
	}

	reply, err := parseReply(raw)
	if err != nil {
		g.logger.Warn("model reply violated answer contract",
			zap.Int("question_index", req.QuestionIndex),
			zap.String("raw", truncate(raw, 300)),
		)
		g.record(ctx, err)
		return Reply{}, err
	}
	g.record(ctx, nil)
	return reply, nil
}

// Invoke sends turns under a caller-supplied system prompt and returns the
// raw reply text. Callers enforce their own contract on it; an empty reply is
// still a ContractViolation.
func (g *Gateway) Invoke(ctx context.Context, system string, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", invalidRequest("turns must not be empty")
	}
	raw, err := g.complete(ctx, system, turns)
	if err != nil {
		return "", err
	}
	return raw, nil
}

// Available reports whether the upstream client can be called at all.
func (g *Gateway) Available() bool {
	return g != nil && g.client != nil && g.client.IsAvailable()
}

func (g *Gateway) complete(ctx context.Context, system string, turns []Turn) (string, error) {
	if !g.Available() {
		return "", configurationError()
	}

	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, turn := range turns {
		role, _ := normalizeRole(turn.Role)
		messages = append(messages, llm.Message{Role: role, Content: turn.Content})
	}

	resp, err := g.client.Complete(ctx, llm.Request{Messages: messages, JSON: true})
	if err != nil {
		var statusErr *llm.StatusError
		if errors.As(err, &statusErr) {
			g.logger.Warn("language model returned error status",
				zap.Int("status", statusErr.Status),
				zap.String("body", truncate(statusErr.Body, 300)),
			)
			return "", upstreamError(statusErr.Status, statusErr.Body, err)
		}
		g.logger.Warn("language model request failed", zap.Error(err))
		return "", upstreamError(0, "", err)
	}

	raw := strings.TrimSpace(resp.Content)
	if raw == "" {
		return "", contractViolation(resp.Content, "language model returned no content")
	}
	return raw, nil
}

func (g *Gateway) record(ctx context.Context, err error) {
	outcome := "ok"
	var gwErr *Error
	if errors.As(err, &gwErr) {
		outcome = string(gwErr.Kind)
	} else if err != nil {
		outcome = "error"
	}
	g.asks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func normalizeRole(role string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case llm.RoleSystem:
		return llm.RoleSystem, true
	case llm.RoleUser:
		return llm.RoleUser, true
	case llm.RoleAssistant:
		return llm.RoleAssistant, true
	default:
		return "", false
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "...(truncated)"
}
