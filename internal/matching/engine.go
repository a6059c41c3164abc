// Package matching recommends exactly one expert for a free-text need. The
// language model chooses first; any failure on that path is answered by a
// local scoring heuristic instead.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"taxdesk/backend/internal/gateway"
)

const selectionPrompt = "Eres el sistema de asignación de expertos de una consultoría fiscal y legal. " +
	"Recibirás la necesidad de un usuario y una lista de expertos en formato JSON. " +
	`Elige EXACTAMENTE un experto de la lista usando su campo "id". ` +
	`Responde solo con un objeto JSON: {"expertId": "<id de la lista>", "confidence": <entero entre 1 y 100>, ` +
	`"justification": "<como máximo dos frases>"}. ` +
	"Nunca devuelvas un resultado vacío ni nulo: si ningún experto encaja claramente, elige el más adecuado " +
	"con una confianza entre 50 y 70."

// ErrNoCompleter is the fallback cause when no language model is wired in.
var ErrNoCompleter = errors.New("no language model configured for matching")

// Completer sends a prompt under a caller-owned contract and returns the raw
// reply. The gateway satisfies it.
type Completer interface {
	Invoke(ctx context.Context, system string, turns []gateway.Turn) (string, error)
}

// ContractError reports a primary-path reply that does not name a valid
// candidate.
type ContractError struct {
	Reason string
	Raw    string
}

func (e *ContractError) Error() string {
	return "invalid match reply: " + e.Reason
}

type Engine struct {
	completer Completer
	logger    *zap.Logger
	outcomes  metric.Int64Counter
}

func NewEngine(completer Completer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	var outcomes metric.Int64Counter = noop.Int64Counter{}
	counter, err := otel.Meter("taxdesk/backend/internal/matching").Int64Counter(
		"matching.outcomes",
		metric.WithDescription("Expert match outcomes by kind"),
	)
	if err != nil {
		logger.Warn("failed to create matching counter", zap.Error(err))
	} else {
		outcomes = counter
	}
	return &Engine{completer: completer, logger: logger, outcomes: outcomes}
}

// Match returns NoCandidates for an empty set and otherwise exactly one
// recommendation. The candidate slice is copied before use.
func (e *Engine) Match(ctx context.Context, query string, candidates []Candidate) Outcome {
	if len(candidates) == 0 {
		e.record(ctx, NoCandidates{})
		return NoCandidates{}
	}
	snapshot := append([]Candidate(nil), candidates...)

	result, err := e.primary(ctx, query, snapshot)
	if err == nil {
		outcome := Primary{Result: result}
		e.record(ctx, outcome)
		return outcome
	}

	fields := []zap.Field{zap.Error(err), zap.Int("candidates", len(snapshot))}
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		fields = append(fields, zap.String("raw", truncate(contractErr.Raw, 300)))
	}
	e.logger.Warn("expert matching fell back to local scoring", fields...)

	outcome := Fallback{Result: rankLocally(query, snapshot), Cause: err}
	e.record(ctx, outcome)
	return outcome
}

func (e *Engine) primary(ctx context.Context, query string, candidates []Candidate) (Result, error) {
	if e.completer == nil {
		return Result{}, ErrNoCompleter
	}
	if available, ok := e.completer.(interface{ Available() bool }); ok && !available.Available() {
		return Result{}, ErrNoCompleter
	}

	block, err := contextBlock(candidates)
	if err != nil {
		return Result{}, fmt.Errorf("encode candidates: %w", err)
	}
	prompt := fmt.Sprintf("Necesidad del usuario: %s\n\nExpertos disponibles:\n%s", strings.TrimSpace(query), block)

	raw, err := e.completer.Invoke(ctx, selectionPrompt, []gateway.Turn{{Role: "user", Content: prompt}})
	if err != nil {
		return Result{}, err
	}
	return parseSelection(raw, candidates)
}

type candidateContext struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties"`
	Bio         string   `json:"bio"`
	Rating      float64  `json:"rating"`
}

func contextBlock(candidates []Candidate) (string, error) {
	rows := make([]candidateContext, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, candidateContext{
			ID:          c.ID,
			Name:        c.Name,
			Specialties: c.Specialties,
			Bio:         c.Bio,
			Rating:      safeRating(c),
		})
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func parseSelection(raw string, candidates []Candidate) (Result, error) {
	var payload struct {
		ExpertID      string          `json:"expertId"`
		Confidence    json.RawMessage `json:"confidence"`
		Justification string          `json:"justification"`
	}
	if err := json.Unmarshal([]byte(gateway.ExtractJSONObject(raw)), &payload); err != nil {
		return Result{}, &ContractError{Reason: "reply is not a JSON object", Raw: raw}
	}

	id := strings.TrimSpace(payload.ExpertID)
	justification := strings.TrimSpace(payload.Justification)
	if id == "" {
		return Result{}, &ContractError{Reason: "expertId is empty", Raw: raw}
	}
	if justification == "" {
		return Result{}, &ContractError{Reason: "justification is empty", Raw: raw}
	}
	if !containsID(candidates, id) {
		return Result{}, &ContractError{Reason: fmt.Sprintf("expertId %q is not a candidate", id), Raw: raw}
	}

	return Result{
		CandidateID:   id,
		Confidence:    confidenceFrom(payload.Confidence),
		Justification: justification,
	}, nil
}

func containsID(candidates []Candidate, id string) bool {
	for _, c := range candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}

// confidenceFrom accepts numbers or numeric strings. A missing or unreadable
// value becomes the bottom of the weak-fit band.
func confidenceFrom(raw json.RawMessage) int {
	const weakFit = 50

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return weakFit
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return weakFit
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return weakFit
		}
		number = parsed
	}
	if math.IsNaN(number) {
		return weakFit
	}
	return int(math.Max(1, math.Min(100, math.Round(number))))
}

func (e *Engine) record(ctx context.Context, outcome Outcome) {
	e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", outcome.Kind())))
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "...(truncated)"
}
