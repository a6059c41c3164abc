package leads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// WebhookSink posts each lead as JSON. Any non-2xx answer is a failure.
type WebhookSink struct {
	url        string
	httpClient *http.Client
}

func NewWebhookSink(url string, httpClient *http.Client) *WebhookSink {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookSink{url: strings.TrimSpace(url), httpClient: httpClient}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, lead Lead) error {
	body, err := json.Marshal(lead)
	if err != nil {
		return fmt.Errorf("encode lead: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build lead request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", lead.ID.String())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post lead: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("lead webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PostgresSink stores leads in the leads table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Send(ctx context.Context, lead Lead) error {
	contact, err := json.Marshal(lead.Contact)
	if err != nil {
		return fmt.Errorf("encode contact: %w", err)
	}
	summary, err := json.Marshal(lead.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO leads (id, session_id, contact, summary, created_at)
		VALUES ($1, $2, $3::jsonb, $4::jsonb, $5)
		ON CONFLICT (id) DO NOTHING
	`, lead.ID.String(), lead.SessionID, string(contact), string(summary), lead.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// LogSink only records the lead in the service log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, lead Lead) error {
	s.logger.Info("lead captured",
		zap.String("lead_id", lead.ID.String()),
		zap.String("session_id", lead.SessionID),
		zap.String("contact_name", lead.Contact.Name),
		zap.String("severity", lead.Summary.Severity.String()),
		zap.Int("questions", len(lead.Summary.Questions)),
	)
	return nil
}
