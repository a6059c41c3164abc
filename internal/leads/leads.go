// Package leads delivers captured contacts to the team that follows up on
// them. Delivery is best effort and never blocks the conversation.
package leads

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"taxdesk/backend/internal/config"
	"taxdesk/backend/internal/session"
)

type Lead struct {
	ID        uuid.UUID           `json:"id"`
	SessionID string              `json:"sessionId"`
	Contact   session.Contact     `json:"contact"`
	Summary   session.CaseSummary `json:"summary"`
	CreatedAt time.Time           `json:"createdAt"`
}

// Sink delivers one lead to an external target.
type Sink interface {
	Send(ctx context.Context, lead Lead) error
	Name() string
}

// NewSink builds the sink selected by LEAD_SINK. pool is only used by the
// postgres sink and may be nil otherwise.
func NewSink(cfg config.Config, pool *pgxpool.Pool, logger *zap.Logger) (Sink, error) {
	switch cfg.LeadSink {
	case "", "log":
		return NewLogSink(logger), nil
	case "webhook":
		return NewWebhookSink(cfg.LeadWebhookURL, nil), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres lead sink requires DATABASE_URL")
		}
		return NewPostgresSink(pool), nil
	default:
		return nil, fmt.Errorf("unsupported lead sink %q", cfg.LeadSink)
	}
}

// Dispatcher sends leads in the background. Failures are logged and dropped.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sink:    sink,
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit builds a lead from a captured contact and dispatches it.
func (d *Dispatcher) Submit(sessionID string, contact session.Contact, summary session.CaseSummary) {
	d.Dispatch(Lead{
		ID:        uuid.New(),
		SessionID: sessionID,
		Contact:   contact,
		Summary:   summary,
		CreatedAt: d.now(),
	})
}

// Dispatch returns immediately. Leads submitted after Close are dropped.
func (d *Dispatcher) Dispatch(lead Lead) {
	d.mu.Lock()
	if d.closed || d.sink == nil {
		d.mu.Unlock()
		d.logger.Warn("lead dropped; dispatcher unavailable", zap.String("lead_id", lead.ID.String()))
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		started := time.Now()
		if err := d.sink.Send(ctx, lead); err != nil {
			d.logger.Error("lead delivery failed",
				zap.String("sink", d.sink.Name()),
				zap.String("lead_id", lead.ID.String()),
				zap.String("session_id", lead.SessionID),
				zap.Error(err),
			)
			return
		}
		d.logger.Info("lead delivered",
			zap.String("sink", d.sink.Name()),
			zap.String("lead_id", lead.ID.String()),
			zap.Duration("elapsed", time.Since(started)),
		)
	}()
}

// Close stops accepting leads and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

var _ session.LeadSubmitter = (*Dispatcher)(nil)
