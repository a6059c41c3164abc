package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/severity"
	"taxdesk/backend/internal/store"
)

var errNoAsker = errors.New("no asker configured")

// Asker answers a conversation under the gateway's answer contract.
type Asker interface {
	Ask(ctx context.Context, req gateway.AskRequest) (gateway.Reply, error)
}

// LeadSubmitter hands a captured contact to whoever follows up. Submit must
// not block on delivery.
type LeadSubmitter interface {
	Submit(sessionID string, contact Contact, summary CaseSummary)
}

type Options struct {
	Quota              int
	ContactPromptDelay time.Duration
	Policy             severity.Policy
	Leads              LeadSubmitter
	Logger             *zap.Logger
	Now                func() time.Time
}

type Manager struct {
	kv           store.KV
	asker        Asker
	leads        LeadSubmitter
	policy       severity.Policy
	quota        int
	contactDelay time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry serialises all mutations of one session.
type entry struct {
	mu      sync.Mutex
	rec     record
	timer   *time.Timer
	dropped bool
}

func NewManager(kv store.KV, asker Asker, opts Options) *Manager {
	if opts.Quota <= 0 {
		opts.Quota = 3
	}
	if opts.Policy == nil {
		opts.Policy = severity.Latest{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		kv:           kv,
		asker:        asker,
		leads:        opts.Leads,
		policy:       opts.Policy,
		quota:        opts.Quota,
		contactDelay: opts.ContactPromptDelay,
		logger:       opts.Logger,
		now:          opts.Now,
		sessions:     make(map[string]*entry),
	}
}

func (m *Manager) Quota() int { return m.quota }

// Open restores a session and greets it the first time it is seen.
func (m *Manager) Open(ctx context.Context, id string) (Session, error) {
	e, err := m.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()

	if m.ensureGreeted(e) {
		m.persist(ctx, id, e)
	}
	return e.rec.snapshot(id, m.quota), nil
}

// Snapshot returns the current state without greeting.
func (m *Manager) Snapshot(ctx context.Context, id string) (Session, error) {
	e, err := m.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()
	return e.rec.snapshot(id, m.quota), nil
}

// Send submits one user message. While free questions remain it is answered
// through the asker; a failed answer is replaced by an apology and still
// consumes the question. Once the quota is spent the message is not answered
// and the session switches to contact capture.
func (m *Manager) Send(ctx context.Context, id, text string) (SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SendResult{}, ErrEmptyMessage
	}

	e, err := m.lock(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	defer e.mu.Unlock()

	if m.ensureGreeted(e) {
		m.persist(ctx, id, e)
	}

	if e.rec.QuestionsUsed >= m.quota {
		m.stopTimer(e)
		e.rec.NeedsContactData = true
		m.persist(ctx, id, e)
		return SendResult{Accepted: false, Session: e.rec.snapshot(id, m.quota)}, nil
	}

	e.rec.Turns = append(e.rec.Turns, m.newTurn(RoleUser, text))
	e.rec.QuestionsUsed++
	m.persist(ctx, id, e)

	req := gateway.AskRequest{
		Turns:         make([]gateway.Turn, 0, len(e.rec.Turns)),
		QuestionIndex: e.rec.QuestionsUsed,
	}
	for _, turn := range e.rec.Turns {
		req.Turns = append(req.Turns, gateway.Turn{Role: turn.Role, Content: turn.Content})
	}

	result := SendResult{Accepted: true}
	var reply Turn
	answer, err := m.ask(ctx, req)
	if err != nil {
		m.logger.Warn("answer failed; replying with apology",
			zap.String("session_id", id),
			zap.Int("questions_used", e.rec.QuestionsUsed),
			zap.Error(err),
		)
		reply = m.newTurn(RoleAssistant, apology)
		result.Failed = true
	} else {
		reply = m.newTurn(RoleAssistant, answer.Content)
		e.rec.Severity = m.policy.Apply(e.rec.Severity, answer.Severity)
	}
	e.rec.Turns = append(e.rec.Turns, reply)
	m.persist(ctx, id, e)

	if e.rec.QuestionsUsed >= m.quota {
		m.scheduleContactPrompt(id, e)
	}

	result.Reply = &reply
	result.Session = e.rec.snapshot(id, m.quota)
	return result, nil
}

// SubmitContact stores the visitor's contact, clears contact capture and
// hands the lead off without waiting for delivery.
func (m *Manager) SubmitContact(ctx context.Context, id string, contact Contact) (Session, error) {
	contact, err := normalizeContact(contact)
	if err != nil {
		return Session{}, err
	}

	e, err := m.lock(ctx, id)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()

	m.stopTimer(e)
	e.rec.Contact = &contact
	e.rec.NeedsContactData = false
	summary := buildSummary(id, e.rec, m.now())
	e.rec.Summary = &summary
	m.persist(ctx, id, e)

	if m.leads != nil {
		m.leads.Submit(id, contact, summary)
	}
	return e.rec.snapshot(id, m.quota), nil
}

// Reset forgets a session in memory and in storage.
func (m *Manager) Reset(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.dropped = true
		m.stopTimer(e)
		e.mu.Unlock()
	}

	if err := m.kv.Delete(context.WithoutCancel(ctx), Key(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Close cancels pending contact prompts.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		m.stopTimer(e)
		e.mu.Unlock()
	}
}

func (m *Manager) ask(ctx context.Context, req gateway.AskRequest) (gateway.Reply, error) {
	if m.asker == nil {
		return gateway.Reply{}, errNoAsker
	}
	return m.asker.Ask(ctx, req)
}

// lock returns the session's entry with its mutex held, loading it from
// storage on first access.
func (m *Manager) lock(ctx context.Context, id string) (*entry, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidID
	}
	for {
		e, err := m.entry(ctx, id)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if !e.dropped {
			return e, nil
		}
		e.mu.Unlock()
	}
}

func (m *Manager) entry(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return e, nil
	}

	rec, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}
	e = &entry{rec: rec}
	m.sessions[id] = e
	return e, nil
}

func (m *Manager) load(ctx context.Context, id string) (record, error) {
	raw, found, err := m.kv.Get(ctx, Key(id))
	if err != nil {
		return record{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if !found {
		return record{Version: recordVersion}, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.logger.Warn("discarding unreadable session record", zap.String("session_id", id), zap.Error(err))
		return record{Version: recordVersion}, nil
	}
	return rec, nil
}

func (m *Manager) ensureGreeted(e *entry) bool {
	if e.rec.HasGreeted {
		return false
	}
	if len(e.rec.Turns) == 0 {
		e.rec.Turns = append(e.rec.Turns, m.newTurn(RoleAssistant, greeting(m.quota)))
	}
	e.rec.HasGreeted = true
	return true
}

// persist writes the whole record. Failures are logged; in-memory state is
// kept as is.
func (m *Manager) persist(ctx context.Context, id string, e *entry) {
	e.rec.Version = recordVersion
	raw, err := json.Marshal(e.rec)
	if err != nil {
		m.logger.Error("encode session record failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	if err := m.kv.Put(context.WithoutCancel(ctx), Key(id), raw); err != nil {
		m.logger.Error("persist session failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (m *Manager) scheduleContactPrompt(id string, e *entry) {
	m.stopTimer(e)
	if m.contactDelay <= 0 {
		e.rec.NeedsContactData = true
		m.persist(context.Background(), id, e)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(m.contactDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.dropped || e.timer != timer {
			return
		}
		e.timer = nil
		e.rec.NeedsContactData = true
		m.persist(context.Background(), id, e)
	})
	e.timer = timer
}

func (m *Manager) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (m *Manager) newTurn(role, content string) Turn {
	return Turn{ID: uuid.NewString(), Role: role, Content: content, CreatedAt: m.now()}
}

func normalizeContact(contact Contact) (Contact, error) {
	contact.Name = strings.TrimSpace(contact.Name)
	contact.Email = strings.TrimSpace(contact.Email)
	contact.Phone = strings.TrimSpace(contact.Phone)
	contact.Notes = strings.TrimSpace(contact.Notes)

	if contact.Name == "" || (contact.Email == "" && contact.Phone == "") {
		return Contact{}, ErrInvalidContact
	}
	if contact.Email != "" {
		addr, err := mail.ParseAddress(contact.Email)
		if err != nil {
			return Contact{}, fmt.Errorf("%w: %v", ErrInvalidContact, err)
		}
		contact.Email = addr.Address
	}
	if contact.Phone != "" && countDigits(contact.Phone) < 6 {
		return Contact{}, fmt.Errorf("%w: phone %q is too short", ErrInvalidContact, contact.Phone)
	}
	return contact, nil
}

func countDigits(value string) int {
	count := 0
	for _, r := range value {
		if r >= '0' && r <= '9' {
			count++
		}
	}
	return count
}
