// Package session owns per-visitor conversation state: history, the free
// question counter, the one-time greeting and the switch into contact
// capture once the quota is spent.
package session

import (
	"errors"
	"fmt"
	"time"

	"taxdesk/backend/internal/severity"
)

const keyPrefix = "taxdesk.session:"

// Key is the storage key of a session record.
func Key(id string) string {
	return keyPrefix + id
}

type State string

const (
	StateUninitialized       State = "uninitialized"
	StateLoaded              State = "loaded"
	StateActive              State = "active"
	StateAwaitingContactData State = "awaiting_contact_data"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrInvalidContact = errors.New("contact needs a name and an email or phone")
	ErrInvalidID      = errors.New("session id is required")
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// CaseSummary is the handoff payload for whoever follows up on a lead.
type CaseSummary struct {
	SessionID   string        `json:"sessionId"`
	Severity    severity.Tier `json:"severity"`
	Questions   []string      `json:"questions"`
	LastAnswer  string        `json:"lastAnswer,omitempty"`
	TurnCount   int           `json:"turnCount"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Session is a point-in-time copy of a conversation.
type Session struct {
	ID               string        `json:"id"`
	State            State         `json:"state"`
	Turns            []Turn        `json:"turns"`
	QuestionsUsed    int           `json:"questionsUsed"`
	Quota            int           `json:"quota"`
	HasGreeted       bool          `json:"hasGreeted"`
	Severity         severity.Tier `json:"severity"`
	Contact          *Contact      `json:"contact,omitempty"`
	Summary          *CaseSummary  `json:"summary,omitempty"`
	NeedsContactData bool          `json:"needsContactData"`
}

// SendResult reports what happened to one submitted message. Accepted is
// false when the quota was already spent and no answer was requested.
type SendResult struct {
	Accepted bool    `json:"accepted"`
	Reply    *Turn   `json:"reply,omitempty"`
	Failed   bool    `json:"failed"`
	Session  Session `json:"session"`
}

// record is the persisted shape, always written wholesale.
type record struct {
	Version          int           `json:"version"`
	Turns            []Turn        `json:"turns"`
	QuestionsUsed    int           `json:"questionsUsed"`
	HasGreeted       bool          `json:"hasGreeted"`
	Severity         severity.Tier `json:"severity"`
	Contact          *Contact      `json:"contact,omitempty"`
	Summary          *CaseSummary  `json:"summary,omitempty"`
	NeedsContactData bool          `json:"needsContactData"`
}

const recordVersion = 1

func (r record) snapshot(id string, quota int) Session {
	s := Session{
		ID:               id,
		Turns:            append([]Turn(nil), r.Turns...),
		QuestionsUsed:    r.QuestionsUsed,
		Quota:            quota,
		HasGreeted:       r.HasGreeted,
		Severity:         r.Severity,
		NeedsContactData: r.NeedsContactData,
	}
	if s.Turns == nil {
		s.Turns = []Turn{}
	}
	if r.Contact != nil {
		contact := *r.Contact
		s.Contact = &contact
	}
	if r.Summary != nil {
		summary := *r.Summary
		summary.Questions = append([]string(nil), r.Summary.Questions...)
		s.Summary = &summary
	}
	switch {
	case r.NeedsContactData:
		s.State = StateAwaitingContactData
	case r.HasGreeted:
		s.State = StateActive
	default:
		s.State = StateLoaded
	}
	return s
}

func buildSummary(id string, r record, now time.Time) CaseSummary {
	summary := CaseSummary{
		SessionID:   id,
		Severity:    r.Severity,
		Questions:   []string{},
		TurnCount:   len(r.Turns),
		GeneratedAt: now,
	}
	askedSomething := false
	for _, turn := range r.Turns {
		switch turn.Role {
		case RoleUser:
			summary.Questions = append(summary.Questions, turn.Content)
			askedSomething = true
		case RoleAssistant:
			if askedSomething {
				summary.LastAnswer = turn.Content
			}
		}
	}
	return summary
}

func greeting(quota int) string {
	questions := fmt.Sprintf("%d preguntas gratuitas", quota)
	if quota == 1 {
		questions = "1 pregunta gratuita"
	}
	return fmt.Sprintf("¡Hola! Soy el asistente de consultas fiscales y legales. Puedes hacerme %s sobre impuestos, "+
		"Hacienda o cuestiones legales. Si después necesitas más ayuda, te pondremos en contacto con un experto.", questions)
}

const apology = "Lo siento, ahora mismo no he podido responder a tu pregunta. Inténtalo de nuevo en unos minutos " +
	"o pide que te contacte uno de nuestros expertos."
