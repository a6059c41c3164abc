package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/severity"
	"taxdesk/backend/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAsker struct {
	mu       sync.Mutex
	requests []gateway.AskRequest
	answer   func(call int, req gateway.AskRequest) (gateway.Reply, error)
}

func (f *fakeAsker) Ask(_ context.Context, req gateway.AskRequest) (gateway.Reply, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	if f.answer == nil {
		return gateway.Reply{Content: "Respuesta", Severity: severity.Low}, nil
	}
	return f.answer(call, req)
}

func (f *fakeAsker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type recordedLead struct {
	sessionID string
	contact   Contact
	summary   CaseSummary
}

type fakeLeads struct {
	mu    sync.Mutex
	leads []recordedLead
}

func (f *fakeLeads) Submit(sessionID string, contact Contact, summary CaseSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads = append(f.leads, recordedLead{sessionID: sessionID, contact: contact, summary: summary})
}

type failingKV struct {
	*store.MemoryStore
}

func (failingKV) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestManager(kv store.KV, asker Asker, opts Options) *Manager {
	if opts.Quota == 0 {
		opts.Quota = 3
	}
	if opts.Now == nil {
		opts.Now = fixedClock()
	}
	return NewManager(kv, asker, opts)
}

func TestOpenGreetsOnceAcrossReload(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()

	first := newTestManager(kv, &fakeAsker{}, Options{})
	opened, err := first.Open(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, opened.Turns, 1)
	assert.Equal(t, RoleAssistant, opened.Turns[0].Role)
	assert.Contains(t, opened.Turns[0].Content, "3 preguntas gratuitas")
	assert.True(t, opened.HasGreeted)
	assert.Equal(t, StateActive, opened.State)

	again, err := first.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again.Turns, 1)

	reloaded := newTestManager(kv, &fakeAsker{}, Options{})
	restored, err := reloaded.Open(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, restored.Turns, 1)
	assert.Equal(t, opened.Turns[0], restored.Turns[0])
}

func TestSnapshotOfUnknownSessionIsEmpty(t *testing.T) {
	m := newTestManager(store.NewMemory(), &fakeAsker{}, Options{})
	snap, err := m.Snapshot(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, snap.Turns)
	assert.Equal(t, StateLoaded, snap.State)
	assert.False(t, snap.HasGreeted)

	_, err = m.Snapshot(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestSendPassesFullHistoryAndQuestionIndex(t *testing.T) {
	ctx := context.Background()
	asker := &fakeAsker{}
	m := newTestManager(store.NewMemory(), asker, Options{ContactPromptDelay: time.Hour})
	defer m.Close()

	_, err := m.Send(ctx, "s1", "¿Cuándo se presenta el IVA?")
	require.NoError(t, err)
	_, err = m.Send(ctx, "s1", "¿Y el modelo 130?")
	require.NoError(t, err)

	require.Equal(t, 2, asker.calls())
	assert.Equal(t, 1, asker.requests[0].QuestionIndex)
	assert.Equal(t, 2, asker.requests[1].QuestionIndex)

	second := asker.requests[1].Turns
	require.Len(t, second, 4, "greeting, question, answer, question")
	assert.Equal(t, RoleAssistant, second[0].Role)
	assert.Equal(t, gateway.Turn{Role: RoleUser, Content: "¿Y el modelo 130?"}, second[3])
}

func TestSendStopsAnsweringAfterQuota(t *testing.T) {
	ctx := context.Background()
	asker := &fakeAsker{}
	m := newTestManager(store.NewMemory(), asker, Options{ContactPromptDelay: 10 * time.Millisecond})
	defer m.Close()

	for i := 1; i <= 3; i++ {
		result, err := m.Send(ctx, "s1", "pregunta")
		require.NoError(t, err)
		assert.True(t, result.Accepted)
		require.NotNil(t, result.Reply)
		assert.Equal(t, i, result.Session.QuestionsUsed)
	}

	require.Eventually(t, func() bool {
		snap, err := m.Snapshot(ctx, "s1")
		return err == nil && snap.NeedsContactData && snap.State == StateAwaitingContactData
	}, time.Second, 5*time.Millisecond)

	result, err := m.Send(ctx, "s1", "una más")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Nil(t, result.Reply)
	assert.True(t, result.Session.NeedsContactData)
	assert.Equal(t, 3, result.Session.QuestionsUsed)
	assert.Len(t, result.Session.Turns, 7, "the dropped message is not recorded")
	assert.Equal(t, 3, asker.calls())
}

func TestContactPromptWaitsForDelay(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemory(), &fakeAsker{}, Options{Quota: 1, ContactPromptDelay: time.Hour})
	defer m.Close()

	result, err := m.Send(ctx, "s1", "pregunta")
	require.NoError(t, err)
	assert.False(t, result.Session.NeedsContactData)
	assert.Equal(t, StateActive, result.Session.State)

	result, err = m.Send(ctx, "s1", "otra")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.True(t, result.Session.NeedsContactData, "over quota switches immediately")
}

func TestFailedAnswerStillConsumesQuestion(t *testing.T) {
	ctx := context.Background()
	asker := &fakeAsker{answer: func(int, gateway.AskRequest) (gateway.Reply, error) {
		return gateway.Reply{}, &gateway.Error{Kind: gateway.KindUpstream, Status: 503}
	}}
	m := newTestManager(store.NewMemory(), asker, Options{})

	result, err := m.Send(ctx, "s1", "¿Puedo deducir el coche?")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Failed)
	assert.Equal(t, apology, result.Reply.Content)
	assert.Equal(t, 1, result.Session.QuestionsUsed)
	assert.Equal(t, severity.Low, result.Session.Severity)
}

func TestSeverityPolicies(t *testing.T) {
	ctx := context.Background()
	tiers := []severity.Tier{severity.Critical, severity.Low}
	answer := func(call int, _ gateway.AskRequest) (gateway.Reply, error) {
		return gateway.Reply{Content: "ok", Severity: tiers[call-1]}, nil
	}

	latest := newTestManager(store.NewMemory(), &fakeAsker{answer: answer}, Options{})
	_, err := latest.Send(ctx, "s1", "embargo")
	require.NoError(t, err)
	result, err := latest.Send(ctx, "s1", "gracias")
	require.NoError(t, err)
	assert.Equal(t, severity.Low, result.Session.Severity)

	escalate := newTestManager(store.NewMemory(), &fakeAsker{answer: answer}, Options{Policy: severity.EscalateOnly{}})
	_, err = escalate.Send(ctx, "s1", "embargo")
	require.NoError(t, err)
	result, err = escalate.Send(ctx, "s1", "gracias")
	require.NoError(t, err)
	assert.Equal(t, severity.Critical, result.Session.Severity)
}

func TestPersistedSessionRoundTrips(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	asker := &fakeAsker{answer: func(int, gateway.AskRequest) (gateway.Reply, error) {
		return gateway.Reply{Content: "Depende de tu residencia fiscal.", Severity: severity.Elevated}, nil
	}}

	m := newTestManager(kv, asker, Options{ContactPromptDelay: time.Hour})
	defer m.Close()
	_, err := m.Send(ctx, "s1", "Vivo entre Francia y España")
	require.NoError(t, err)
	result, err := m.Send(ctx, "s1", "¿Dónde tributo?")
	require.NoError(t, err)

	restored, err := newTestManager(kv, asker, Options{}).Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, result.Session, restored)
	assert.Len(t, restored.Turns, 5)
	assert.Equal(t, severity.Elevated, restored.Severity)
	assert.Equal(t, 2, restored.QuestionsUsed)
	assert.True(t, restored.HasGreeted)
}

func TestSubmitContactBuildsSummaryAndDispatchesLead(t *testing.T) {
	ctx := context.Background()
	leads := &fakeLeads{}
	asker := &fakeAsker{answer: func(call int, _ gateway.AskRequest) (gateway.Reply, error) {
		if call == 2 {
			return gateway.Reply{Content: "Responde al requerimiento en diez días.", Severity: severity.Critical}, nil
		}
		return gateway.Reply{Content: "Entendido.", Severity: severity.Low}, nil
	}}
	m := newTestManager(store.NewMemory(), asker, Options{Quota: 2, Leads: leads})

	_, err := m.Send(ctx, "s1", "Me ha llegado una carta de Hacienda")
	require.NoError(t, err)
	result, err := m.Send(ctx, "s1", "Es un requerimiento")
	require.NoError(t, err)
	assert.True(t, result.Session.NeedsContactData, "zero delay switches at once")

	_, err = m.SubmitContact(ctx, "s1", Contact{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidContact)
	_, err = m.SubmitContact(ctx, "s1", Contact{Name: "Ana"})
	assert.ErrorIs(t, err, ErrInvalidContact)
	_, err = m.SubmitContact(ctx, "s1", Contact{Name: "Ana", Email: "no-es-email"})
	assert.ErrorIs(t, err, ErrInvalidContact)
	_, err = m.SubmitContact(ctx, "s1", Contact{Name: "Ana", Phone: "12"})
	assert.ErrorIs(t, err, ErrInvalidContact)

	snap, err := m.SubmitContact(ctx, "s1", Contact{Name: " Ana Pérez ", Email: "Ana Pérez <ana@example.com>"})
	require.NoError(t, err)
	assert.False(t, snap.NeedsContactData)
	require.NotNil(t, snap.Contact)
	assert.Equal(t, Contact{Name: "Ana Pérez", Email: "ana@example.com"}, *snap.Contact)

	require.NotNil(t, snap.Summary)
	assert.Equal(t, severity.Critical, snap.Summary.Severity)
	assert.Equal(t, []string{"Me ha llegado una carta de Hacienda", "Es un requerimiento"}, snap.Summary.Questions)
	assert.Equal(t, "Responde al requerimiento en diez días.", snap.Summary.LastAnswer)
	assert.Equal(t, 5, snap.Summary.TurnCount)

	require.Len(t, leads.leads, 1)
	assert.Equal(t, "s1", leads.leads[0].sessionID)
	assert.Equal(t, *snap.Summary, leads.leads[0].summary)
}

func TestSubmitContactCancelsPendingPrompt(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(store.NewMemory(), &fakeAsker{}, Options{Quota: 1, ContactPromptDelay: 20 * time.Millisecond})
	defer m.Close()

	_, err := m.Send(ctx, "s1", "pregunta")
	require.NoError(t, err)
	_, err = m.SubmitContact(ctx, "s1", Contact{Name: "Luis", Phone: "+34 600 000 000"})
	require.NoError(t, err)

	assert.Never(t, func() bool {
		snap, err := m.Snapshot(ctx, "s1")
		return err != nil || snap.NeedsContactData
	}, 80*time.Millisecond, 10*time.Millisecond)
}

func TestResetClearsMemoryAndStorage(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	m := newTestManager(kv, &fakeAsker{}, Options{Quota: 1, ContactPromptDelay: 20 * time.Millisecond})
	defer m.Close()

	_, err := m.Send(ctx, "s1", "pregunta")
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, "s1"))

	_, found, err := kv.Get(ctx, Key("s1"))
	require.NoError(t, err)
	assert.False(t, found)

	assert.Never(t, func() bool {
		_, found, _ := kv.Get(ctx, Key("s1"))
		return found
	}, 80*time.Millisecond, 10*time.Millisecond, "a cancelled prompt must not resurrect the record")

	fresh, err := m.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.QuestionsUsed)
	assert.Len(t, fresh.Turns, 1)
	assert.False(t, fresh.NeedsContactData)

	assert.ErrorIs(t, m.Reset(ctx, ""), ErrInvalidID)
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(failingKV{store.NewMemory()}, &fakeAsker{}, Options{ContactPromptDelay: time.Hour})
	defer m.Close()

	result, err := m.Send(ctx, "s1", "¿Cómo tributa un alquiler?")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Session.QuestionsUsed)

	snap, err := m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, snap.Turns, 3)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	asker := &fakeAsker{}
	m := newTestManager(store.NewMemory(), asker, Options{})
	_, err := m.Send(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, asker.calls())
}

func TestConcurrentSendsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	asker := &fakeAsker{}
	m := newTestManager(store.NewMemory(), asker, Options{ContactPromptDelay: time.Hour})
	defer m.Close()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Send(ctx, "s1", "pregunta")
			if err == nil && result.Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), accepted.Load())
	assert.Equal(t, 3, asker.calls())
	snap, err := m.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.QuestionsUsed)
	assert.True(t, snap.NeedsContactData)
}
