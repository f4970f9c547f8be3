package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store/memory"
)

var base = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func strPtr(s string) *string { return &s }
func idPtr(id int64) *int64   { return &id }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clockFrom returns a clock that starts at start and advances one second per call.
func clockFrom(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func obs(email, phone string) models.Observation {
	return models.NewObservation(strPtr(email), strPtr(phone))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evts ...models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evts...)
	return p.err
}

func (p *recordingPublisher) types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	sizes    []int
	errors   []string
}

func (m *recordingMetrics) ObserveResolve(outcome string, _ time.Duration, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	m.sizes = append(m.sizes, size)
}

func (m *recordingMetrics) IncResolveError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, kind)
}

type fixture struct {
	store     *memory.Store
	svc       *ReconciliationService
	publisher *recordingPublisher
	metrics   *recordingMetrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memory.New(memory.WithClock(clockFrom(at(1000))))
	f := &fixture{store: st, publisher: &recordingPublisher{}, metrics: &recordingMetrics{}}
	opts = append([]Option{
		WithPublisher(f.publisher),
		WithMetrics(f.metrics),
		WithLogger(discardLogger()),
		WithClock(clockFrom(at(5000))),
	}, opts...)
	f.svc = NewReconciliationService(st, st, opts...)
	return f
}

// put stores a fixture contact. linked == 0 means primary.
func (f *fixture) put(id int64, email, phone string, linked int64, created time.Time) {
	c := models.Contact{
		ID:             id,
		LinkPrecedence: models.PrecedencePrimary,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if email != "" {
		c.Email = strPtr(email)
	}
	if phone != "" {
		c.PhoneNumber = strPtr(phone)
	}
	if linked != 0 {
		c.LinkPrecedence = models.PrecedenceSecondary
		c.LinkedID = idPtr(linked)
	}
	f.store.Put(c)
}

func (f *fixture) resolve(t *testing.T, o models.Observation) *models.ClusterSummary {
	t.Helper()
	summary, err := f.svc.Resolve(context.Background(), o)
	require.NoError(t, err)
	return summary
}

func (f *fixture) contact(t *testing.T, id int64) models.Contact {
	t.Helper()
	c, ok := f.store.Get(id)
	require.True(t, ok, "contact %d not found", id)
	return c
}

// requireFlattened checks that every live contact is either a primary or a
// secondary linked straight to a live primary, and that contacts sharing an
// email or phone number share that primary.
func requireFlattened(t *testing.T, st *memory.Store) {
	t.Helper()
	live := make(map[int64]models.Contact)
	for _, c := range st.All() {
		if c.DeletedAt == nil {
			live[c.ID] = c
		}
	}

	root := func(c models.Contact) int64 {
		if c.IsPrimary() {
			require.Nil(t, c.LinkedID, "primary %d has a link", c.ID)
			return c.ID
		}
		require.NotNil(t, c.LinkedID, "secondary %d has no link", c.ID)
		p, ok := live[*c.LinkedID]
		require.True(t, ok, "secondary %d links to missing contact %d", c.ID, *c.LinkedID)
		require.True(t, p.IsPrimary(), "secondary %d links to secondary %d", c.ID, p.ID)
		return p.ID
	}

	byEmail := make(map[string]int64)
	byPhone := make(map[string]int64)
	for _, c := range live {
		r := root(c)
		if c.Email != nil {
			if prev, ok := byEmail[*c.Email]; ok {
				require.Equal(t, prev, r, "email %s spans two clusters", *c.Email)
			}
			byEmail[*c.Email] = r
		}
		if c.PhoneNumber != nil {
			if prev, ok := byPhone[*c.PhoneNumber]; ok {
				require.Equal(t, prev, r, "phone %s spans two clusters", *c.PhoneNumber)
			}
			byPhone[*c.PhoneNumber] = r
		}
	}
}
