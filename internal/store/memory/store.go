// Package memory is an in-process contact store. It backs the "memory"
// database driver and the resolver's tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store"
)

// Store keeps contacts in a map guarded by a RWMutex. RunInTx serializes
// transactions and restores a snapshot when the callback fails.
type Store struct {
	mu       sync.RWMutex
	contacts map[int64]models.Contact
	nextID   int64
	now      func() time.Time

	txMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		contacts: make(map[int64]models.Contact),
		nextID:   1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx runs fn with exclusive write access. If fn fails, every write it
// made is discarded.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := make(map[int64]models.Contact, len(s.contacts))
	for id, c := range s.contacts {
		snapshot[id] = c
	}
	nextID := s.nextID
	s.mu.RUnlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.contacts = snapshot
		s.nextID = nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// FindByEmailOrPhone returns live contacts matching either supplied field.
func (s *Store) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	if email == nil && phone == nil {
		return []models.Contact{}, nil
	}
	return s.filter(ctx, func(c models.Contact) bool {
		return (email != nil && c.Email != nil && *c.Email == *email) ||
			(phone != nil && c.PhoneNumber != nil && *c.PhoneNumber == *phone)
	})
}

// FindByLinkageFrontier returns live contacts linked to ids and the contacts ids link to.
func (s *Store) FindByLinkageFrontier(ctx context.Context, ids []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}

	s.mu.RLock()
	inSet := make(map[int64]bool, len(ids))
	targets := make(map[int64]bool)
	for _, id := range ids {
		inSet[id] = true
		if c, ok := s.contacts[id]; ok && c.LinkedID != nil {
			targets[*c.LinkedID] = true
		}
	}
	s.mu.RUnlock()

	return s.filter(ctx, func(c models.Contact) bool {
		return (c.LinkedID != nil && inSet[*c.LinkedID]) || targets[c.ID]
	})
}

// FindBySharedIdentity returns live contacts carrying any of the values.
func (s *Store) FindBySharedIdentity(ctx context.Context, emails, phones []string) ([]models.Contact, error) {
	emailSet := toSet(emails)
	phoneSet := toSet(phones)
	if len(emailSet) == 0 && len(phoneSet) == 0 {
		return []models.Contact{}, nil
	}
	return s.filter(ctx, func(c models.Contact) bool {
		return (c.Email != nil && emailSet[*c.Email]) || (c.PhoneNumber != nil && phoneSet[*c.PhoneNumber])
	})
}

// FindByIDs returns the live contacts among ids.
func (s *Store) FindByIDs(ctx context.Context, ids []int64) ([]models.Contact, error) {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return s.filter(ctx, func(c models.Contact) bool { return set[c.ID] })
}

// Insert assigns the next id and the current time.
func (s *Store) Insert(ctx context.Context, nc models.NewContact) (models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return models.Contact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := models.Contact{
		ID:             s.nextID,
		Email:          cloneString(nc.Email),
		PhoneNumber:    cloneString(nc.PhoneNumber),
		LinkedID:       cloneInt(nc.LinkedID),
		LinkPrecedence: nc.LinkPrecedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.contacts[c.ID] = c
	s.nextID++
	return c, nil
}

// UpdatePrecedence rewrites a live contact's precedence and link.
func (s *Store) UpdatePrecedence(ctx context.Context, id int64, precedence models.LinkPrecedence, linkedID *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.DeletedAt != nil {
		return fmt.Errorf("update contact %d: %w", id, store.ErrNotFound)
	}
	c.LinkPrecedence = precedence
	c.LinkedID = cloneInt(linkedID)
	c.UpdatedAt = s.now()
	s.contacts[id] = c
	return nil
}

// Put stores c as-is, keeping its id and timestamps. Used to load fixtures.
func (s *Store) Put(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts[c.ID] = c
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
}

// SoftDelete marks a contact deleted. The resolver never calls it.
func (s *Store) SoftDelete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return fmt.Errorf("soft delete contact %d: %w", id, store.ErrNotFound)
	}
	now := s.now()
	c.DeletedAt = &now
	s.contacts[id] = c
	return nil
}

// Get returns a contact including soft-deleted ones.
func (s *Store) Get(id int64) (models.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	return c, ok
}

// All returns every stored contact, deleted included, ordered by id.
func (s *Store) All() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) filter(ctx context.Context, match func(models.Contact) bool) ([]models.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Contact{}
	for _, c := range s.contacts {
		if c.DeletedAt == nil && match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	i := *v
	return &i
}
