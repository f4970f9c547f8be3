package service

import (
	"context"
	"sort"

	"identity-reconciliation/internal/models"
)

// closure returns every live contact reachable from seeds, sorted by
// (CreatedAt, ID). Edges are link references in either direction and shared
// email or phone values. Each contact id is expanded once and each value is
// queried once, so the walk stops when a round discovers nothing new.
func (s *ReconciliationService) closure(ctx context.Context, obs models.Observation, seeds []models.Contact) ([]models.Contact, error) {
	w := newClusterWalk(obs)
	for _, c := range seeds {
		if err := w.add(c); err != nil {
			return nil, err
		}
	}

	for !w.done() {
		frontier, emails, phones := w.drain()

		var found []models.Contact
		if len(frontier) > 0 {
			linked, err := s.store.FindByLinkageFrontier(ctx, frontier)
			if err != nil {
				return nil, storeErr("find by linkage frontier", err)
			}
			found = append(found, linked...)
		}
		if len(emails) > 0 || len(phones) > 0 {
			shared, err := s.store.FindBySharedIdentity(ctx, emails, phones)
			if err != nil {
				return nil, storeErr("find by shared identity", err)
			}
			found = append(found, shared...)
		}

		for _, c := range found {
			if err := w.add(c); err != nil {
				return nil, err
			}
		}
	}

	return w.sorted(), nil
}

type clusterWalk struct {
	members    map[int64]models.Contact
	seenEmails map[string]bool
	seenPhones map[string]bool

	frontier []int64
	emails   []string
	phones   []string
}

func newClusterWalk(obs models.Observation) *clusterWalk {
	w := &clusterWalk{
		members:    make(map[int64]models.Contact),
		seenEmails: make(map[string]bool),
		seenPhones: make(map[string]bool),
	}
	// The seed query already matched the observation's own values.
	if obs.Email != nil {
		w.seenEmails[*obs.Email] = true
	}
	if obs.PhoneNumber != nil {
		w.seenPhones[*obs.PhoneNumber] = true
	}
	return w
}

func (w *clusterWalk) add(c models.Contact) error {
	if c.DeletedAt != nil {
		return invariantErr("store returned soft-deleted contact %d", c.ID)
	}
	if !c.LinkPrecedence.Valid() {
		return invariantErr("contact %d has link precedence %q", c.ID, c.LinkPrecedence)
	}
	if _, ok := w.members[c.ID]; ok {
		return nil
	}

	w.members[c.ID] = c
	w.frontier = append(w.frontier, c.ID)
	if c.Email != nil && !w.seenEmails[*c.Email] {
		w.seenEmails[*c.Email] = true
		w.emails = append(w.emails, *c.Email)
	}
	if c.PhoneNumber != nil && !w.seenPhones[*c.PhoneNumber] {
		w.seenPhones[*c.PhoneNumber] = true
		w.phones = append(w.phones, *c.PhoneNumber)
	}
	return nil
}

func (w *clusterWalk) done() bool {
	return len(w.frontier) == 0 && len(w.emails) == 0 && len(w.phones) == 0
}

func (w *clusterWalk) drain() (frontier []int64, emails, phones []string) {
	frontier, emails, phones = w.frontier, w.emails, w.phones
	w.frontier, w.emails, w.phones = nil, nil, nil
	return frontier, emails, phones
}

func (w *clusterWalk) sorted() []models.Contact {
	out := make([]models.Contact, 0, len(w.members))
	for _, c := range w.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
