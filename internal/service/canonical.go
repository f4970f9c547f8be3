package service

import (
	"sort"

	"identity-reconciliation/internal/models"
)

// relink is one precedence/link write needed to flatten a cluster onto its canonical contact.
type relink struct {
	id         int64
	precedence models.LinkPrecedence
	linkedID   *int64
}

// canonicalOf returns the earliest-created contact, ties broken by smallest id.
func canonicalOf(cluster []models.Contact) models.Contact {
	canonical := cluster[0]
	for _, c := range cluster[1:] {
		if c.Before(canonical) {
			canonical = c
		}
	}
	return canonical
}

// planRelinks lists the writes that leave canonicalID as the only primary and
// every other contact linked directly to it. Contacts already in that shape
// are skipped. Writes are ordered by ascending id.
func planRelinks(cluster []models.Contact, canonicalID int64) []relink {
	var out []relink
	for _, c := range cluster {
		if c.ID == canonicalID {
			if !c.IsPrimary() || c.LinkedID != nil {
				out = append(out, relink{id: c.ID, precedence: models.PrecedencePrimary})
			}
			continue
		}
		if !c.LinksTo(canonicalID) {
			id := canonicalID
			out = append(out, relink{id: c.ID, precedence: models.PrecedenceSecondary, linkedID: &id})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// verify checks the single-primary invariant on a canonicalized cluster view.
func verify(view []models.Contact, canonicalID int64) error {
	primaries := 0
	for _, c := range view {
		switch {
		case c.ID == canonicalID:
			if !c.IsPrimary() {
				return invariantErr("canonical contact %d is %s", c.ID, c.LinkPrecedence)
			}
			primaries++
		case c.IsPrimary():
			return invariantErr("contact %d is primary alongside canonical %d", c.ID, canonicalID)
		case !c.LinksTo(canonicalID):
			return invariantErr("secondary contact %d is not linked to canonical %d", c.ID, canonicalID)
		}
	}
	if primaries != 1 {
		return invariantErr("cluster of %d contacts has %d canonical entries", len(view), primaries)
	}
	return nil
}

// isNovel reports whether obs supplies an email or phone number that no seed carries.
func isNovel(seeds []models.Contact, obs models.Observation) bool {
	existingEmails := make(map[string]bool)
	existingPhones := make(map[string]bool)

	for _, c := range seeds {
		if c.Email != nil {
			existingEmails[*c.Email] = true
		}
		if c.PhoneNumber != nil {
			existingPhones[*c.PhoneNumber] = true
		}
	}

	if obs.Email != nil && !existingEmails[*obs.Email] {
		return true
	}
	return obs.PhoneNumber != nil && !existingPhones[*obs.PhoneNumber]
}
