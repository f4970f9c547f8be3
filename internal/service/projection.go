package service

import (
	"sort"

	"identity-reconciliation/internal/models"
)

// project builds the cluster summary. Emails and phone numbers are distinct by
// value, the canonical contact's values first and the rest in (CreatedAt, ID)
// order. Secondary ids are ascending.
func project(view []models.Contact, canonicalID int64) *models.ClusterSummary {
	ordered := make([]models.Contact, len(view))
	copy(ordered, view)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].ID == canonicalID) != (ordered[j].ID == canonicalID) {
			return ordered[i].ID == canonicalID
		}
		return ordered[i].Before(ordered[j])
	})

	summary := &models.ClusterSummary{
		PrimaryContactID:    canonicalID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: []int64{},
	}

	seenEmails := make(map[string]bool)
	seenPhones := make(map[string]bool)
	for _, c := range ordered {
		if c.Email != nil && !seenEmails[*c.Email] {
			seenEmails[*c.Email] = true
			summary.Emails = append(summary.Emails, *c.Email)
		}
		if c.PhoneNumber != nil && !seenPhones[*c.PhoneNumber] {
			seenPhones[*c.PhoneNumber] = true
			summary.PhoneNumbers = append(summary.PhoneNumbers, *c.PhoneNumber)
		}
		if c.ID != canonicalID {
			summary.SecondaryContactIDs = append(summary.SecondaryContactIDs, c.ID)
		}
	}

	sort.Slice(summary.SecondaryContactIDs, func(i, j int) bool {
		return summary.SecondaryContactIDs[i] < summary.SecondaryContactIDs[j]
	})
	return summary
}
