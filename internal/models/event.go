package models

import "time"

// EventType names a cluster change.
type EventType string

const (
	EventContactCreated  EventType = "contact.created"
	EventContactRelinked EventType = "contact.relinked"
)

// Event describes one committed write made while resolving an observation.
type Event struct {
	Type           EventType      `json:"type"`
	ContactID      int64          `json:"contactId"`
	PrimaryID      int64          `json:"primaryContactId"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	PreviousLink   *int64         `json:"previousLinkedId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
}
