package models

import "time"

// LinkPrecedence marks a contact as the canonical member of its cluster or a linked one.
type LinkPrecedence string

const (
	PrecedencePrimary   LinkPrecedence = "primary"
	PrecedenceSecondary LinkPrecedence = "secondary"
)

// Valid reports whether p is one of the stored precedence values.
func (p LinkPrecedence) Valid() bool {
	return p == PrecedencePrimary || p == PrecedenceSecondary
}

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber,omitempty"`
	Email          *string        `json:"email,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// IsPrimary reports whether the contact is the canonical member of its cluster.
func (c Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// LinksTo reports whether the contact is a secondary pointing directly at id.
func (c Contact) LinksTo(id int64) bool {
	return c.LinkPrecedence == PrecedenceSecondary && c.LinkedID != nil && *c.LinkedID == id
}

// Before orders contacts by creation time, then by id.
func (c Contact) Before(o Contact) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.ID < o.ID
}

// NewContact carries the fields a store needs to insert a contact.
// The store assigns ID and CreatedAt.
type NewContact struct {
	Email          *string
	PhoneNumber    *string
	LinkedID       *int64
	LinkPrecedence LinkPrecedence
}
