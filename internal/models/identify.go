package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       *string     `json:"email"`
	PhoneNumber *PhoneValue `json:"phoneNumber"`
}

// PhoneValue accepts a phone number sent either as a JSON string or a JSON number.
type PhoneValue string

// UnmarshalJSON keeps the literal digits of numeric phone numbers.
func (p *PhoneValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("phoneNumber must be a string or a number: %w", err)
	}
	*p = PhoneValue(n.String())
	return nil
}

// Observation is a normalized identify request: trimmed, with empty values dropped.
type Observation struct {
	Email       *string
	PhoneNumber *string
}

// Observation normalizes the request body.
func (r IdentifyRequest) Observation() Observation {
	var phone *string
	if r.PhoneNumber != nil {
		s := string(*r.PhoneNumber)
		phone = &s
	}
	return NewObservation(r.Email, phone)
}

// NewObservation trims both fields and treats empty strings as absent.
func NewObservation(email, phone *string) Observation {
	return Observation{Email: normalize(email), PhoneNumber: normalize(phone)}
}

// Empty reports whether neither identity field is present.
func (o Observation) Empty() bool {
	return o.Email == nil && o.PhoneNumber == nil
}

func normalize(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

// ClusterSummary is the consolidated view of one identity cluster.
// The primaryContatctId spelling is part of the public wire contract.
type ClusterSummary struct {
	PrimaryContactID    int64    `json:"primaryContatctId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ClusterSummary `json:"contact"`
}

// ErrorResponse is the body returned for rejected or failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
