package domain

import "time"

// DefaultTokenLifetime is the nominal lifetime of a meeting token.
const DefaultTokenLifetime = 4 * time.Hour

// MeetingToken is an opaque short-lived credential. Never persisted.
type MeetingToken struct {
	Value    string
	IssuedAt time.Time
	Lifetime time.Duration
}

func (t MeetingToken) ExpiresAt() time.Time { return t.IssuedAt.Add(t.Lifetime) }

// WarnAt is the instant a refresh warning is due, lead before expiry.
func (t MeetingToken) WarnAt(lead time.Duration) time.Time {
	return t.ExpiresAt().Add(-lead)
}
