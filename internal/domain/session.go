package domain

import (
	"errors"
	"fmt"
	"time"
)

type SessionID string

type LifecycleStatus string

const (
	StatusIdle  LifecycleStatus = "idle"
	StatusLive  LifecycleStatus = "live"
	StatusEnded LifecycleStatus = "ended"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Session is a scheduled virtual/hybrid event session. Status is written
// only by the owner's go-live/end/restart actions.
type Session struct {
	ID             SessionID       `json:"id"`
	Title          string          `json:"title"`
	OwnerAccountID AccountID       `json:"ownerAccountId"`
	StartsAt       time.Time       `json:"startsAt"`
	EndsAt         time.Time       `json:"endsAt"`
	Room           RoomName        `json:"room"`
	Status         LifecycleStatus `json:"status"`
	EventAccess    AccessMode      `json:"eventAccess"`
	AccessOverride *AccessMode     `json:"accessOverride,omitempty"`
}

func (s *Session) Access() AccessMode { return EffectiveAccess(s.EventAccess, s.AccessOverride) }

// ValidateTransition allows idle→live, live→ended and ended→live (restart).
func ValidateTransition(from, to LifecycleStatus) error {
	switch {
	case from == StatusIdle && to == StatusLive,
		from == StatusLive && to == StatusEnded,
		from == StatusEnded && to == StatusLive:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
