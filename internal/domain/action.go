package domain

import (
	"encoding/json"
	"time"
)

type ActionType string

const (
	ActionPoll         ActionType = "poll"
	ActionAnnouncement ActionType = "announcement"
	ActionDownload     ActionType = "download"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionPoll, ActionAnnouncement, ActionDownload:
		return true
	}
	return false
}

// ActiveAction is an entry of the active-actions log replayed to late joiners.
type ActiveAction struct {
	ID        string          `json:"id"`
	SessionID SessionID       `json:"sessionId"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

type AttendanceID string

type Attendance struct {
	ID             AttendanceID `json:"id"`
	SessionID      SessionID    `json:"sessionId"`
	ParticipantRef string       `json:"participantRef"`
	Name           string       `json:"name"`
	JoinedAt       time.Time    `json:"joinedAt"`
	LeftAt         *time.Time   `json:"leftAt,omitempty"`
}
