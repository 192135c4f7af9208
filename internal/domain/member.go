package domain

import "time"

type ParticipantID string

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User         *User
	Capabilities Capabilities
	AudioEnabled bool
	VideoEnabled bool
	JoinedAt     time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User) *Member {
	return &Member{User: user}
}

func (m *Member) Role() Role { return DeriveRole(m.Capabilities) }

// Participant is the wire view of a member shared with every client.
type Participant struct {
	ID           ParticipantID `json:"id"`
	UserName     string        `json:"userName"`
	AccountID    AccountID     `json:"accountId,omitempty"`
	CanSend      bool          `json:"canSend"`
	CanAdmin     bool          `json:"canAdmin"`
	Owner        bool          `json:"owner"`
	AudioEnabled bool          `json:"audio"`
	VideoEnabled bool          `json:"video"`
}

func (p Participant) Capabilities() Capabilities {
	return Capabilities{CanSend: p.CanSend, CanAdmin: p.CanAdmin, Owner: p.Owner}
}

func (p Participant) Role() Role { return DeriveRole(p.Capabilities()) }
