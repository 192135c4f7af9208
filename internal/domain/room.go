package domain

type (
	RoomName string
	RoomID   string
)

// DefaultMaxParticipants is the cap applied when a room is unlocked.
const DefaultMaxParticipants = 200

type Room struct {
	ID         RoomID         `json:"id"`
	Name       RoomName       `json:"name"`
	SessionID  SessionID      `json:"sessionId"`
	Properties RoomProperties `json:"properties"`
}

type RoomProperties struct {
	MaxParticipants   int  `json:"max_participants"`
	EnableKnocking    bool `json:"enable_knocking"`
	EnableScreenshare bool `json:"enable_screenshare"`
}

// RoomPropertiesPatch carries a partial update; nil fields are untouched.
type RoomPropertiesPatch struct {
	EnableKnocking    *bool `json:"enable_knocking,omitempty"`
	EnableScreenshare *bool `json:"enable_screenshare,omitempty"`
	MaxParticipants   *int  `json:"max_participants,omitempty"`
}

func (p RoomPropertiesPatch) Apply(props RoomProperties) RoomProperties {
	if p.EnableKnocking != nil {
		props.EnableKnocking = *p.EnableKnocking
	}
	if p.EnableScreenshare != nil {
		props.EnableScreenshare = *p.EnableScreenshare
	}
	if p.MaxParticipants != nil {
		props.MaxParticipants = *p.MaxParticipants
	}
	return props
}

func (p RoomPropertiesPatch) Empty() bool {
	return p.EnableKnocking == nil && p.EnableScreenshare == nil && p.MaxParticipants == nil
}
