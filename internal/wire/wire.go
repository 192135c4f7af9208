// Package wire defines the JSON text frames exchanged between the room
// server and participants over the signalling WebSocket.
package wire

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/dkeye/livestage/internal/domain"
)

type Type string

// Client to server.
const (
	TypeJoin              Type = "join"
	TypeLeave             Type = "leave"
	TypeBroadcast         Type = "broadcast"
	TypeTrackState        Type = "track-state"
	TypeUpdatePermissions Type = "update-permissions"
	TypeAdmit             Type = "admit"
	TypeMute              Type = "mute"
	TypeStartRecording    Type = "start-recording"
	TypeStopRecording     Type = "stop-recording"
	TypePing              Type = "ping"
)

// Server to client.
const (
	TypeJoined             Type = "joined"
	TypeWaiting            Type = "waiting"
	TypeAccessDenied       Type = "access-denied"
	TypeParticipantJoined  Type = "participant-joined"
	TypeParticipantLeft    Type = "participant-left"
	TypeParticipantUpdated Type = "participant-updated"
	TypeAccessRequest      Type = "access-request"
	TypeAppMessage         Type = "app-message"
	TypeRecordingStarted   Type = "recording-started"
	TypeRecordingStopped   Type = "recording-stopped"
	TypePong               Type = "pong"
	TypeError              Type = "error"
	// TypeRenegotiate asks the participant for a fresh offer after the
	// server attached or removed tracks.
	TypeRenegotiate Type = "renegotiate"
)

// Negotiation. The participant offers and the server answers.
const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
)

type ErrorCode string

const (
	CodeTokenInvalid ErrorCode = "token-invalid"
	CodeRoomFull     ErrorCode = "room-full"
	CodeSessionEnded ErrorCode = "session-ended"
	CodeForbidden    ErrorCode = "forbidden"
	CodeBadPayload   ErrorCode = "bad-payload"
	CodeRateLimited  ErrorCode = "rate-limited"
)

// AllParticipants addresses a broadcast to every other participant.
const AllParticipants domain.ParticipantID = "*"

var ErrMalformed = errors.New("malformed frame")

type Simple struct {
	Type Type `json:"type"`
}

type Join struct {
	Type  Type   `json:"type"`
	Token string `json:"token"`
}

type Broadcast struct {
	Type    Type                 `json:"type"`
	Target  domain.ParticipantID `json:"target"`
	Payload json.RawMessage      `json:"payload"`
}

type TrackState struct {
	Type  Type `json:"type"`
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type UpdatePermissions struct {
	Type        Type                 `json:"type"`
	Participant domain.ParticipantID `json:"participant"`
	CanSend     bool                 `json:"canSend"`
	CanAdmin    bool                 `json:"canAdmin"`
}

type Admit struct {
	Type        Type                 `json:"type"`
	Participant domain.ParticipantID `json:"participant"`
	Granted     bool                 `json:"granted"`
}

type Mute struct {
	Type        Type                 `json:"type"`
	Participant domain.ParticipantID `json:"participant"`
}

type SDP struct {
	Type Type   `json:"type"`
	SDP  string `json:"sdp"`
}

type Candidate struct {
	Type          Type   `json:"type"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type Joined struct {
	Type         Type                 `json:"type"`
	Self         domain.Participant   `json:"self"`
	Participants []domain.Participant `json:"participants"`
	Room         domain.Room          `json:"room"`
}

type ParticipantEvent struct {
	Type        Type               `json:"type"`
	Participant domain.Participant `json:"participant"`
}

type AppMessage struct {
	Type    Type                 `json:"type"`
	From    domain.ParticipantID `json:"from"`
	Payload json.RawMessage      `json:"payload"`
}

type RecordingStarted struct {
	Type      Type      `json:"type"`
	StartedAt time.Time `json:"startedAt"`
}

type Error struct {
	Type  Type      `json:"type"`
	Code  ErrorCode `json:"code"`
	Error string    `json:"error"`
}

func Encode(v any) ([]byte, error) { return json.Marshal(v) }

// MustEncode is for frames built from known-good values.
func MustEncode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: encode %T: %v", v, err))
	}
	return b
}

// Peek returns the frame type without decoding the body.
func Peek(data []byte) (Type, error) {
	var env Simple
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env.Type, nil
}

// Decode unmarshals data into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func NewError(code ErrorCode, err error) Error {
	return Error{Type: TypeError, Code: code, Error: err.Error()}
}
