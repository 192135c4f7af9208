package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/livestage/internal/domain"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrMalformed   = errors.New("malformed message")
)

var decoders = map[Kind]func([]byte) (Message, error){
	KindPoll:              decodeAs[Poll],
	KindAnnouncement:      decodeAs[Announcement],
	KindDownload:          decodeAs[Download],
	KindPollClosed:        decodeAs[PollClosed],
	KindPollVote:          decodeAs[PollVote],
	KindHandRaise:         decodeAs[HandRaise],
	KindHandLower:         decodeAs[HandLower],
	KindPromote:           decodeAs[Promote],
	KindPromoteAccepted:   decodeAs[PromoteAccepted],
	KindDemote:            decodeAs[Demote],
	KindRePromoteRequest:  decodeAs[RePromoteRequest],
	KindCoHostAssigned:    decodeAs[CoHostAssigned],
	KindCoHostRemoved:     decodeAs[CoHostRemoved],
	KindSessionEndingSoon: decodeAs[SessionEndingSoon],
	KindSessionStatus:     decodeAs[SessionStatus],
	KindRecordingStarted:  decodeAs[RecordingStarted],
	KindRecordingStopped:  decodeAs[RecordingStopped],
	KindChat:              decodeAs[Chat],
	KindChatToggle:        decodeAs[ChatToggle],
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Encode renders m as a flat {"type": ..., ...fields} object.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(m.Kind())+12)
	out = append(out, `{"type":"`...)
	out = append(out, string(m.Kind())...)
	out = append(out, '"')
	if len(body) <= 2 {
		return append(out, '}'), nil
	}
	out = append(out, ',')
	return append(out, body[1:]...), nil
}

// Decode parses a flat message. Unknown kinds yield ErrUnknownKind so
// receivers can skip them.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	return dec(data)
}

// DecodeAction rebuilds an action from an active-actions log entry.
func DecodeAction(a domain.ActiveAction) (Message, error) {
	var m Message
	var err error
	switch a.Type {
	case domain.ActionPoll:
		m, err = decodeAs[Poll](a.Payload)
	case domain.ActionAnnouncement:
		m, err = decodeAs[Announcement](a.Payload)
	case domain.ActionDownload:
		m, err = decodeAs[Download](a.Payload)
	default:
		return nil, fmt.Errorf("%w: action %q", ErrUnknownKind, a.Type)
	}
	return m, err
}

// ActionType maps an action message to its log type.
func ActionType(m Message) (domain.ActionType, bool) {
	switch m.(type) {
	case Poll:
		return domain.ActionPoll, true
	case Announcement:
		return domain.ActionAnnouncement, true
	case Download:
		return domain.ActionDownload, true
	}
	return "", false
}

// ActionPayload marshals the message body without the type tag, the shape
// stored in the active-actions log.
func ActionPayload(m Message) ([]byte, error) {
	return json.Marshal(m)
}
