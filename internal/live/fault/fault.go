// Package fault classifies connection-time failures into the small taxonomy
// the participant UI renders. Classify is the only place collaborator error
// text is interpreted.
package fault

import (
	"errors"
	"strings"
)

type Kind string

const (
	PermissionDenied  Kind = "permission-denied"
	DeviceNotFound    Kind = "device-not-found"
	Network           Kind = "network"
	RoomFull          Kind = "room-full"
	WebRTCUnsupported Kind = "webrtc-unsupported"
	Generic           Kind = "generic"
)

// ErrAccessDenied is the host turning a knock down. It is terminal: the
// same knock would be denied again.
var ErrAccessDenied = errors.New("access denied by host")

// Error is a classified failure. Err keeps the collaborator's original error.
type Error struct {
	Kind Kind
	Err  error
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the full-screen error offers "Retry".
func (e *Error) Retryable() bool {
	switch e.Kind {
	case RoomFull, WebRTCUnsupported:
		return false
	}
	return !errors.Is(e.Err, ErrAccessDenied)
}

// Fatal reports whether the failure aborts the join. Missing devices only
// degrade the requested media.
func (e *Error) Fatal() bool { return e.Kind != DeviceNotFound }

var rules = []struct {
	kind     Kind
	keywords []string
}{
	{RoomFull, []string{"room-full", "room is full", "room full", "max participants", "capacity"}},
	{WebRTCUnsupported, []string{"webrtc-unsupported", "webrtc", "not supported", "unsupported"}},
	{PermissionDenied, []string{"permission", "notallowed", "not allowed", "denied"}},
	{DeviceNotFound, []string{"notfound", "not found", "no device", "device missing", "requested device"}},
	{Network, []string{"network", "connection", "timeout", "timed out", "ice failed", "ice disconnected", "eof", "reset by peer", "refused"}},
}

// Classify maps an arbitrary error to a *Error. Already classified errors
// pass through unchanged; nil stays nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrAccessDenied) {
		return New(Generic, err)
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return New(r.kind, err)
			}
		}
	}
	return New(Generic, err)
}

// KindOf is a shortcut for Classify(err).Kind; empty for nil.
func KindOf(err error) Kind {
	if fe := Classify(err); fe != nil {
		return fe.Kind
	}
	return ""
}
