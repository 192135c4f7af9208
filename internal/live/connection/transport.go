package connection

import (
	"context"
	"time"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/device"
)

// JoinOptions are handed to the transport on join.
type JoinOptions struct {
	Token       string
	SessionID   domain.SessionID
	DisplayName string
	Media       device.Selection
}

type JoinResult struct {
	Self         domain.Participant
	Participants []domain.Participant
	Room         domain.Room
}

// Transport is the realtime provider the participant joins through.
// Events are delivered sequentially on a single goroutine.
type Transport interface {
	// Supported reports whether this platform can carry a call at all.
	Supported() error
	Join(ctx context.Context, opts JoinOptions) (JoinResult, error)
	Leave(ctx context.Context) error
	SendBroadcast(ctx context.Context, payload []byte, target string) error
	SetLocalAudio(enabled bool) error
	SetLocalVideo(enabled bool) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Admin is the operator half of the transport surface.
type Admin interface {
	UpdatePermissions(ctx context.Context, pid domain.ParticipantID, caps domain.Capabilities) error
	Admit(ctx context.Context, pid domain.ParticipantID, granted bool) error
	Mute(ctx context.Context, pid domain.ParticipantID) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
}

// TokenIssuer issues meeting tokens for a session.
type TokenIssuer interface {
	IssueToken(ctx context.Context, sessionID domain.SessionID, displayName string) (domain.MeetingToken, error)
}

// AttendanceRecorder timestamps joins and leaves for reporting.
type AttendanceRecorder interface {
	RecordJoin(ctx context.Context, sessionID domain.SessionID, participantRef, name string) (domain.AttendanceID, error)
	RecordLeave(ctx context.Context, id domain.AttendanceID) error
}

// Event is anything the transport reports after join.
type Event interface{ transportEvent() }

type (
	NetworkInterrupted struct{}
	// NetworkRestored carries the roster re-announced by the server when
	// the transport had to rejoin; both are empty when the link recovered
	// without a rejoin.
	NetworkRestored struct {
		Self         domain.Participant
		Participants []domain.Participant
	}
	// NetworkQuality is reported whenever the link quality changes.
	NetworkQuality     struct{ Poor bool }
	ParticipantJoined  struct{ Participant domain.Participant }
	ParticipantLeft    struct{ Participant domain.Participant }
	ParticipantUpdated struct{ Participant domain.Participant }
	AccessRequest      struct{ Participant domain.Participant }
	AppMessage         struct {
		From    domain.ParticipantID
		Payload []byte
	}
	RecordingStarted struct{ StartedAt time.Time }
	RecordingStopped struct{}
	Waiting          struct{}
	AccessDenied     struct{}
	// Failure is an unrecoverable transport error.
	Failure struct{ Err error }
)

func (NetworkInterrupted) transportEvent() {}
func (NetworkRestored) transportEvent()    {}
func (NetworkQuality) transportEvent()     {}
func (ParticipantJoined) transportEvent()  {}
func (ParticipantLeft) transportEvent()    {}
func (ParticipantUpdated) transportEvent() {}
func (AccessRequest) transportEvent()      {}
func (AppMessage) transportEvent()         {}
func (RecordingStarted) transportEvent()   {}
func (RecordingStopped) transportEvent()   {}
func (Waiting) transportEvent()            {}
func (AccessDenied) transportEvent()       {}
func (Failure) transportEvent()            {}
