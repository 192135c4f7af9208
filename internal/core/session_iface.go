package core

import "github.com/dkeye/livestage/internal/domain"

// MemberSession binds domain.Member and its transport endpoints.
// This is what a room stores and fans out to.
type MemberSession interface {
	ID() domain.ParticipantID
	// Participant returns a consistent snapshot of the member meta.
	Participant() domain.Participant
	// Update mutates the member meta under the session lock and returns
	// the resulting snapshot.
	Update(func(*domain.Member)) domain.Participant
	Signal() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
