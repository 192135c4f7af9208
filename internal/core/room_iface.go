package core

import (
	"errors"
	"time"

	"github.com/dkeye/livestage/internal/domain"
)

var (
	ErrRoomFull       = errors.New("room is full")
	ErrMemberNotFound = errors.New("member not found")
	ErrAlreadyInRoom  = errors.New("member already in room")
	ErrNotWaiting     = errors.New("participant is not waiting")
	ErrNotRecording   = errors.New("room is not recording")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	Properties() domain.RoomProperties
	UpdateProperties(domain.RoomPropertiesPatch) domain.RoomProperties

	MemberCount() int
	Member(pid domain.ParticipantID) (MemberSession, bool)
	MembersSnapshot() []domain.Participant

	// AddMember admits ms unless the room is at its participant cap.
	AddMember(ms MemberSession) error
	RemoveMember(pid domain.ParticipantID) (MemberSession, bool)

	// Knock parks ms until an admin admits or denies it.
	Knock(ms MemberSession)
	TakeWaiting(pid domain.ParticipantID) (MemberSession, bool)
	Waiting() []domain.Participant

	Broadcast(from domain.ParticipantID, data Frame) PublishResult
	BroadcastAdmins(data Frame) PublishResult
	SendTo(pid domain.ParticipantID, data Frame) error

	// StartRecording returns the start instant; an already-running
	// recording keeps its original start.
	StartRecording(at time.Time) (time.Time, bool)
	StopRecording() error
	Recording() (time.Time, bool)
}

type RoomInfo struct {
	Name        domain.RoomName       `json:"name"`
	SessionID   domain.SessionID      `json:"sessionId"`
	MemberCount int                   `json:"client_count"`
	Waiting     int                   `json:"waiting_count"`
	Properties  domain.RoomProperties `json:"properties"`
}

type RoomManager interface {
	GetOrCreate(name domain.RoomName, sid domain.SessionID) RoomService
	Get(name domain.RoomName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.RoomName)
}
