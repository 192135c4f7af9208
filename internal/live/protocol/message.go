// Package protocol defines the interaction events exchanged over the
// transport broadcast channel. Every event is a concrete Message type;
// receivers implement Visitor, so adding a kind is a compile-time change for
// every handler.
package protocol

import (
	"time"

	"github.com/dkeye/livestage/internal/domain"
)

type Kind string

const (
	KindPoll              Kind = "poll"
	KindAnnouncement      Kind = "announcement"
	KindDownload          Kind = "download"
	KindPollClosed        Kind = "poll-closed"
	KindPollVote          Kind = "poll-vote"
	KindHandRaise         Kind = "hand-raise"
	KindHandLower         Kind = "hand-lower"
	KindPromote           Kind = "promote"
	KindPromoteAccepted   Kind = "promote-accepted"
	KindDemote            Kind = "demote"
	KindRePromoteRequest  Kind = "re-promote-request"
	KindCoHostAssigned    Kind = "co-host-assigned"
	KindCoHostRemoved     Kind = "co-host-removed"
	KindSessionEndingSoon Kind = "session-ending-soon"
	KindSessionStatus     Kind = "session-status"
	KindRecordingStarted  Kind = "recording-started"
	KindRecordingStopped  Kind = "recording-stopped"
	KindChat              Kind = "chat"
	KindChatToggle        Kind = "chat-toggle"
)

type Message interface {
	Kind() Kind
	Accept(v Visitor)
}

// Visitor receives each message kind through its own method.
type Visitor interface {
	VisitPoll(Poll)
	VisitAnnouncement(Announcement)
	VisitDownload(Download)
	VisitPollClosed(PollClosed)
	VisitPollVote(PollVote)
	VisitHandRaise(HandRaise)
	VisitHandLower(HandLower)
	VisitPromote(Promote)
	VisitPromoteAccepted(PromoteAccepted)
	VisitDemote(Demote)
	VisitRePromoteRequest(RePromoteRequest)
	VisitCoHostAssigned(CoHostAssigned)
	VisitCoHostRemoved(CoHostRemoved)
	VisitSessionEndingSoon(SessionEndingSoon)
	VisitSessionStatus(SessionStatus)
	VisitRecordingStarted(RecordingStarted)
	VisitRecordingStopped(RecordingStopped)
	VisitChat(Chat)
	VisitChatToggle(ChatToggle)
}

// Actions persisted in the active-actions log.

type Poll struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type Announcement struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Link    string `json:"link,omitempty"`
}

type Download struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Live-only protocol messages.

type PollClosed struct {
	PollID string `json:"pollId"`
}

type PollVote struct {
	PollID        string               `json:"pollId"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	SelectedIndex int                  `json:"selectedIndex"`
	SelectedLabel string               `json:"selectedLabel"`
}

type HandRaise struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	UserName      string               `json:"userName"`
	Timestamp     time.Time            `json:"timestamp"`
}

type HandLower struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type Promote struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type PromoteAccepted struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type Demote struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type RePromoteRequest struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	UserName      string               `json:"userName"`
}

type CoHostAssigned struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type CoHostRemoved struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type SessionEndingSoon struct {
	MinutesLeft int `json:"minutesLeft"`
}

type SessionStatus struct {
	Status domain.LifecycleStatus `json:"status"`
}

type RecordingStarted struct {
	StartedAt time.Time `json:"startedAt"`
}

type RecordingStopped struct{}

type Chat struct {
	ParticipantID domain.ParticipantID `json:"participantId"`
	UserName      string               `json:"userName"`
	Text          string               `json:"text"`
	SentAt        time.Time            `json:"sentAt"`
}

type ChatToggle struct {
	Enabled bool `json:"enabled"`
}

func (Poll) Kind() Kind              { return KindPoll }
func (Announcement) Kind() Kind      { return KindAnnouncement }
func (Download) Kind() Kind          { return KindDownload }
func (PollClosed) Kind() Kind        { return KindPollClosed }
func (PollVote) Kind() Kind          { return KindPollVote }
func (HandRaise) Kind() Kind         { return KindHandRaise }
func (HandLower) Kind() Kind         { return KindHandLower }
func (Promote) Kind() Kind           { return KindPromote }
func (PromoteAccepted) Kind() Kind   { return KindPromoteAccepted }
func (Demote) Kind() Kind            { return KindDemote }
func (RePromoteRequest) Kind() Kind  { return KindRePromoteRequest }
func (CoHostAssigned) Kind() Kind    { return KindCoHostAssigned }
func (CoHostRemoved) Kind() Kind     { return KindCoHostRemoved }
func (SessionEndingSoon) Kind() Kind { return KindSessionEndingSoon }
func (SessionStatus) Kind() Kind     { return KindSessionStatus }
func (RecordingStarted) Kind() Kind  { return KindRecordingStarted }
func (RecordingStopped) Kind() Kind  { return KindRecordingStopped }
func (Chat) Kind() Kind              { return KindChat }
func (ChatToggle) Kind() Kind        { return KindChatToggle }

func (m Poll) Accept(v Visitor)              { v.VisitPoll(m) }
func (m Announcement) Accept(v Visitor)      { v.VisitAnnouncement(m) }
func (m Download) Accept(v Visitor)          { v.VisitDownload(m) }
func (m PollClosed) Accept(v Visitor)        { v.VisitPollClosed(m) }
func (m PollVote) Accept(v Visitor)          { v.VisitPollVote(m) }
func (m HandRaise) Accept(v Visitor)         { v.VisitHandRaise(m) }
func (m HandLower) Accept(v Visitor)         { v.VisitHandLower(m) }
func (m Promote) Accept(v Visitor)           { v.VisitPromote(m) }
func (m PromoteAccepted) Accept(v Visitor)   { v.VisitPromoteAccepted(m) }
func (m Demote) Accept(v Visitor)            { v.VisitDemote(m) }
func (m RePromoteRequest) Accept(v Visitor)  { v.VisitRePromoteRequest(m) }
func (m CoHostAssigned) Accept(v Visitor)    { v.VisitCoHostAssigned(m) }
func (m CoHostRemoved) Accept(v Visitor)     { v.VisitCoHostRemoved(m) }
func (m SessionEndingSoon) Accept(v Visitor) { v.VisitSessionEndingSoon(m) }
func (m SessionStatus) Accept(v Visitor)     { v.VisitSessionStatus(m) }
func (m RecordingStarted) Accept(v Visitor)  { v.VisitRecordingStarted(m) }
func (m RecordingStopped) Accept(v Visitor)  { v.VisitRecordingStopped(m) }
func (m Chat) Accept(v Visitor)              { v.VisitChat(m) }
func (m ChatToggle) Accept(v Visitor)        { v.VisitChatToggle(m) }

// IsAction reports whether m belongs in the active-actions log.
func IsAction(m Message) bool {
	switch m.(type) {
	case Poll, Announcement, Download:
		return true
	}
	return false
}

// AllParticipants is the broadcast target addressing every participant.
const AllParticipants = "*"
