package room

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

// dispatcher applies protocol messages to the local components. The same
// dispatcher serves live delivery and catch-up replay.
type dispatcher struct {
	r *Runtime
}

var _ protocol.Visitor = dispatcher{}

func (d dispatcher) VisitPoll(m protocol.Poll)                 { d.r.Actions.ApplyPoll(m) }
func (d dispatcher) VisitAnnouncement(m protocol.Announcement) { d.r.Actions.ApplyAnnouncement(m) }
func (d dispatcher) VisitDownload(m protocol.Download)         { d.r.Actions.ApplyDownload(m) }
func (d dispatcher) VisitPollClosed(m protocol.PollClosed)     { d.r.Actions.ClosePoll(m.PollID) }
func (d dispatcher) VisitPollVote(m protocol.PollVote)         { d.r.Actions.ApplyVote(m) }
func (d dispatcher) VisitHandRaise(m protocol.HandRaise)       { d.r.Actions.RaiseHand(m) }
func (d dispatcher) VisitHandLower(m protocol.HandLower)       { d.r.Actions.LowerHand(m.ParticipantID) }

// A promotion answers the raised hand.
func (d dispatcher) VisitPromote(m protocol.Promote) {
	d.r.Actions.LowerHand(m.ParticipantID)
	d.r.Role.OnPromote(m)
}

func (d dispatcher) VisitPromoteAccepted(m protocol.PromoteAccepted) {
	d.r.goSide("promote-accepted", func(ctx context.Context) error { return d.r.Operator.OnPromoteAccepted(ctx, m) })
}

func (d dispatcher) VisitDemote(m protocol.Demote) { d.r.Role.OnDemote(m) }

func (d dispatcher) VisitRePromoteRequest(m protocol.RePromoteRequest) {
	d.r.goSide("re-promote-request", func(ctx context.Context) error { return d.r.Operator.OnRePromoteRequest(ctx, m) })
}

func (d dispatcher) VisitCoHostAssigned(m protocol.CoHostAssigned) {
	log.Info().Str("module", "live.room").Str("participant", string(m.ParticipantID)).Msg("co-host assigned")
}

func (d dispatcher) VisitCoHostRemoved(m protocol.CoHostRemoved) {
	log.Info().Str("module", "live.room").Str("participant", string(m.ParticipantID)).Msg("co-host removed")
}

func (d dispatcher) VisitSessionEndingSoon(m protocol.SessionEndingSoon) { d.r.Watcher.OnEndingSoon(m) }
func (d dispatcher) VisitSessionStatus(m protocol.SessionStatus)         { d.r.Watcher.OnSessionStatus(m) }
func (d dispatcher) VisitRecordingStarted(m protocol.RecordingStarted) {
	d.r.Lifecycle.OnRecordingStarted(m.StartedAt)
}
func (d dispatcher) VisitRecordingStopped(protocol.RecordingStopped) {
	d.r.Lifecycle.OnRecordingStopped()
}
func (d dispatcher) VisitChat(m protocol.Chat)             { d.r.Chat.OnMessage(m) }
func (d dispatcher) VisitChatToggle(m protocol.ChatToggle) { d.r.Chat.OnToggle(m) }

// fromSender pins the participant a message speaks for to the transport's
// sender id, so no one can raise a hand or vote on another's behalf.
func fromSender(m protocol.Message, from domain.ParticipantID) protocol.Message {
	switch v := m.(type) {
	case protocol.HandRaise:
		v.ParticipantID = from
		return v
	case protocol.HandLower:
		v.ParticipantID = from
		return v
	case protocol.PollVote:
		v.ParticipantID = from
		return v
	case protocol.PromoteAccepted:
		v.ParticipantID = from
		return v
	case protocol.RePromoteRequest:
		v.ParticipantID = from
		return v
	case protocol.Chat:
		v.ParticipantID = from
		return v
	}
	return m
}

// operatorOnly lists the kinds only an admin may send.
func operatorOnly(m protocol.Message) bool {
	switch m.(type) {
	case protocol.Poll, protocol.Announcement, protocol.Download, protocol.PollClosed,
		protocol.Promote, protocol.Demote, protocol.CoHostAssigned, protocol.CoHostRemoved,
		protocol.SessionEndingSoon, protocol.SessionStatus, protocol.RecordingStarted,
		protocol.RecordingStopped, protocol.ChatToggle:
		return true
	}
	return false
}

// deliver decodes a broadcast payload and applies it. Unknown kinds are
// skipped.
func (r *Runtime) deliver(from domain.ParticipantID, payload []byte) {
	m, err := protocol.Decode(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownKind) {
			log.Debug().Err(err).Str("module", "live.room").Str("from", string(from)).Msg("skipping message")
		} else {
			log.Warn().Err(err).Str("module", "live.room").Str("from", string(from)).Msg("bad broadcast payload")
		}
		return
	}
	if operatorOnly(m) {
		if p, known := r.roster.Participant(from); known && !p.CanAdmin {
			log.Warn().Str("module", "live.room").Str("from", string(from)).Str("kind", string(m.Kind())).Msg("dropping operator message from non-admin")
			return
		}
	}
	fromSender(m, from).Accept(dispatcher{r: r})
}
