package orch

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/app"
	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

var (
	ErrNotInRoom      = errors.New("participant is not in a room")
	ErrForbidden      = errors.New("not permitted")
	ErrOwnerImmutable = errors.New("owner permissions cannot change")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Metrics  *app.Metrics
	Clock    clockwork.Clock
}

func (o *Orchestrator) clock() clockwork.Clock {
	if o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

// memberOf resolves an admitted member and its room.
func (o *Orchestrator) memberOf(pid domain.ParticipantID) (core.RoomService, core.MemberSession, error) {
	roomName, _, ok := o.Registry.RoomOf(pid)
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	ms, ok := room.Member(pid)
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	return room, ms, nil
}

// Broadcast relays an application payload from a participant to everyone
// else (target "*") or to a single participant.
func (o *Orchestrator) Broadcast(from, target domain.ParticipantID, payload json.RawMessage) error {
	room, _, err := o.memberOf(from)
	if err != nil {
		return err
	}
	frame := core.Frame(wire.MustEncode(wire.AppMessage{Type: wire.TypeAppMessage, From: from, Payload: payload}))
	if target == wire.AllParticipants || target == "" {
		o.publish(room, from, frame)
		return nil
	}
	if err := room.SendTo(target, frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("from", string(from)).Str("target", string(target)).Msg("targeted send failed")
		return err
	}
	o.Metrics.Published(1, 0)
	return nil
}

// publish fans a frame out to the room and applies the backpressure policy
// to members that could not keep up.
func (o *Orchestrator) publish(room core.RoomService, from domain.ParticipantID, frame core.Frame) {
	res := room.Broadcast(from, frame)
	o.Metrics.Published(res.SendTo, len(res.Dropped))
	o.handleDropped(room, res)
}

func (o *Orchestrator) handleDropped(room core.RoomService, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("participant", string(slow.ID())).Msg("kicking slow consumer")
			o.Metrics.Kicked()
			o.KickBySID(slow.ID())
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

func (o *Orchestrator) notify(room core.RoomService, v any) {
	o.publish(room, "", core.Frame(wire.MustEncode(v)))
}

func (o *Orchestrator) sendTo(ms core.MemberSession, v any) {
	sig := ms.Signal()
	if sig == nil {
		return
	}
	if err := sig.TrySend(wire.MustEncode(v)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("participant", string(ms.ID())).Msg("direct send dropped")
	}
}
