package orch

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

type JoinOutcome int

const (
	JoinAdmitted JoinOutcome = iota
	JoinWaiting
)

// Join binds ms to the session's room. Non-admin joiners wait for an admin
// when knocking is on; everyone else is admitted unless the room is full.
func (o *Orchestrator) Join(ms core.MemberSession, roomName domain.RoomName, sid domain.SessionID, cancel context.CancelFunc) (JoinOutcome, error) {
	pid := ms.ID()
	if prev, _, ok := o.Registry.RoomOf(pid); ok {
		o.KickBySID(pid)
		log.Info().Str("module", "orch").Str("participant", string(pid)).Str("from_room", string(prev)).Msg("kicked from previous room")
	}
	room := o.Rooms.GetOrCreate(roomName, sid)
	o.Registry.Bind(pid, roomName, ms, cancel)

	if room.Properties().EnableKnocking && !ms.Participant().CanAdmin {
		room.Knock(ms)
		o.Metrics.SetOccupancy(o.Registry.Occupancy())
		o.sendTo(ms, wire.Simple{Type: wire.TypeWaiting})
		res := room.BroadcastAdmins(wire.MustEncode(wire.ParticipantEvent{Type: wire.TypeAccessRequest, Participant: ms.Participant()}))
		o.handleDropped(room, res)
		return JoinWaiting, nil
	}
	if err := o.admit(room, ms); err != nil {
		o.Registry.Release(pid)
		return 0, err
	}
	return JoinAdmitted, nil
}

func (o *Orchestrator) admit(room core.RoomService, ms core.MemberSession) error {
	if err := room.AddMember(ms); err != nil {
		if errors.Is(err, core.ErrRoomFull) {
			o.Metrics.JoinRejected("room-full")
		}
		return err
	}
	o.Registry.Admitted(ms.ID())
	o.Metrics.SetOccupancy(o.Registry.Occupancy())
	self := ms.Participant()
	o.sendTo(ms, wire.Joined{
		Type:         wire.TypeJoined,
		Self:         self,
		Participants: room.MembersSnapshot(),
		Room:         room.Room(),
	})
	if startedAt, on := room.Recording(); on {
		o.sendTo(ms, wire.RecordingStarted{Type: wire.TypeRecordingStarted, StartedAt: startedAt})
	}
	o.publish(room, self.ID, wire.MustEncode(wire.ParticipantEvent{Type: wire.TypeParticipantJoined, Participant: self}))
	log.Info().Str("module", "orch").Str("participant", string(self.ID)).Str("room", string(room.Room().Name)).Msg("admitted")
	return nil
}

// Admit resolves a waiting participant. Only admins may admit.
func (o *Orchestrator) Admit(actor, target domain.ParticipantID, granted bool) error {
	room, admin, err := o.memberOf(actor)
	if err != nil {
		return err
	}
	if !admin.Participant().CanAdmin {
		return ErrForbidden
	}
	ms, ok := room.TakeWaiting(target)
	if !ok {
		return core.ErrNotWaiting
	}
	if !granted {
		o.sendTo(ms, wire.Simple{Type: wire.TypeAccessDenied})
		o.Registry.Evict(target)
		o.Metrics.SetOccupancy(o.Registry.Occupancy())
		log.Info().Str("module", "orch").Str("participant", string(target)).Str("by", string(actor)).Msg("access denied")
		return nil
	}
	if err := o.admit(room, ms); err != nil {
		o.sendTo(ms, wire.NewError(wire.CodeRoomFull, err))
		o.Registry.Evict(target)
		o.Metrics.SetOccupancy(o.Registry.Occupancy())
		return err
	}
	return nil
}

// Leave is a graceful departure requested by the participant.
func (o *Orchestrator) Leave(pid domain.ParticipantID) {
	o.KickBySID(pid)
}

func (o *Orchestrator) KickBySID(pid domain.ParticipantID) {
	o.cleanupMedia(pid)
	o.cleanupMembership(pid)
}

func (o *Orchestrator) cleanupMembership(pid domain.ParticipantID) {
	roomName, _, ok := o.Registry.RoomOf(pid)
	if !ok {
		return
	}
	o.Registry.Release(pid)
	o.Metrics.SetOccupancy(o.Registry.Occupancy())
	room, ok := o.Rooms.Get(roomName)
	if !ok {
		return
	}
	ms, wasMember := room.Member(pid)
	if _, ok := room.RemoveMember(pid); !ok {
		return
	}
	if wasMember {
		o.notify(room, wire.ParticipantEvent{Type: wire.TypeParticipantLeft, Participant: ms.Participant()})
	} else {
		// A waiting participant gave up; admins drop it from their list.
		res := room.BroadcastAdmins(wire.MustEncode(wire.ParticipantEvent{Type: wire.TypeParticipantLeft, Participant: domain.Participant{ID: pid}}))
		o.handleDropped(room, res)
	}
}

// EvictRoom disconnects everyone and forgets the room.
func (o *Orchestrator) EvictRoom(name domain.RoomName) {
	for _, pid := range o.Registry.InRoom(name) {
		o.Registry.Disconnect(pid)
		o.KickBySID(pid)
	}
	o.Rooms.StopRoom(name)
}

// UpdateRoomProperties applies a patch to a live room; the room is created
// when nobody has joined yet so the properties apply to the first joiner.
func (o *Orchestrator) UpdateRoomProperties(name domain.RoomName, sid domain.SessionID, patch domain.RoomPropertiesPatch) domain.RoomProperties {
	return o.Rooms.GetOrCreate(name, sid).UpdateProperties(patch)
}
