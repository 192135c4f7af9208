package orch

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

// UpdatePermissions changes a participant's capabilities. Admins may grant
// or revoke canSend; only the owner may change canAdmin. The owner's flags
// never change.
func (o *Orchestrator) UpdatePermissions(actor, target domain.ParticipantID, canSend, canAdmin bool) error {
	room, admin, err := o.memberOf(actor)
	if err != nil {
		return err
	}
	by := admin.Participant()
	if !by.CanAdmin {
		return ErrForbidden
	}
	ms, ok := room.Member(target)
	if !ok {
		return core.ErrMemberNotFound
	}
	cur := ms.Participant()
	if cur.Owner {
		return ErrOwnerImmutable
	}
	if cur.CanAdmin != canAdmin && !by.Owner {
		return ErrForbidden
	}

	p := ms.Update(func(m *domain.Member) {
		m.Capabilities.CanSend = canSend
		m.Capabilities.CanAdmin = canAdmin
		if !canSend {
			m.AudioEnabled = false
			m.VideoEnabled = false
		}
	})
	if !canSend && o.Relays != nil {
		if n := o.Relays.StopRelaysOf(target); n > 0 {
			for range n {
				o.Metrics.RelayStopped()
			}
		}
	}
	log.Info().Str("module", "orch").Str("participant", string(target)).Str("by", string(actor)).
		Bool("can_send", canSend).Bool("can_admin", canAdmin).Msg("permissions updated")
	o.notify(room, wire.ParticipantEvent{Type: wire.TypeParticipantUpdated, Participant: p})
	return nil
}

// Mute forces another participant's microphone off.
func (o *Orchestrator) Mute(actor, target domain.ParticipantID) error {
	room, admin, err := o.memberOf(actor)
	if err != nil {
		return err
	}
	by := admin.Participant()
	if !by.CanAdmin {
		return ErrForbidden
	}
	ms, ok := room.Member(target)
	if !ok {
		return core.ErrMemberNotFound
	}
	if ms.Participant().Owner && !by.Owner {
		return ErrForbidden
	}
	p := ms.Update(func(m *domain.Member) { m.AudioEnabled = false })
	if o.Relays != nil {
		o.Relays.SetMuted(target, webrtc.RTPCodecTypeAudio, true)
	}
	log.Info().Str("module", "orch").Str("participant", string(target)).Str("by", string(actor)).Msg("muted")
	o.notify(room, wire.ParticipantEvent{Type: wire.TypeParticipantUpdated, Participant: p})
	return nil
}

// TrackState records the participant's own camera/mic toggles. Flags stay
// off for participants without canSend.
func (o *Orchestrator) TrackState(pid domain.ParticipantID, audio, video bool) error {
	room, ms, err := o.memberOf(pid)
	if err != nil {
		return err
	}
	p := ms.Update(func(m *domain.Member) {
		send := m.Capabilities.CanSend
		m.AudioEnabled = audio && send
		m.VideoEnabled = video && send
	})
	if o.Relays != nil {
		o.Relays.SetMuted(pid, webrtc.RTPCodecTypeAudio, !p.AudioEnabled)
		o.Relays.SetMuted(pid, webrtc.RTPCodecTypeVideo, !p.VideoEnabled)
	}
	o.notify(room, wire.ParticipantEvent{Type: wire.TypeParticipantUpdated, Participant: p})
	return nil
}

// StartRecording is owner-only. Everyone, the owner included, is told the
// start instant; a second start reports the original instant.
func (o *Orchestrator) StartRecording(actor domain.ParticipantID) error {
	room, ms, err := o.memberOf(actor)
	if err != nil {
		return err
	}
	if !ms.Participant().Owner {
		return ErrForbidden
	}
	at, started := room.StartRecording(o.clock().Now())
	if started {
		log.Info().Str("module", "orch").Str("room", string(room.Room().Name)).Time("started_at", at).Msg("recording started")
	}
	o.notify(room, wire.RecordingStarted{Type: wire.TypeRecordingStarted, StartedAt: at})
	return nil
}

func (o *Orchestrator) StopRecording(actor domain.ParticipantID) error {
	room, ms, err := o.memberOf(actor)
	if err != nil {
		return err
	}
	if !ms.Participant().Owner {
		return ErrForbidden
	}
	if err := room.StopRecording(); err != nil {
		return err
	}
	log.Info().Str("module", "orch").Str("room", string(room.Room().Name)).Msg("recording stopped")
	o.notify(room, wire.Simple{Type: wire.TypeRecordingStopped})
	return nil
}
