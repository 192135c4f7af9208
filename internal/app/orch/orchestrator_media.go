package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, pid domain.ParticipantID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, pid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(pid) })
}

func (o *Orchestrator) OnMediaDisconnect(pid domain.ParticipantID) {
	o.cleanupMedia(pid)
}

func (o *Orchestrator) cleanupMedia(pid domain.ParticipantID) {
	if o.Relays != nil {
		for range o.Relays.StopRelaysOf(pid) {
			o.Metrics.RelayStopped()
		}
		o.Relays.DropSubscriber(pid)
	}

	if sess, ok := o.Registry.Member(pid); ok {
		if mc := sess.Media(); mc != nil && !mc.IsClosed() {
			mc.Close()
		}
	}
}

// OnTrack is called when a new remote media track appears for a participant.
// Tracks from participants without canSend are not relayed.
func (o *Orchestrator) OnTrack(ctx context.Context, pid domain.ParticipantID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	room, ms, err := o.memberOf(pid)
	if err != nil || ms.Media() == nil {
		return
	}
	p := ms.Participant()
	if !p.CanSend {
		log.Warn().Str("module", "sfu").Str("participant", string(pid)).Str("kind", track.Kind().String()).Msg("track from non-sender ignored")
		return
	}
	key := sfu.RelayKey{Src: pid, Kind: track.Kind()}
	relay := o.Relays.StartRelay(ctx, key, sfu.RemoteSource(track), track.Codec().RTPCodecCapability)
	o.Metrics.RelayStarted()
	switch key.Kind {
	case webrtc.RTPCodecTypeAudio:
		relay.SetMuted(!p.AudioEnabled)
	case webrtc.RTPCodecTypeVideo:
		relay.SetMuted(!p.VideoEnabled)
	}

	// Subscribe all existing members in the room to this track.
	for _, other := range room.MembersSnapshot() {
		if other.ID == pid {
			continue
		}
		sub, ok := room.Member(other.ID)
		if !ok || sub.Media() == nil {
			continue
		}
		if err := o.Relays.Subscribe(key, other.ID, sub.Media()); err != nil {
			log.Error().Err(err).Str("module", "sfu").Str("src", key.String()).Str("dst", string(other.ID)).Msg("subscribe failed")
			continue
		}
		o.Renegotiate(sub)
	}
}

// OnMediaReady is called when MediaConnection is attached to the member
// (offer/answer done). It subscribes the member to every relay in the room.
func (o *Orchestrator) OnMediaReady(pid domain.ParticipantID) {
	if o.Relays == nil {
		return
	}
	room, ms, err := o.memberOf(pid)
	if err != nil {
		return
	}
	mc := ms.Media()
	if mc == nil {
		return
	}

	added := 0
	for _, other := range room.MembersSnapshot() {
		if other.ID == pid {
			continue
		}
		for _, key := range o.Relays.RelaysOf(other.ID) {
			if err := o.Relays.Subscribe(key, pid, mc); err != nil {
				log.Error().Err(err).Str("module", "sfu").Str("src", key.String()).Str("dst", string(pid)).Msg("subscribe failed")
				continue
			}
			added++
		}
	}
	if added > 0 {
		o.Renegotiate(ms)
	}
}

// Renegotiate asks the member for a fresh offer after its outgoing tracks
// changed. The server never offers itself, so offers cannot cross.
func (o *Orchestrator) Renegotiate(ms core.MemberSession) {
	if ms.Media() == nil {
		return
	}
	log.Debug().Str("module", "sfu").Str("participant", string(ms.ID())).Msg("renegotiation requested")
	o.sendTo(ms, wire.Simple{Type: wire.TypeRenegotiate})
}
