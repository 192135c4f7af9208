package signal

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/adapters/rtc"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/wire"
)

func (ctl *SignalWSController) sendCandidate(c *WsSignalConn, ci webrtc.ICECandidateInit) {
	resp := wire.Candidate{
		Type:      wire.TypeCandidate,
		Candidate: ci.Candidate,
	}
	if ci.SDPMid != nil {
		resp.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		resp.SDPMLineIndex = *ci.SDPMLineIndex
	}
	ctl.sendJSON(c, resp)
}

// handleOffer answers a client offer. The first offer creates the peer
// connection; later ones renegotiate it.
func (ctl *SignalWSController) handleOffer(ctx context.Context, p *peer, data []byte) {
	var m wire.SDP
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	sess, ok := ctl.Orch.Registry.Member(p.pid)
	if !ok {
		ctl.sendError(p.conn, wire.CodeForbidden, errNotJoined)
		return
	}

	var (
		mc      core.MediaConnection
		created bool
	)
	if cur := sess.Media(); cur != nil && !cur.IsClosed() {
		mc = cur
	} else {
		wc, err := rtc.NewWebRTCConnection(ctl.opts.WebRTC, p.pid)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
			return
		}
		wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
			ctl.sendCandidate(p.conn, ci)
		})
		ctl.Orch.BindMediaHandlers(wc, p.pid)
		if err := wc.Start(ctx); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
			wc.Close()
			return
		}
		mc, created = wc, true
	}

	answer, err := mc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("participant", string(p.pid)).Msg("webrtc apply offer")
		if created {
			mc.Close()
		}
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}

	ctl.sendJSON(p.conn, wire.SDP{Type: wire.TypeAnswer, SDP: answer.SDP})
	if created {
		sess.UpdateMedia(mc)
		ctl.Orch.OnMediaReady(p.pid)
	}
}

func (ctl *SignalWSController) handleCandidate(p *peer, data []byte) {
	var m wire.Candidate
	if err := wire.Decode(data, &m); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMLineIndex: &m.SDPMLineIndex,
	}
	if m.SDPMid != "" {
		cand.SDPMid = &m.SDPMid
	}

	sess, ok := ctl.Orch.Registry.Member(p.pid)
	if !ok {
		log.Warn().Str("module", "signal").Str("participant", string(p.pid)).Msg("candidate: no session for")
		return
	}
	mc := sess.Media()
	if mc == nil {
		log.Warn().Str("module", "signal").Str("participant", string(p.pid)).Msg("candidate: no media connection for")
		return
	}
	if err := mc.AddICECandidate(cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("add ice candidate")
	}
}
