package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/wire"
)

var (
	errNotJoined   = errors.New("join first")
	errRateLimited = errors.New("too many broadcasts")
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, wire.Simple{Type: wire.TypePong})
}

// report turns an orchestration error into an error frame.
func (ctl *SignalWSController) report(p *peer, err error) {
	if err == nil {
		return
	}
	code := wire.CodeBadPayload
	switch {
	case errors.Is(err, orch.ErrForbidden), errors.Is(err, orch.ErrOwnerImmutable):
		code = wire.CodeForbidden
	case errors.Is(err, core.ErrRoomFull):
		code = wire.CodeRoomFull
	}
	log.Info().Err(err).Str("module", "signal").Str("participant", string(p.pid)).Str("code", string(code)).Msg("request rejected")
	ctl.sendError(p.conn, code, err)
}

func (ctl *SignalWSController) handleBroadcast(p *peer, data []byte) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(p.pid) {
		ctl.sendError(p.conn, wire.CodeRateLimited, errRateLimited)
		return
	}
	var m wire.Broadcast
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	if err := ctl.Orch.Broadcast(p.pid, m.Target, m.Payload); err != nil && !errors.Is(err, core.ErrMemberNotFound) {
		ctl.report(p, err)
	}
}

func (ctl *SignalWSController) handleTrackState(p *peer, data []byte) {
	var m wire.TrackState
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	ctl.report(p, ctl.Orch.TrackState(p.pid, m.Audio, m.Video))
}

func (ctl *SignalWSController) handleUpdatePermissions(p *peer, data []byte) {
	var m wire.UpdatePermissions
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	ctl.report(p, ctl.Orch.UpdatePermissions(p.pid, m.Participant, m.CanSend, m.CanAdmin))
}

func (ctl *SignalWSController) handleAdmit(p *peer, data []byte) {
	var m wire.Admit
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	err := ctl.Orch.Admit(p.pid, m.Participant, m.Granted)
	if errors.Is(err, core.ErrRoomFull) {
		// The waiting participant was told; the admin only needs the log.
		log.Info().Str("module", "signal").Str("participant", string(m.Participant)).Msg("admit failed, room full")
		return
	}
	ctl.report(p, err)
}

func (ctl *SignalWSController) handleMute(p *peer, data []byte) {
	var m wire.Mute
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	ctl.report(p, ctl.Orch.Mute(p.pid, m.Participant))
}
