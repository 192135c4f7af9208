package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

var errSessionEnded = errors.New("session has ended")

func (ctl *SignalWSController) handleJoin(ctx context.Context, p *peer, data []byte) {
	if p.joined.Load() {
		ctl.sendError(p.conn, wire.CodeBadPayload, errors.New("already joined"))
		return
	}
	var m wire.Join
	if err := wire.Decode(data, &m); err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	claims, err := ctl.Tokens.VerifyMeeting(m.Token)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("participant", string(p.pid)).Msg("join token rejected")
		ctl.Orch.Metrics.JoinRejected("token-invalid")
		ctl.sendError(p.conn, wire.CodeTokenInvalid, err)
		return
	}
	if ctl.Sessions != nil {
		sess, err := ctl.Sessions.GetSession(ctx, claims.SessionID)
		if err != nil {
			ctl.sendError(p.conn, wire.CodeTokenInvalid, fmt.Errorf("session lookup: %w", err))
			return
		}
		if sess.Status == domain.StatusEnded {
			ctl.Orch.Metrics.JoinRejected("session-ended")
			ctl.sendError(p.conn, wire.CodeSessionEnded, errSessionEnded)
			return
		}
	}

	name := claims.DisplayName
	if domain.ValidateUsername(name) != nil {
		name = "Guest"
	}
	user, err := domain.NewUser(name)
	if err != nil {
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}
	user.AccountID = claims.AccountID
	meta := domain.NewMember(user)
	if claims.Owner {
		meta.Capabilities = domain.OwnerCapabilities()
	}
	ms := core.NewMemberSession(p.pid, meta, p.conn)

	// joined is set first so a leave racing the admission still cleans up.
	p.joined.Store(true)
	outcome, err := ctl.Orch.Join(ms, claims.Room, claims.SessionID, p.cancel)
	if err != nil {
		p.joined.Store(false)
		code := wire.CodeBadPayload
		if errors.Is(err, core.ErrRoomFull) {
			code = wire.CodeRoomFull
		}
		ctl.sendError(p.conn, code, err)
		return
	}
	log.Info().Str("module", "signal").Str("participant", string(p.pid)).Str("room", string(claims.Room)).
		Bool("waiting", outcome == orch.JoinWaiting).Bool("owner", claims.Owner).Msg("join")
}

// handleLeave leaves the room; the socket is closed by the pumps.
func (ctl *SignalWSController) handleLeave(p *peer) {
	log.Info().Str("module", "signal").Str("participant", string(p.pid)).Msg("leave")
	if p.joined.CompareAndSwap(true, false) {
		ctl.Orch.Leave(p.pid)
	}
	p.cancel()
}
