package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/wire"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, p *peer) {
	defer func() {
		log.Debug().Str("module", "signal").Str("participant", string(p.pid)).Msg("readPump closing")
		p.cancel()
	}()

	pongWait := 2 * ctl.opts.PingPeriod
	_ = p.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.conn.SetPongHandler(func(string) error {
		return p.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("participant", string(p.pid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := p.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("participant", string(p.pid)).Msg("readPump read error")
				}
				return
			}
			_ = p.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, p, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, p *peer, data []byte) {
	typ, err := wire.Peek(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(p.pid)).Msg("bad frame")
		ctl.sendError(p.conn, wire.CodeBadPayload, err)
		return
	}

	if typ == wire.TypePing {
		ctl.handlePing(p.conn)
		return
	}
	if typ == wire.TypeJoin {
		ctl.handleJoin(ctx, p, data)
		return
	}
	if !p.joined.Load() {
		ctl.sendError(p.conn, wire.CodeForbidden, errNotJoined)
		return
	}

	switch typ {
	case wire.TypeLeave:
		ctl.handleLeave(p)
	case wire.TypeBroadcast:
		ctl.handleBroadcast(p, data)
	case wire.TypeTrackState:
		ctl.handleTrackState(p, data)
	case wire.TypeUpdatePermissions:
		ctl.handleUpdatePermissions(p, data)
	case wire.TypeAdmit:
		ctl.handleAdmit(p, data)
	case wire.TypeMute:
		ctl.handleMute(p, data)
	case wire.TypeStartRecording:
		ctl.report(p, ctl.Orch.StartRecording(p.pid))
	case wire.TypeStopRecording:
		ctl.report(p, ctl.Orch.StopRecording(p.pid))
	case wire.TypeOffer:
		ctl.handleOffer(ctx, p, data)
	case wire.TypeCandidate:
		ctl.handleCandidate(p, data)
	default:
		log.Warn().Str("module", "signal").Str("type", string(typ)).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := wire.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code wire.ErrorCode, err error) {
	ctl.sendJSON(c, wire.NewError(code, err))
}
