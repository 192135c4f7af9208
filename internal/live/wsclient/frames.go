package wsclient

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/wire"
)

func (c *Client) onFrame(l *link, data []byte) {
	if !c.current(l) {
		return
	}
	typ, err := wire.Peek(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Msg("bad frame")
		return
	}

	switch typ {
	case wire.TypeJoined:
		var m wire.Joined
		if c.decode(data, &m) {
			c.resolve(l, handshake{joined: m})
		}
	case wire.TypeWaiting:
		c.emit(connection.Waiting{})
	case wire.TypeAccessDenied:
		c.resolve(l, handshake{err: ErrAccessDenied})
		c.emit(connection.AccessDenied{})
	case wire.TypeError:
		var m wire.Error
		if !c.decode(data, &m) {
			return
		}
		if !c.resolve(l, handshake{err: &JoinError{Code: string(m.Code), Message: m.Error}}) {
			log.Warn().Str("module", "live.wsclient").Str("code", string(m.Code)).Str("error", m.Error).Msg("server error")
		}
	case wire.TypeParticipantJoined, wire.TypeParticipantLeft, wire.TypeParticipantUpdated, wire.TypeAccessRequest:
		var m wire.ParticipantEvent
		if !c.decode(data, &m) {
			return
		}
		c.participantEvent(typ, m.Participant)
	case wire.TypeAppMessage:
		var m wire.AppMessage
		if c.decode(data, &m) {
			c.emit(connection.AppMessage{From: m.From, Payload: m.Payload})
		}
	case wire.TypeRecordingStarted:
		var m wire.RecordingStarted
		if c.decode(data, &m) {
			c.emit(connection.RecordingStarted{StartedAt: m.StartedAt})
		}
	case wire.TypeRecordingStopped:
		c.emit(connection.RecordingStopped{})
	case wire.TypePong:
		if at, ok := l.takePing(); ok {
			c.observeRTT(c.opts.Clock.Since(at))
		}
	case wire.TypeOffer, wire.TypeAnswer, wire.TypeCandidate, wire.TypeRenegotiate:
		c.mediaSignal(typ, data)
	default:
		log.Debug().Str("module", "live.wsclient").Str("type", string(typ)).Msg("unhandled frame")
	}
}

func (c *Client) decode(data []byte, v any) bool {
	if err := wire.Decode(data, v); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Msg("bad frame body")
		return false
	}
	return true
}

func (c *Client) participantEvent(typ wire.Type, p domain.Participant) {
	switch typ {
	case wire.TypeParticipantJoined:
		c.emit(connection.ParticipantJoined{Participant: p})
	case wire.TypeParticipantLeft:
		c.emit(connection.ParticipantLeft{Participant: p})
	case wire.TypeAccessRequest:
		c.emit(connection.AccessRequest{Participant: p})
	case wire.TypeParticipantUpdated:
		c.selfUpdated(p)
		c.emit(connection.ParticipantUpdated{Participant: p})
	}
}

// selfUpdated follows capability changes of this participant; media
// publishing starts or stops with canSend.
func (c *Client) selfUpdated(p domain.Participant) {
	c.mu.Lock()
	if p.ID != c.self.ID {
		c.mu.Unlock()
		return
	}
	prev := c.self.CanSend
	c.self = p
	if !p.CanSend {
		c.audio, c.video = false, false
	}
	m := c.media
	c.mu.Unlock()
	if m != nil && prev != p.CanSend {
		m.setCanSend(p.CanSend)
	}
}

func (c *Client) observeRTT(rtt time.Duration) {
	poor := rtt > c.opts.PoorRTT
	c.mu.Lock()
	changed := poor != c.poor
	c.poor = poor
	c.mu.Unlock()
	if changed {
		log.Info().Str("module", "live.wsclient").Dur("rtt", rtt).Bool("poor", poor).Msg("network quality changed")
		c.emit(connection.NetworkQuality{Poor: poor})
	}
}
