package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/livestage/internal/adapters/rtc"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/wire"
)

var errMediaClosed = errors.New("media closed")

// mediaSession is the peer connection bound to one signalling link. All
// negotiation steps run one at a time on the run goroutine. The participant
// is the only side that offers; the server asks for a fresh offer instead
// of sending its own, so offers never cross.
type mediaSession struct {
	c      *Client
	l      *link
	conn   *rtc.WebRTCConnection
	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	wg     conc.WaitGroup

	// owned by the run goroutine
	senders map[device.Kind]*webrtc.RTPSender
	sources map[device.Kind]device.Source
	// reoffer is set when an offer was wanted while one was in flight.
	reoffer bool
	// remoteOffer holds an offer that arrived while ours was in flight.
	remoteOffer string

	packets atomic.Int64
}

func codecType(kind device.Kind) webrtc.RTPCodecType {
	if kind == device.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func (c *Client) startMedia(l *link, self domain.Participant) {
	conn, err := rtc.NewWebRTCConnection(c.opts.WebRTC, self.ID)
	if err != nil {
		log.Error().Err(err).Str("module", "live.wsclient").Msg("webrtc new pc")
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	m := &mediaSession{
		c:       c,
		l:       l,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(), 16),
		senders: make(map[device.Kind]*webrtc.RTPSender),
		sources: make(map[device.Kind]device.Source),
	}
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		out := wire.Candidate{Type: wire.TypeCandidate, Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			out.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			out.SDPMLineIndex = *ci.SDPMLineIndex
		}
		if err := l.sendJSON(out); err != nil {
			log.Debug().Err(err).Str("module", "live.wsclient").Msg("candidate not sent")
		}
	})
	conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
			m.packets.Add(1)
		}
	})
	if err := conn.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "live.wsclient").Msg("webrtc start")
		cancel()
		conn.Close()
		return
	}

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return
	}
	if c.media != nil {
		old := c.media
		defer old.close()
	}
	c.media = m
	audio, video := c.audio, c.video
	c.mu.Unlock()

	m.wg.Go(m.run)
	m.submit(func() { m.setup(self.CanSend, audio, video) })
}

func (m *mediaSession) run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case op := <-m.ops:
			op()
		}
	}
}

func (m *mediaSession) submit(op func()) bool {
	select {
	case <-m.ctx.Done():
		return false
	case m.ops <- op:
		return true
	}
}

// setup receives both kinds and publishes the enabled ones when allowed,
// then opens the negotiation.
func (m *mediaSession) setup(canSend, audio, video bool) {
	for _, kind := range []device.Kind{device.KindAudio, device.KindVideo} {
		if err := m.conn.AddReceiveOnly(codecType(kind)); err != nil {
			log.Error().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("add transceiver")
		}
	}
	if canSend {
		if audio {
			m.publish(device.KindAudio)
		}
		if video {
			m.publish(device.KindVideo)
		}
	}
	m.offer()
}

func (m *mediaSession) deviceID(kind device.Kind) string {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	if kind == device.KindAudio {
		return m.c.selection.AudioDeviceID
	}
	return m.c.selection.VideoDeviceID
}

// publish opens the selected device of kind and attaches its track. It
// reports whether a new sender was added.
func (m *mediaSession) publish(kind device.Kind) bool {
	if _, ok := m.senders[kind]; ok {
		return false
	}
	src, err := m.c.opts.Devices.Open(m.ctx, kind, m.deviceID(kind))
	if err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("open device")
		return false
	}
	sender, err := m.conn.AddLocalTrack(src.Track())
	if err != nil {
		log.Error().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("add local track")
		_ = src.Stop()
		return false
	}
	m.senders[kind] = sender
	m.sources[kind] = src
	log.Info().Str("module", "live.wsclient").Str("kind", string(kind)).Str("device", src.DeviceID()).Msg("publishing")
	return true
}

func (m *mediaSession) unpublish(kind device.Kind) bool {
	sender, ok := m.senders[kind]
	if !ok {
		return false
	}
	if err := m.conn.RemoveLocalTrack(sender); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("remove local track")
	}
	if err := m.sources[kind].Stop(); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("stop source")
	}
	delete(m.senders, kind)
	delete(m.sources, kind)
	return true
}

func (m *mediaSession) offer() {
	if m.conn.OfferPending() {
		m.reoffer = true
		return
	}
	desc, err := m.conn.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "live.wsclient").Msg("create offer")
		return
	}
	if err := m.l.sendJSON(wire.SDP{Type: wire.TypeOffer, SDP: desc.SDP}); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Msg("offer not sent")
	}
}

func (m *mediaSession) handleOffer(sdp string) {
	answer, err := m.conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if errors.Is(err, rtc.ErrOfferPending) {
		log.Debug().Str("module", "live.wsclient").Msg("remote offer deferred until our answer arrives")
		m.remoteOffer = sdp
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "live.wsclient").Msg("apply remote offer")
		return
	}
	if err := m.l.sendJSON(wire.SDP{Type: wire.TypeAnswer, SDP: answer.SDP}); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Msg("answer not sent")
	}
}

// handleAnswer completes our offer, then runs whatever waited on it.
func (m *mediaSession) handleAnswer(sdp string) {
	if err := m.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Warn().Err(err).Str("module", "live.wsclient").Msg("apply answer")
		return
	}
	if remote := m.remoteOffer; remote != "" {
		m.remoteOffer = ""
		m.handleOffer(remote)
	}
	if m.reoffer {
		m.reoffer = false
		m.offer()
	}
}

func (m *mediaSession) setCanSend(canSend bool) {
	m.submit(func() {
		changed := false
		if canSend {
			m.c.mu.Lock()
			audio, video := m.c.audio, m.c.video
			m.c.mu.Unlock()
			if audio {
				changed = m.publish(device.KindAudio) || changed
			}
			if video {
				changed = m.publish(device.KindVideo) || changed
			}
		} else {
			changed = m.unpublish(device.KindAudio) || changed
			changed = m.unpublish(device.KindVideo) || changed
		}
		if changed {
			m.offer()
		}
	})
}

func (m *mediaSession) enable(kind device.Kind) {
	m.submit(func() {
		if m.publish(kind) {
			m.offer()
		}
	})
}

// switchDevice replaces the published track in place, so no renegotiation
// is needed.
func (m *mediaSession) switchDevice(ctx context.Context, kind device.Kind, deviceID string) error {
	res := make(chan error, 1)
	ok := m.submit(func() {
		sender, published := m.senders[kind]
		if !published {
			res <- nil
			return
		}
		src, err := m.c.opts.Devices.Open(m.ctx, kind, deviceID)
		if err != nil {
			res <- fmt.Errorf("open %s %q: %w", kind, deviceID, err)
			return
		}
		if err := sender.ReplaceTrack(src.Track()); err != nil {
			_ = src.Stop()
			res <- fmt.Errorf("replace track: %w", err)
			return
		}
		old := m.sources[kind]
		m.sources[kind] = src
		if err := old.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "live.wsclient").Str("device", old.DeviceID()).Msg("stop source")
		}
		res <- nil
	})
	if !ok {
		return errMediaClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) mediaSignal(typ wire.Type, data []byte) {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()
	if m == nil {
		log.Debug().Str("module", "live.wsclient").Str("type", string(typ)).Msg("no media session")
		return
	}

	switch typ {
	case wire.TypeRenegotiate:
		m.submit(m.offer)
	case wire.TypeOffer, wire.TypeAnswer:
		var sdp wire.SDP
		if !c.decode(data, &sdp) {
			return
		}
		if typ == wire.TypeOffer {
			m.submit(func() { m.handleOffer(sdp.SDP) })
		} else {
			m.submit(func() { m.handleAnswer(sdp.SDP) })
		}
	case wire.TypeCandidate:
		var cand wire.Candidate
		if !c.decode(data, &cand) {
			return
		}
		ci := webrtc.ICECandidateInit{Candidate: cand.Candidate, SDPMLineIndex: &cand.SDPMLineIndex}
		if cand.SDPMid != "" {
			ci.SDPMid = &cand.SDPMid
		}
		m.submit(func() {
			if err := m.conn.AddICECandidate(ci); err != nil {
				log.Warn().Err(err).Str("module", "live.wsclient").Msg("add ice candidate")
			}
		})
	}
}

// close tears the peer connection down and releases every device.
func (m *mediaSession) close() {
	m.cancel()
	m.conn.Close()
	m.wg.Wait()
	for kind, src := range m.sources {
		if err := src.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "live.wsclient").Str("kind", string(kind)).Msg("stop source")
		}
	}
	clear(m.sources)
	clear(m.senders)
	log.Debug().Str("module", "live.wsclient").Int64("packets", m.packets.Load()).Msg("media closed")
}
