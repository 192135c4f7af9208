package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/live/fault"
)

const rtpReadBuffer = 1500

// DefaultAudioLevelExtID is the header extension id senders use for the
// RFC 6464 audio level.
const DefaultAudioLevelExtID = 1

var ErrBusy = errors.New("device busy")

// RTPDevice is a capture device fed by an external encoder sending RTP to
// Listen (for example gstreamer or ffmpeg).
type RTPDevice struct {
	Info
	Listen string
}

// RTPProvider exposes UDP RTP ingest points as capture devices.
type RTPProvider struct {
	devices    []RTPDevice
	levelExtID uint8
	streamID   string

	mu   sync.Mutex
	open map[string]*rtpSource
}

func NewRTPProvider(devices []RTPDevice, streamID string) *RTPProvider {
	return &RTPProvider{
		devices:    devices,
		levelExtID: DefaultAudioLevelExtID,
		streamID:   streamID,
		open:       make(map[string]*rtpSource),
	}
}

func (p *RTPProvider) Enumerate(context.Context) ([]Info, error) {
	out := make([]Info, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d.Info)
	}
	return out, nil
}

func (p *RTPProvider) lookup(kind Kind, id string) (RTPDevice, bool) {
	for _, d := range p.devices {
		if d.Kind == kind && (id == "" || d.ID == id) {
			return d, true
		}
	}
	return RTPDevice{}, false
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// Open binds the device's listen address and starts forwarding received RTP
// into a local track. A device can only be opened once at a time.
func (p *RTPProvider) Open(ctx context.Context, kind Kind, deviceID string) (Source, error) {
	d, ok := p.lookup(kind, deviceID)
	if !ok {
		return nil, fault.New(fault.DeviceNotFound, fmt.Errorf("requested %s %q not found", kind, deviceID))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.open[d.ID]; busy {
		return nil, fmt.Errorf("open %s: %w", d.ID, ErrBusy)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", d.Listen)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.ID, err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codecFor(kind), string(kind)+"-"+d.ID, p.streamID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("track %s: %w", d.ID, err)
	}

	src := &rtpSource{
		provider: p,
		dev:      d,
		conn:     conn,
		track:    track,
		done:     make(chan struct{}),
	}
	if kind == KindAudio {
		src.meter = NewLevelMeter(p.levelExtID)
	}
	p.open[d.ID] = src
	go src.loop()

	log.Info().Str("module", "live.device").Str("device", d.ID).Str("listen", conn.LocalAddr().String()).Msg("device opened")
	return src, nil
}

func (p *RTPProvider) release(id string) {
	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()
}

type rtpSource struct {
	provider *RTPProvider
	dev      RTPDevice
	conn     net.PacketConn
	track    *webrtc.TrackLocalStaticRTP
	meter    *LevelMeter

	stopOnce sync.Once
	done     chan struct{}
}

func (s *rtpSource) Kind() Kind                         { return s.dev.Kind }
func (s *rtpSource) DeviceID() string                   { return s.dev.ID }
func (s *rtpSource) Track() *webrtc.TrackLocalStaticRTP { return s.track }
func (s *rtpSource) LocalAddr() net.Addr                { return s.conn.LocalAddr() }

// Level returns the audio level meter, nil for video sources.
func (s *rtpSource) Level() *LevelMeter { return s.meter }

func (s *rtpSource) loop() {
	defer close(s.done)
	buf := make([]byte, rtpReadBuffer)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Str("module", "live.device").Str("device", s.dev.ID).Msg("read RTP")
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debug().Err(err).Str("module", "live.device").Str("device", s.dev.ID).Msg("drop malformed RTP")
			continue
		}
		if s.meter != nil {
			s.meter.Observe(&pkt)
		}
		if err := s.track.WriteRTP(&pkt); err != nil {
			log.Debug().Err(err).Str("module", "live.device").Str("device", s.dev.ID).Msg("write RTP")
		}
	}
}

func (s *rtpSource) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.conn.Close()
		<-s.done
		s.provider.release(s.dev.ID)
		log.Info().Str("module", "live.device").Str("device", s.dev.ID).Msg("device stopped")
	})
	return err
}

// LevelMeter tracks the most recent RFC 6464 audio level seen on a stream.
type LevelMeter struct {
	extID uint8
	level atomic.Uint32 // -dBov, 127 is silence
	voice atomic.Bool
}

func NewLevelMeter(extID uint8) *LevelMeter {
	m := &LevelMeter{extID: extID}
	m.level.Store(127)
	return m
}

func (m *LevelMeter) Observe(pkt *rtp.Packet) {
	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	m.level.Store(uint32(ext.Level))
	m.voice.Store(ext.Voice)
}

// Level returns the last level scaled to [0, 1], 0 being silence.
func (m *LevelMeter) Level() float64 {
	return 1 - float64(m.level.Load())/127
}

func (m *LevelMeter) Voice() bool { return m.voice.Load() }

// AudioLevel returns the stream's live audio level, 0 without a metered
// microphone.
func (s *Stream) AudioLevel() float64 {
	if s == nil || s.Audio == nil {
		return 0
	}
	if lv, ok := s.Audio.(interface{ Level() *LevelMeter }); ok && lv.Level() != nil {
		return lv.Level().Level()
	}
	return 0
}
