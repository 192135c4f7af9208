// Package device acquires local capture sources for the pre-join preview and
// hands the chosen devices over to the live connection.
package device

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/live/fault"
)

type Kind string

const (
	KindAudio Kind = "audioinput"
	KindVideo Kind = "videoinput"
)

type Info struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

// Constraints describe the desired local media. Empty ids pick the first
// device of the kind.
type Constraints struct {
	Video    bool
	Audio    bool
	CameraID string
	MicID    string
}

// Source is one acquired capture device. Stop releases the hardware.
type Source interface {
	Kind() Kind
	DeviceID() string
	Track() *webrtc.TrackLocalStaticRTP
	Stop() error
}

// Provider enumerates and opens capture devices.
type Provider interface {
	Enumerate(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, kind Kind, deviceID string) (Source, error)
}

// Selection is what the connection needs to acquire the same media again
// once the preview has released it.
type Selection struct {
	AudioDeviceID string
	VideoDeviceID string
	AudioEnabled  bool
	VideoEnabled  bool
}

var ErrNothingAcquired = errors.New("no requested device could be opened")

// Stream is the set of sources acquired by one Acquire call.
type Stream struct {
	Audio Source
	Video Source
}

func (s *Stream) Sources() []Source {
	out := make([]Source, 0, 2)
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *Stream) stop() {
	for _, src := range s.Sources() {
		if err := src.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "live.device").Str("device", src.DeviceID()).Msg("stop source")
		}
	}
}

// Preview owns the preview stream. At most one stream is held at a time and
// the previous one is always stopped before a new acquisition starts.
type Preview struct {
	provider Provider

	mu      sync.Mutex
	cons    Constraints
	stream  *Stream
	warning *fault.Error
}

func NewPreview(p Provider) *Preview {
	return &Preview{provider: p}
}

func (p *Preview) Devices(ctx context.Context) ([]Info, error) {
	devs, err := p.provider.Enumerate(ctx)
	if err != nil {
		return nil, fault.Classify(err)
	}
	return devs, nil
}

// Acquire opens the requested devices. A missing device of one kind degrades
// to the other kind and is reported through Warning; any other failure is
// returned classified and leaves nothing acquired.
func (p *Preview) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquireLocked(ctx, c)
}

func (p *Preview) acquireLocked(ctx context.Context, c Constraints) (*Stream, error) {
	if p.stream != nil {
		p.stream.stop()
		p.stream = nil
	}
	p.cons = c
	p.warning = nil

	s := &Stream{}
	var missing *fault.Error
	open := func(kind Kind, id string) (Source, error) {
		src, err := p.provider.Open(ctx, kind, id)
		if err == nil {
			return src, nil
		}
		fe := fault.Classify(err)
		if fe.Kind == fault.DeviceNotFound {
			missing = fe
			return nil, nil
		}
		return nil, fe
	}

	if c.Audio {
		src, err := open(KindAudio, c.MicID)
		if err != nil {
			return nil, err
		}
		s.Audio = src
	}
	if c.Video {
		src, err := open(KindVideo, c.CameraID)
		if err != nil {
			s.stop()
			return nil, err
		}
		s.Video = src
	}

	if (c.Audio || c.Video) && s.Audio == nil && s.Video == nil {
		return nil, fault.New(fault.DeviceNotFound, ErrNothingAcquired)
	}
	if missing != nil {
		p.warning = missing
		log.Warn().Err(missing).Str("module", "live.device").
			Bool("audio", s.Audio != nil).Bool("video", s.Video != nil).
			Msg("requested device missing, degraded media")
	}
	p.stream = s
	log.Info().Str("module", "live.device").
		Bool("audio", s.Audio != nil).Bool("video", s.Video != nil).
		Msg("local media acquired")
	return s, nil
}

// Warning returns the non-fatal device-not-found fault of the last
// acquisition, if any.
func (p *Preview) Warning() *fault.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warning
}

func (p *Preview) Stream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

// SelectCamera re-acquires the stream with a different camera.
func (p *Preview) SelectCamera(ctx context.Context, id string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cons
	c.CameraID = id
	c.Video = true
	return p.acquireLocked(ctx, c)
}

// SelectMic re-acquires the stream with a different microphone.
func (p *Preview) SelectMic(ctx context.Context, id string) (*Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cons
	c.MicID = id
	c.Audio = true
	return p.acquireLocked(ctx, c)
}

// Release stops the preview and returns the selection the connection should
// join with. After Release the preview holds no device.
func (p *Preview) Release() Selection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sel Selection
	if p.stream != nil {
		if p.stream.Audio != nil {
			sel.AudioEnabled = true
			sel.AudioDeviceID = p.stream.Audio.DeviceID()
		}
		if p.stream.Video != nil {
			sel.VideoEnabled = true
			sel.VideoDeviceID = p.stream.Video.DeviceID()
		}
		p.stream.stop()
		p.stream = nil
	}
	log.Info().Str("module", "live.device").Msg("preview released")
	return sel
}
