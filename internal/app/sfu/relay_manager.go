package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoRelay = errors.New("no relay for track")

// RelayKey identifies one published track: a participant publishes at most
// one audio and one video track.
type RelayKey struct {
	Src  domain.ParticipantID
	Kind webrtc.RTPCodecType
}

func (k RelayKey) String() string { return string(k.Src) + "/" + k.Kind.String() }

type RelayManager struct {
	mu     sync.RWMutex
	relays map[RelayKey]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[RelayKey]*Relay),
	}
}

// StartRelay creates a new Relay for the given published track and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, key RelayKey, src Source, codec webrtc.RTPCodecCapability) *Relay {
	logger := log.With().
		Str("module", "relay").
		Str("participant", string(key.Src)).
		Str("kind", key.Kind.String()).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(key, src, codec, cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[key] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay
}

// Subscribe creates an outgoing track on dst's peer connection fed by the
// relay of key. The caller renegotiates dst afterwards.
func (m *RelayManager) Subscribe(key RelayKey, dst domain.ParticipantID, mc core.MediaConnection) error {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNoRelay
	}
	local, err := webrtc.NewTrackLocalStaticRTP(relay.Codec, key.Kind.String(), string(key.Src))
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	sender, err := mc.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	go drainRTCP(sender)
	relay.AddOutTrack(dst, NewOutTrack(local))
	log.Debug().Str("module", "relay").Str("src", key.String()).Str("dst", string(dst)).Msg("subscriber added")
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// AddSubscriber attaches an OutTrack to the relay of key for dst.
func (m *RelayManager) AddSubscriber(key RelayKey, dst domain.ParticipantID, w RTPWriter) error {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNoRelay
	}
	relay.AddOutTrack(dst, NewOutTrack(w))
	return nil
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(key RelayKey, dst domain.ParticipantID) {
	m.mu.RLock()
	relay, ok := m.relays[key]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dst); ok {
		ot.MarkDelete()
	}
}

// DropSubscriber detaches dst from every relay.
func (m *RelayManager) DropSubscriber(dst domain.ParticipantID) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, relay := range m.relays {
		if ot, ok := relay.outTrack(dst); ok {
			ot.MarkDelete()
		}
	}
}

// SetMuted pauses forwarding of src's track of the given kind.
func (m *RelayManager) SetMuted(src domain.ParticipantID, kind webrtc.RTPCodecType, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[RelayKey{Src: src, Kind: kind}]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.SetMuted(muted)
	log.Debug().Str("module", "relay").Str("participant", string(src)).Str("kind", kind.String()).Bool("muted", muted).Msg("relay mute state")
	return true
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(key RelayKey) bool {
	m.mu.Lock()
	relay, ok := m.relays[key]
	if ok {
		delete(m.relays, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
	return true
}

// StopRelaysOf stops every track src publishes and returns how many stopped.
func (m *RelayManager) StopRelaysOf(src domain.ParticipantID) int {
	n := 0
	for _, key := range m.RelaysOf(src) {
		if m.StopRelay(key) {
			n++
		}
	}
	return n
}

// RelaysOf lists the published tracks of src.
func (m *RelayManager) RelaysOf(src domain.ParticipantID) []RelayKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RelayKey
	for key := range m.relays {
		if key.Src == src {
			out = append(out, key)
		}
	}
	return out
}

// HasRelay reports whether a relay exists for key.
func (m *RelayManager) HasRelay(key RelayKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[key]
	return ok
}

// Relay returns the relay for key.
func (m *RelayManager) Relay(key RelayKey) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[key]
	return relay, ok
}
