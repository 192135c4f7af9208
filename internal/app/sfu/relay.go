package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Source yields RTP packets of one published track.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
}

type remoteSource struct{ t *webrtc.TrackRemote }

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.t.ReadRTP()
	return pkt, err
}

// RemoteSource adapts a pion remote track to Source.
func RemoteSource(t *webrtc.TrackRemote) Source { return remoteSource{t: t} }

type Relay struct {
	Key   RelayKey
	Codec webrtc.RTPCodecCapability
	src   Source

	mu        sync.RWMutex
	outTracks map[domain.ParticipantID]*OutTrack
	muted     atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(key RelayKey, src Source, codec webrtc.RTPCodecCapability, cancel context.CancelFunc) *Relay {
	return &Relay{
		Key:       key,
		Codec:     codec,
		src:       src,
		outTracks: make(map[domain.ParticipantID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.ParticipantID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.ParticipantID, 0, len(snapshot))
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pid := range dirty {
		if ot, ok := r.outTracks[pid]; ok && ot.GetState() == TrackStateDelete {
			delete(r.outTracks, pid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// SetMuted pauses or resumes forwarding to every subscriber. Subscribers
// added while muted start muted.
func (r *Relay) SetMuted(muted bool) {
	r.muted.Store(muted)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ot := range r.outTracks {
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (r *Relay) Muted() bool { return r.muted.Load() }

func (r *Relay) AddOutTrack(dst domain.ParticipantID, ot *OutTrack) {
	if r.muted.Load() {
		ot.MarkMuted()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[dst]; ok {
		old.MarkDelete()
	}
	r.outTracks[dst] = ot
}

func (r *Relay) outTrack(dst domain.ParticipantID) (*OutTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ot, ok := r.outTracks[dst]
	return ot, ok
}

func (r *Relay) subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}
