// Package connection drives a participant from "not connected" to "joined"
// and keeps the call alive through network interruptions and token expiry.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/fault"
)

type State string

const (
	StateIdle         State = "idle"
	StateJoining      State = "joining"
	StateJoined       State = "joined"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
	StateLeft         State = "left"
)

const (
	DefaultReconnectTimeout = 30 * time.Second
	DefaultTokenWarningLead = 30 * time.Minute
	DefaultPoorNetworkGrace = 10 * time.Second
)

var (
	ErrActive     = errors.New("connection attempt already active")
	ErrSuperseded = errors.New("connection attempt superseded")
	ErrNotRetry   = errors.New("retry is not offered in this state")
)

type Config struct {
	SessionID   domain.SessionID
	DisplayName string
	Media       device.Selection
	// PreIssued is used for the first join only.
	PreIssued        *domain.MeetingToken
	ReconnectTimeout time.Duration
	TokenWarningLead time.Duration
	PoorNetworkGrace time.Duration
}

// Snapshot is the renderable connection state.
type Snapshot struct {
	State      State
	Generation uint64
	Err        *fault.Error
	// Retry is offered on the full-screen error unless the fault forbids it.
	Retry bool
	// Rejoin is offered after reconnection timed out.
	Rejoin        bool
	Waiting       bool
	TokenExpiring bool
	PoorNetwork   bool
	AudioEnabled  bool
	VideoEnabled  bool
	Self          domain.Participant
}

type Manager struct {
	cfg        Config
	transport  Transport
	tokens     TokenIssuer
	attendance AttendanceRecorder
	clock      clockwork.Clock

	mu          sync.Mutex
	snap        Snapshot
	gen         uint64
	cancel      context.CancelFunc
	preIssued   *domain.MeetingToken
	token       domain.MeetingToken
	unsubscribe func()
	attendID    domain.AttendanceID

	tokenTimer     clockwork.Timer
	reconnectTimer clockwork.Timer
	poorTimer      clockwork.Timer

	watchers map[int]func(prev, next Snapshot)
	nextW    int

	bg conc.WaitGroup
}

func NewManager(cfg Config, t Transport, tokens TokenIssuer, attendance AttendanceRecorder, clock clockwork.Clock) *Manager {
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.TokenWarningLead <= 0 {
		cfg.TokenWarningLead = DefaultTokenWarningLead
	}
	if cfg.PoorNetworkGrace <= 0 {
		cfg.PoorNetworkGrace = DefaultPoorNetworkGrace
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:        cfg,
		transport:  t,
		tokens:     tokens,
		attendance: attendance,
		clock:      clock,
		preIssued:  cfg.PreIssued,
		snap:       Snapshot{State: StateIdle},
		watchers:   make(map[int]func(prev, next Snapshot)),
	}
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Manager) State() State { return m.Snapshot().State }

// Token returns the current meeting token.
func (m *Manager) Token() domain.MeetingToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Watch registers fn for every snapshot change. Callbacks run outside the
// manager's lock, in change order per goroutine.
func (m *Manager) Watch(fn func(prev, next Snapshot)) (unwatch func()) {
	m.mu.Lock()
	id := m.nextW
	m.nextW++
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// update applies mutate under the lock and notifies watchers when the
// snapshot changed. It returns false when gen is stale.
func (m *Manager) update(gen uint64, mutate func(s *Snapshot)) bool {
	m.mu.Lock()
	if gen != 0 && gen != m.gen {
		m.mu.Unlock()
		return false
	}
	prev := m.snap
	mutate(&m.snap)
	next := m.snap
	fns := make([]func(prev, next Snapshot), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	if prev != next {
		if prev.State != next.State {
			log.Info().Str("module", "live.connection").Uint64("generation", next.Generation).
				Str("from", string(prev.State)).Str("to", string(next.State)).Msg("state")
		}
		for _, fn := range fns {
			fn(prev, next)
		}
	}
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// Start begins a join attempt from idle, or again once the call was left.
// It blocks until the attempt settles and returns the classified failure,
// if any.
func (m *Manager) Start(ctx context.Context) error {
	return m.begin(ctx, func(s Snapshot) bool { return s.State == StateIdle || s.State == StateLeft })
}

// Retry restarts after a retryable full-screen error.
func (m *Manager) Retry(ctx context.Context) error {
	return m.begin(ctx, func(s Snapshot) bool { return s.State == StateError && s.Retry })
}

// Rejoin restarts after reconnection timed out.
func (m *Manager) Rejoin(ctx context.Context) error {
	return m.begin(ctx, func(s Snapshot) bool { return s.State == StateError && s.Rejoin })
}

func (m *Manager) begin(ctx context.Context, allowed func(Snapshot) bool) error {
	m.mu.Lock()
	switch {
	case m.snap.State == StateJoining || m.snap.State == StateJoined || m.snap.State == StateReconnecting:
		m.mu.Unlock()
		return ErrActive
	case !allowed(m.snap):
		m.mu.Unlock()
		return ErrNotRetry
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	pre := m.preIssued
	m.preIssued = nil
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.unsubscribe = m.transport.Subscribe(func(ev Event) { m.handle(gen, ev) })
	m.mu.Unlock()

	m.update(gen, func(s *Snapshot) {
		*s = Snapshot{
			State:        StateJoining,
			Generation:   gen,
			AudioEnabled: m.cfg.Media.AudioEnabled,
			VideoEnabled: m.cfg.Media.VideoEnabled,
		}
	})
	return m.join(ctx, gen, pre)
}

func (m *Manager) join(ctx context.Context, gen uint64, pre *domain.MeetingToken) error {
	if err := m.transport.Supported(); err != nil {
		return m.fail(gen, fault.New(fault.WebRTCUnsupported, err))
	}

	var tok domain.MeetingToken
	if pre != nil {
		tok = *pre
	} else {
		var err error
		tok, err = m.tokens.IssueToken(ctx, m.cfg.SessionID, m.cfg.DisplayName)
		if err != nil {
			// A token fetch fails on the network or on the backend; device
			// keywords in a backend message must not leak into the kind.
			fe := fault.Classify(fmt.Errorf("issue token: %w", err))
			if fe.Kind != fault.Network {
				fe = fault.New(fault.Generic, fe.Err)
			}
			return m.fail(gen, fe)
		}
	}
	if !m.current(gen) {
		return ErrSuperseded
	}

	res, err := m.transport.Join(ctx, JoinOptions{
		Token:       tok.Value,
		SessionID:   m.cfg.SessionID,
		DisplayName: m.cfg.DisplayName,
		Media:       m.cfg.Media,
	})
	if err != nil {
		return m.fail(gen, fault.Classify(err))
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		log.Debug().Str("module", "live.connection").Uint64("generation", gen).Msg("discarding stale join")
		return ErrSuperseded
	}
	m.token = tok
	m.scheduleTokenWarningLocked(gen)
	m.mu.Unlock()

	m.update(gen, func(s *Snapshot) {
		s.State = StateJoined
		s.Waiting = false
		s.Self = res.Self
	})
	m.recordJoin(gen, res.Self)
	return nil
}

func (m *Manager) scheduleTokenWarningLocked(gen uint64) {
	if m.tokenTimer != nil {
		m.tokenTimer.Stop()
	}
	d := m.token.WarnAt(m.cfg.TokenWarningLead).Sub(m.clock.Now())
	if d < 0 {
		d = 0
	}
	m.tokenTimer = m.clock.AfterFunc(d, func() {
		if m.update(gen, func(s *Snapshot) { s.TokenExpiring = true }) {
			log.Warn().Str("module", "live.connection").Uint64("generation", gen).Msg("meeting token expiring soon")
		}
	})
}

// RefreshToken replaces the current token with a fresh one and reschedules
// the expiry warning.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	tok, err := m.tokens.IssueToken(ctx, m.cfg.SessionID, m.cfg.DisplayName)
	if err != nil {
		log.Warn().Err(err).Str("module", "live.connection").Msg("token refresh failed")
		return fmt.Errorf("refresh token: %w", err)
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.token = tok
	if m.snap.State == StateJoined || m.snap.State == StateReconnecting {
		m.scheduleTokenWarningLocked(gen)
	}
	m.mu.Unlock()
	m.update(gen, func(s *Snapshot) { s.TokenExpiring = false })
	return nil
}

func (m *Manager) recordJoin(gen uint64, self domain.Participant) {
	if m.attendance == nil {
		return
	}
	m.bg.Go(func() {
		id, err := m.attendance.RecordJoin(context.Background(), m.cfg.SessionID, string(self.ID), self.UserName)
		if err != nil {
			log.Warn().Err(err).Str("module", "live.connection").Msg("attendance join not recorded")
			return
		}
		m.mu.Lock()
		live := gen == m.gen && (m.snap.State == StateJoined || m.snap.State == StateReconnecting)
		if live {
			m.attendID = id
		}
		m.mu.Unlock()
		if !live {
			m.recordLeave(id)
		}
	})
}

func (m *Manager) recordLeave(id domain.AttendanceID) {
	if m.attendance == nil || id == "" {
		return
	}
	m.bg.Go(func() {
		if err := m.attendance.RecordLeave(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("module", "live.connection").Str("attendance", string(id)).Msg("attendance leave not recorded")
		}
	})
}

// teardownLocked invalidates the current attempt and cancels every timer.
func (m *Manager) teardownLocked() (attendID domain.AttendanceID) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, t := range []clockwork.Timer{m.tokenTimer, m.reconnectTimer, m.poorTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.tokenTimer, m.reconnectTimer, m.poorTimer = nil, nil, nil
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	attendID, m.attendID = m.attendID, ""
	return attendID
}

// fail moves the attempt gen into the classified error state.
func (m *Manager) fail(gen uint64, fe *fault.Error) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return ErrSuperseded
	}
	wasLive := m.snap.State == StateJoined || m.snap.State == StateReconnecting
	attendID := m.teardownLocked()
	next := m.gen
	m.mu.Unlock()

	log.Error().Err(fe).Str("module", "live.connection").Str("kind", string(fe.Kind)).Uint64("generation", gen).Msg("connection failed")
	m.update(next, func(s *Snapshot) {
		s.State = StateError
		s.Generation = next
		s.Err = fe
		s.Retry = fe.Retryable()
		s.Rejoin = false
		s.Waiting = false
	})
	if wasLive {
		m.bg.Go(m.leaveTransport)
	}
	m.recordLeave(attendID)
	return fe
}

func (m *Manager) leaveTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.transport.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "live.connection").Msg("graceful leave failed")
	}
}

// Leave ends the call: media off, graceful transport leave (failure
// tolerated), attendance leave, timers cancelled.
func (m *Manager) Leave(ctx context.Context) {
	m.mu.Lock()
	if m.snap.State == StateLeft {
		m.mu.Unlock()
		return
	}
	wasActive := m.snap.State == StateJoining || m.snap.State == StateJoined || m.snap.State == StateReconnecting
	attendID := m.teardownLocked()
	next := m.gen
	m.mu.Unlock()

	if err := m.transport.SetLocalAudio(false); err != nil {
		log.Debug().Err(err).Str("module", "live.connection").Msg("stop audio")
	}
	if err := m.transport.SetLocalVideo(false); err != nil {
		log.Debug().Err(err).Str("module", "live.connection").Msg("stop video")
	}
	if wasActive {
		if err := m.transport.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "live.connection").Msg("graceful leave failed")
		}
	}
	m.recordLeave(attendID)
	m.update(next, func(s *Snapshot) {
		s.State = StateLeft
		s.Generation = next
		s.AudioEnabled = false
		s.VideoEnabled = false
		s.Waiting = false
		s.PoorNetwork = false
		s.TokenExpiring = false
	})
}

// Wait blocks until background attendance calls finish.
func (m *Manager) Wait() { m.bg.Wait() }

func (m *Manager) SetAudio(enabled bool) error {
	if err := m.transport.SetLocalAudio(enabled); err != nil {
		return fmt.Errorf("set audio: %w", err)
	}
	m.update(0, func(s *Snapshot) { s.AudioEnabled = enabled })
	return nil
}

func (m *Manager) SetVideo(enabled bool) error {
	if err := m.transport.SetLocalVideo(enabled); err != nil {
		return fmt.Errorf("set video: %w", err)
	}
	m.update(0, func(s *Snapshot) {
		s.VideoEnabled = enabled
		if enabled {
			s.PoorNetwork = false
		}
	})
	return nil
}

// SetSelf mirrors capability changes the transport reports for this
// participant.
func (m *Manager) SetSelf(p domain.Participant) {
	m.update(0, func(s *Snapshot) {
		if s.Self.ID == "" || s.Self.ID == p.ID {
			s.Self = p
		}
	})
}

func (m *Manager) handle(gen uint64, ev Event) {
	if !m.current(gen) {
		return
	}
	switch e := ev.(type) {
	case Waiting:
		m.update(gen, func(s *Snapshot) { s.Waiting = true })
	case NetworkInterrupted:
		m.interrupted(gen)
	case NetworkRestored:
		m.restored(gen, e.Self)
	case NetworkQuality:
		m.quality(gen, e.Poor)
	case ParticipantUpdated:
		m.update(gen, func(s *Snapshot) {
			if e.Participant.ID == s.Self.ID {
				s.Self = e.Participant
				s.AudioEnabled = e.Participant.AudioEnabled
			}
		})
	case Failure:
		fe := fault.Classify(e.Err)
		if fe.Kind == fault.Network && m.Snapshot().State == StateJoined {
			m.interrupted(gen)
			return
		}
		_ = m.fail(gen, fe)
	}
}

func (m *Manager) interrupted(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.snap.State != StateJoined {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectTimeout, func() { m.reconnectTimedOut(gen) })
	m.mu.Unlock()
	m.update(gen, func(s *Snapshot) { s.State = StateReconnecting })
}

func (m *Manager) restored(gen uint64, self domain.Participant) {
	m.mu.Lock()
	if gen != m.gen || m.snap.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
	m.update(gen, func(s *Snapshot) {
		s.State = StateJoined
		if self.ID != "" {
			s.Self = self
		}
	})
}

func (m *Manager) reconnectTimedOut(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.snap.State != StateReconnecting {
		m.mu.Unlock()
		return
	}
	attendID := m.teardownLocked()
	next := m.gen
	m.mu.Unlock()

	log.Warn().Str("module", "live.connection").Uint64("generation", gen).Dur("timeout", m.cfg.ReconnectTimeout).Msg("reconnection timed out")
	m.update(next, func(s *Snapshot) {
		s.State = StateError
		s.Generation = next
		s.Err = fault.New(fault.Network, errors.New("reconnection timed out"))
		s.Retry = false
		s.Rejoin = true
	})
	m.bg.Go(m.leaveTransport)
	m.recordLeave(attendID)
}

func (m *Manager) quality(gen uint64, poor bool) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if !poor {
		if m.poorTimer != nil {
			m.poorTimer.Stop()
			m.poorTimer = nil
		}
		m.mu.Unlock()
		return
	}
	if m.poorTimer != nil || !m.snap.VideoEnabled {
		m.mu.Unlock()
		return
	}
	m.poorTimer = m.clock.AfterFunc(m.cfg.PoorNetworkGrace, func() { m.disableVideoForNetwork(gen) })
	m.mu.Unlock()
}

func (m *Manager) disableVideoForNetwork(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.poorTimer == nil {
		m.mu.Unlock()
		return
	}
	m.poorTimer = nil
	m.mu.Unlock()

	if err := m.transport.SetLocalVideo(false); err != nil {
		log.Warn().Err(err).Str("module", "live.connection").Msg("disable video on poor network")
		return
	}
	log.Warn().Str("module", "live.connection").Uint64("generation", gen).Msg("poor network, video disabled")
	m.update(gen, func(s *Snapshot) {
		s.VideoEnabled = false
		s.PoorNetwork = true
	})
}
