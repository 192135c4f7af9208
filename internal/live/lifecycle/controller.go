// Package lifecycle drives the session's idle/live/ended macro state from
// the owner's console and tracks it on every participant.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

var (
	ErrOwnerOnly       = errors.New("only the session owner controls the session")
	ErrConfirmRequired = errors.New("end session must be confirmed")
	ErrNotLive         = errors.New("session is not live")
	ErrNotRecording    = errors.New("not recording")
	ErrNotEnded        = errors.New("session has not ended")
)

// StatusWriter persists the lifecycle status.
type StatusWriter interface {
	UpdateSessionStatus(ctx context.Context, sid domain.SessionID, status domain.LifecycleStatus) error
}

type Recorder interface {
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
}

type Broadcaster interface {
	Publish(ctx context.Context, m protocol.Message) error
}

// Call is the local connection. Ending the session releases it and a
// restart joins it again.
type Call interface {
	Leave(ctx context.Context)
	Resume(ctx context.Context) error
}

// Controller is the owner's view of the session lifecycle.
type Controller struct {
	sid     domain.SessionID
	self    func() domain.Participant
	backend StatusWriter
	pub     Broadcaster
	rec     Recorder
	conn    Call
	clock   clockwork.Clock

	mu           sync.Mutex
	status       domain.LifecycleStatus
	confirming   bool
	recording    bool
	recStartedAt time.Time
}

func NewController(s domain.Session, self func() domain.Participant, backend StatusWriter, pub Broadcaster, rec Recorder, conn Call, clock clockwork.Clock) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	status := s.Status
	if status == "" {
		status = domain.StatusIdle
	}
	return &Controller{sid: s.ID, self: self, backend: backend, pub: pub, rec: rec, conn: conn, clock: clock, status: status}
}

func (c *Controller) Status() domain.LifecycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) transition(ctx context.Context, to domain.LifecycleStatus) error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	c.mu.Lock()
	from := c.status
	c.mu.Unlock()
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}
	if err := c.backend.UpdateSessionStatus(ctx, c.sid, to); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	c.mu.Lock()
	c.status = to
	c.confirming = false
	c.mu.Unlock()
	log.Info().Str("module", "live.lifecycle").Str("session", string(c.sid)).
		Str("from", string(from)).Str("to", string(to)).Msg("session status")
	return nil
}

func (c *Controller) announce(ctx context.Context, status domain.LifecycleStatus) {
	if err := c.pub.Publish(ctx, protocol.SessionStatus{Status: status}); err != nil {
		log.Warn().Err(err).Str("module", "live.lifecycle").Str("status", string(status)).Msg("status broadcast failed")
	}
}

func (c *Controller) GoLive(ctx context.Context) error {
	if err := c.transition(ctx, domain.StatusLive); err != nil {
		return err
	}
	c.announce(ctx, domain.StatusLive)
	return nil
}

// RequestEnd arms the two-step end. ConfirmEnd must follow.
func (c *Controller) RequestEnd() error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != domain.StatusLive {
		return ErrNotLive
	}
	c.confirming = true
	return nil
}

func (c *Controller) CancelEnd() {
	c.mu.Lock()
	c.confirming = false
	c.mu.Unlock()
}

func (c *Controller) Confirming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirming
}

// ConfirmEnd persists the ended status, notifies connected viewers, stops a
// running recording and finally releases the local call. Nothing is
// broadcast when the status write fails.
func (c *Controller) ConfirmEnd(ctx context.Context) error {
	c.mu.Lock()
	confirming := c.confirming
	c.mu.Unlock()
	if !confirming {
		return ErrConfirmRequired
	}
	if err := c.transition(ctx, domain.StatusEnded); err != nil {
		return err
	}
	c.announce(ctx, domain.StatusEnded)
	if c.Recording() {
		if err := c.StopRecording(ctx); err != nil {
			log.Warn().Err(err).Str("module", "live.lifecycle").Msg("stop recording on end")
		}
	}
	c.conn.Leave(ctx)
	return nil
}

// Restart brings an ended session back to live and rejoins the call the
// end released. Participants still connected hear it at once; the rest pick
// the status up when they re-evaluate it.
func (c *Controller) Restart(ctx context.Context) error {
	if c.Status() != domain.StatusEnded {
		return ErrNotEnded
	}
	if err := c.transition(ctx, domain.StatusLive); err != nil {
		return err
	}
	if err := c.conn.Resume(ctx); err != nil {
		return fmt.Errorf("rejoin after restart: %w", err)
	}
	c.announce(ctx, domain.StatusLive)
	return nil
}

// WarnEnding broadcasts a session-ending-soon notice.
func (c *Controller) WarnEnding(ctx context.Context, minutes int) error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	if c.Status() != domain.StatusLive {
		return ErrNotLive
	}
	return c.pub.Publish(ctx, protocol.SessionEndingSoon{MinutesLeft: minutes})
}

func (c *Controller) StartRecording(ctx context.Context) error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	if c.Status() != domain.StatusLive {
		return ErrNotLive
	}
	if c.Recording() {
		return nil
	}
	if err := c.rec.StartRecording(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	c.OnRecordingStarted(c.clock.Now())
	return nil
}

func (c *Controller) StopRecording(ctx context.Context) error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	if !c.Recording() {
		return ErrNotRecording
	}
	if err := c.rec.StopRecording(ctx); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	c.OnRecordingStopped()
	return nil
}

// OnRecordingStarted syncs with the transport's recording event. The
// earliest known start wins.
func (c *Controller) OnRecordingStarted(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording && !c.recStartedAt.IsZero() && c.recStartedAt.Before(at) {
		return
	}
	c.recording = true
	c.recStartedAt = at
}

func (c *Controller) OnRecordingStopped() {
	c.mu.Lock()
	c.recording = false
	c.recStartedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// RecordingElapsed feeds the elapsed-time counter, truncated to seconds.
func (c *Controller) RecordingElapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return 0
	}
	return c.clock.Since(c.recStartedAt).Truncate(time.Second)
}
