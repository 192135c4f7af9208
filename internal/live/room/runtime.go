// Package room is the per-participant runtime: it builds the live-session
// components once the gate has granted access, routes transport events and
// broadcast messages to them, and tears everything down on unmount.
package room

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
	"github.com/dkeye/livestage/internal/live/actions"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/lifecycle"
	"github.com/dkeye/livestage/internal/live/moderation"
	"github.com/dkeye/livestage/internal/live/protocol"
	"github.com/dkeye/livestage/internal/live/role"
)

var (
	ErrMounted   = errors.New("room already mounted")
	ErrForbidden = errors.New("message kind is reserved for admins")
	ErrNoPoll    = errors.New("no active poll")
)

type Config struct {
	Session     domain.Session
	DisplayName string
	Media       device.Selection
	PreIssued   *domain.MeetingToken

	ReconnectTimeout time.Duration
	TokenWarningLead time.Duration
	PoorNetworkGrace time.Duration
	AnnouncementTTL  time.Duration
	StatusPoll       time.Duration
}

// Transport is the realtime provider with its operator surface.
type Transport interface {
	connection.Transport
	connection.Admin
}

// Backend is every collaborator call the runtime makes.
type Backend interface {
	connection.TokenIssuer
	connection.AttendanceRecorder
	actions.Log
	lifecycle.StatusWriter
	lifecycle.SessionSource
	moderation.RoomUpdater
}

type Runtime struct {
	Conn      *connection.Manager
	Actions   *actions.State
	Publisher *actions.Publisher
	Role      *role.Machine
	Operator  *role.Operator
	Controls  *moderation.Controls
	Chat      *moderation.Chat
	Lifecycle *lifecycle.Controller
	Watcher   *lifecycle.Watcher

	cfg       Config
	transport Transport
	backend   Backend
	clock     clockwork.Clock
	roster    *roster

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	mounted     bool
	closed      bool
	following   sync.Once
	unsubscribe func()
	unwatch     func()

	side conc.WaitGroup
}

// joinTap hands the join result to the runtime before the manager sees it.
type joinTap struct {
	connection.Transport
	r *Runtime
}

func (t joinTap) Join(ctx context.Context, opts connection.JoinOptions) (connection.JoinResult, error) {
	res, err := t.Transport.Join(ctx, opts)
	if err == nil {
		t.r.roster.reset(res.Participants)
		t.r.Controls.SyncProperties(res.Room.Properties)
	}
	return res, err
}

func New(cfg Config, t Transport, b Backend, flags role.FlagStore, clock clockwork.Clock) *Runtime {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:       cfg,
		transport: t,
		backend:   b,
		clock:     clock,
		roster:    newRoster(),
		ctx:       ctx,
		cancel:    cancel,
	}
	sid := cfg.Session.ID
	self := func() domain.Participant { return r.Role.Self() }

	r.Conn = connection.NewManager(connection.Config{
		SessionID:        sid,
		DisplayName:      cfg.DisplayName,
		Media:            cfg.Media,
		PreIssued:        cfg.PreIssued,
		ReconnectTimeout: cfg.ReconnectTimeout,
		TokenWarningLead: cfg.TokenWarningLead,
		PoorNetworkGrace: cfg.PoorNetworkGrace,
	}, joinTap{Transport: t, r: r}, b, b, clock)
	r.Actions = actions.NewState(clock, cfg.AnnouncementTTL)
	r.Publisher = actions.NewPublisher(t, b, sid)
	r.Role = role.NewMachine(sid, r.Conn, flags, r.Publisher)
	r.Operator = role.NewOperator(self, r.roster, t, r.Publisher)
	r.Controls = moderation.NewControls(domain.Room{Name: cfg.Session.Room, SessionID: sid}, self, b, t, r.Publisher, r.roster)
	r.Chat = moderation.NewChat(self, r.Publisher, clock)
	r.Lifecycle = lifecycle.NewController(cfg.Session, self, b, r.Publisher, t, call{r: r}, clock)
	r.Watcher = lifecycle.NewWatcher(cfg.Session, b, clock, cfg.StatusPoll)
	return r
}

// Mount joins the call, replays the active-actions log and starts
// following the session status. On error the caller still unmounts.
func (r *Runtime) Mount(ctx context.Context) error {
	r.mu.Lock()
	if r.mounted {
		r.mu.Unlock()
		return ErrMounted
	}
	r.mounted = true
	r.unsubscribe = r.transport.Subscribe(r.onEvent)
	r.unwatch = r.Conn.Watch(r.onSnapshot)
	r.mu.Unlock()
	r.Watcher.OnChange(r.onStatus)

	if err := r.resume(ctx, r.Conn.Start); err != nil {
		return err
	}
	log.Info().Str("module", "live.room").Str("session", string(r.cfg.Session.ID)).
		Str("participant", string(r.Role.Self().ID)).Str("role", string(r.Role.Role())).Msg("mounted")
	return nil
}

// Retry joins again after a retryable failure, the first join included.
func (r *Runtime) Retry(ctx context.Context) error { return r.resume(ctx, r.Conn.Retry) }

// Rejoin joins again after reconnection timed out.
func (r *Runtime) Rejoin(ctx context.Context) error { return r.resume(ctx, r.Conn.Rejoin) }

// resume runs a join attempt, catches up on the active-actions log and
// starts following the session status the first time a join succeeds.
func (r *Runtime) resume(ctx context.Context, join func(context.Context) error) error {
	if err := join(ctx); err != nil {
		return err
	}
	r.Publisher.Replay(ctx, dispatcher{r: r})
	r.following.Do(func() { r.side.Go(func() { r.Watcher.Run(r.ctx) }) })
	return nil
}

// Unmount leaves the call and stops every timer and background task.
func (r *Runtime) Unmount(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	unsubscribe, unwatch := r.unsubscribe, r.unwatch
	r.unsubscribe, r.unwatch = nil, nil
	r.mu.Unlock()

	r.Conn.Leave(ctx)
	if unsubscribe != nil {
		unsubscribe()
	}
	if unwatch != nil {
		unwatch()
	}
	r.cancel()
	r.side.Wait()
	// a rejoin racing the unmount may have reopened the call
	r.Conn.Leave(ctx)
	r.Conn.Wait()
	r.Actions.Close()
	log.Info().Str("module", "live.room").Str("session", string(r.cfg.Session.ID)).Msg("unmounted")
}

// goSide runs a collaborator call off the event goroutine.
func (r *Runtime) goSide(what string, fn func(context.Context) error) {
	r.side.Go(func() {
		if err := fn(r.ctx); err != nil {
			log.Warn().Err(err).Str("module", "live.room").Str("task", what).Msg("side effect failed")
		}
	})
}

func (r *Runtime) onEvent(ev connection.Event) {
	switch e := ev.(type) {
	case connection.AppMessage:
		r.deliver(e.From, e.Payload)
	case connection.ParticipantJoined:
		r.roster.upsert(e.Participant)
		r.Controls.OnParticipantAdmitted(e.Participant.ID)
	case connection.ParticipantUpdated:
		r.roster.upsert(e.Participant)
	case connection.ParticipantLeft:
		pid := e.Participant.ID
		r.roster.remove(pid)
		r.Actions.RemoveParticipant(pid)
		r.Controls.OnParticipantLeft(pid)
	case connection.AccessRequest:
		r.Controls.OnAccessRequest(e.Participant)
	case connection.RecordingStarted:
		r.Lifecycle.OnRecordingStarted(e.StartedAt)
	case connection.RecordingStopped:
		r.Lifecycle.OnRecordingStopped()
	case connection.NetworkRestored:
		if len(e.Participants) > 0 {
			r.roster.reset(e.Participants)
		}
	}
}

func (r *Runtime) onSnapshot(prev, next connection.Snapshot) {
	if next.Self != prev.Self && next.Self.ID != "" {
		if prev.Self.ID != "" && prev.Self.ID != next.Self.ID {
			r.roster.remove(prev.Self.ID)
		}
		r.roster.upsert(next.Self)
		r.Role.SetSelf(next.Self)
	}
	if prev.State == connection.StateReconnecting && next.State == connection.StateJoined {
		r.goSide("reconnected", func(ctx context.Context) error {
			r.Role.OnReconnected(ctx)
			return nil
		})
	}
}

// onStatus releases the call once the session has ended and joins it again
// when the owner brings the session back.
func (r *Runtime) onStatus(s domain.LifecycleStatus) {
	switch s {
	case domain.StatusEnded:
		r.goSide("session-ended", func(ctx context.Context) error {
			r.Conn.Leave(ctx)
			return nil
		})
	case domain.StatusLive:
		if r.Conn.State() == connection.StateLeft {
			r.goSide("session-restarted", r.rejoin)
		}
	}
}

// rejoin joins a call that was left when the session ended and catches up
// on the active-actions log.
func (r *Runtime) rejoin(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}
	if err := r.resume(ctx, r.Conn.Start); err != nil {
		if errors.Is(err, connection.ErrActive) {
			return nil
		}
		return err
	}
	log.Info().Str("module", "live.room").Str("session", string(r.cfg.Session.ID)).
		Str("participant", string(r.Role.Self().ID)).Msg("rejoined after restart")
	return nil
}

// call hands the lifecycle controller the runtime's connection.
type call struct{ r *Runtime }

func (c call) Leave(ctx context.Context)        { c.r.Conn.Leave(ctx) }
func (c call) Resume(ctx context.Context) error { return c.r.rejoin(ctx) }

// Participants lists the room as this participant sees it.
func (r *Runtime) Participants() []domain.Participant { return r.roster.list() }

// Send broadcasts m and applies it locally, since the sender gets no echo.
func (r *Runtime) Send(ctx context.Context, m protocol.Message) error {
	me := r.Role.Self()
	if operatorOnly(m) && !me.CanAdmin {
		return ErrForbidden
	}
	m = fromSender(m, me.ID)
	if err := r.Publisher.Publish(ctx, m); err != nil {
		return err
	}
	if pc, ok := m.(protocol.PollClosed); ok {
		r.Publisher.Retract(ctx, protocol.Poll{ID: pc.PollID})
	}
	m.Accept(dispatcher{r: r})
	return nil
}

// DismissDownload hides a download locally. For an admin it also withdraws
// the entry from the active-actions log, so late joiners no longer see it.
func (r *Runtime) DismissDownload(ctx context.Context, url string) {
	r.Actions.DismissDownload(url)
	if r.Role.Self().CanAdmin {
		r.Publisher.Retract(ctx, protocol.Download{URL: url})
	}
}

func (r *Runtime) RaiseHand(ctx context.Context) error {
	me := r.Role.Self()
	return r.Send(ctx, protocol.HandRaise{UserName: me.UserName, Timestamp: r.clock.Now()})
}

func (r *Runtime) LowerHand(ctx context.Context) error {
	return r.Send(ctx, protocol.HandLower{})
}

// Vote answers the active poll with option idx.
func (r *Runtime) Vote(ctx context.Context, idx int) error {
	poll, ok := r.Actions.ActivePoll()
	if !ok {
		return ErrNoPoll
	}
	if idx < 0 || idx >= len(poll.Options) {
		return fmt.Errorf("option %d out of range", idx)
	}
	return r.Send(ctx, protocol.PollVote{PollID: poll.ID, SelectedIndex: idx, SelectedLabel: poll.Options[idx]})
}
