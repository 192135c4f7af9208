package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

const DefaultPollInterval = 15 * time.Second

// Surface is what a participant's main area shows for a status.
type Surface string

const (
	SurfacePlaceholder Surface = "go-live-placeholder"
	SurfaceVideo       Surface = "video"
	SurfaceEnded       Surface = "ended"
)

func SurfaceFor(s domain.LifecycleStatus) Surface {
	switch s {
	case domain.StatusLive:
		return SurfaceVideo
	case domain.StatusEnded:
		return SurfaceEnded
	}
	return SurfacePlaceholder
}

type SessionSource interface {
	GetSession(ctx context.Context, sid domain.SessionID) (domain.Session, error)
}

// Watcher tracks the lifecycle status on a participant. The status is
// re-evaluated from the backend and also follows session-status broadcasts.
type Watcher struct {
	sid      domain.SessionID
	src      SessionSource
	clock    clockwork.Clock
	interval time.Duration

	mu          sync.Mutex
	status      domain.LifecycleStatus
	minutesLeft int
	onChange    func(domain.LifecycleStatus)
}

func NewWatcher(s domain.Session, src SessionSource, clock clockwork.Clock, interval time.Duration) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	status := s.Status
	if status == "" {
		status = domain.StatusIdle
	}
	return &Watcher{sid: s.ID, src: src, clock: clock, interval: interval, status: status}
}

func (w *Watcher) OnChange(fn func(domain.LifecycleStatus)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Watcher) Status() domain.LifecycleStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) Surface() Surface { return SurfaceFor(w.Status()) }

// MinutesLeft is the last ending-soon warning, 0 when none.
func (w *Watcher) MinutesLeft() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.minutesLeft
}

func (w *Watcher) set(s domain.LifecycleStatus) {
	w.mu.Lock()
	changed := w.status != s
	w.status = s
	if s != domain.StatusLive {
		w.minutesLeft = 0
	}
	fn := w.onChange
	w.mu.Unlock()
	if changed {
		log.Info().Str("module", "live.lifecycle").Str("session", string(w.sid)).Str("status", string(s)).Msg("session status observed")
		if fn != nil {
			fn(s)
		}
	}
}

// Refresh re-evaluates the status from the backend. On failure the last
// known status stays.
func (w *Watcher) Refresh(ctx context.Context) domain.LifecycleStatus {
	s, err := w.src.GetSession(ctx, w.sid)
	if err != nil {
		log.Warn().Err(err).Str("module", "live.lifecycle").Str("session", string(w.sid)).Msg("session refresh failed")
		return w.Status()
	}
	w.set(s.Status)
	return s.Status
}

func (w *Watcher) OnSessionStatus(m protocol.SessionStatus) { w.set(m.Status) }

func (w *Watcher) OnEndingSoon(m protocol.SessionEndingSoon) {
	w.mu.Lock()
	w.minutesLeft = m.MinutesLeft
	w.mu.Unlock()
}

// Run refreshes on every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := w.clock.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			w.Refresh(ctx)
		}
	}
}
