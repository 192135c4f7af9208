package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// TokenVerifier checks meeting tokens presented in join frames.
type TokenVerifier interface {
	VerifyMeeting(token string) (*auth.MeetingClaims, error)
}

// SessionLookup reports the current lifecycle status of a session.
type SessionLookup interface {
	GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error)
}

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
	WebRTC     webrtc.Configuration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Tokens   TokenVerifier
	Sessions SessionLookup
	Limiter  *RoomRateLimiter
	opts     Options
}

func NewSignalWSController(o *orch.Orchestrator, tokens TokenVerifier, sessions SessionLookup, limiter *RoomRateLimiter, opts Options) *SignalWSController {
	return &SignalWSController{
		Orch:     o,
		Tokens:   tokens,
		Sessions: sessions,
		Limiter:  limiter,
		opts:     opts.withDefaults(),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// peer is the per-connection state. pid is fixed at upgrade; joined flips
// once the participant is bound to a room.
type peer struct {
	pid    domain.ParticipantID
	conn   *WsSignalConn
	cancel context.CancelFunc
	joined atomic.Bool
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves the connection until either
// side closes it.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	ctx, cancel := context.WithCancel(ctx)
	p := &peer{
		pid: domain.ParticipantID(uuid.NewString()),
		conn: &WsSignalConn{
			conn: ws,
			send: make(chan core.Frame, ctl.opts.SendBuffer),
		},
		cancel: cancel,
	}
	log.Info().Str("module", "signal").Str("participant", string(p.pid)).Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	var wg conc.WaitGroup
	wg.Go(func() { ctl.writePump(ctx, p.conn) })
	wg.Go(func() { ctl.readPump(ctx, p) })
	wg.Wait()

	cancel()
	if p.joined.Load() {
		ctl.Orch.Leave(p.pid)
	}
	if ctl.Limiter != nil {
		ctl.Limiter.Forget(p.pid)
	}
	log.Info().Str("module", "signal").Str("participant", string(p.pid)).Msg("WS connection closed")
}
