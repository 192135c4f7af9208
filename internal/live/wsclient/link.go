package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/livestage/internal/wire"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

var errBackpressure = errors.New("signal send buffer full")

// link is one WebSocket connection to the room server. A redial makes a
// new link; frames from a replaced link are ignored.
type link struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	pingAt time.Time
}

func (l *link) trySend(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrNotConnected
	}
	select {
	case l.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

func (l *link) sendJSON(v any) error {
	data, err := wire.Encode(v)
	if err != nil {
		return err
	}
	return l.trySend(data)
}

// shutdown flushes queued frames, sends a close frame and waits for both
// pumps to stop or ctx to end.
func (l *link) shutdown(ctx context.Context) {
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		_ = l.conn.Close()
	}
}

func (l *link) markPing(at time.Time) {
	l.mu.Lock()
	l.pingAt = at
	l.mu.Unlock()
}

func (l *link) takePing() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at := l.pingAt
	l.pingAt = time.Time{}
	return at, !at.IsZero()
}

func (c *Client) dial(ctx context.Context) (*link, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("signal connection failed: %w", err)
	}
	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    lctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.wg.Go(func() {
		var wg conc.WaitGroup
		wg.Go(func() { c.writePump(l) })
		wg.Go(func() { c.readPump(l) })
		wg.Wait()
		close(l.done)
		c.linkLost(l)
	})
	log.Debug().Str("module", "live.wsclient").Str("url", c.wsURL).Msg("signal connected")
	return l, nil
}

func (c *Client) writePump(l *link) {
	ping := c.opts.Clock.NewTicker(c.opts.PingPeriod)
	defer func() {
		ping.Stop()
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		_ = l.conn.Close()
	}()
	write := func(data []byte) error {
		if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return l.conn.WriteMessage(websocket.TextMessage, data)
	}
	for {
		select {
		case <-l.ctx.Done():
		drain:
			for {
				select {
				case data := <-l.send:
					if write(data) != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data := <-l.send:
			if err := write(data); err != nil {
				log.Warn().Err(err).Str("module", "live.wsclient").Msg("writePump write error")
				return
			}
		case <-ping.Chan():
			l.markPing(c.opts.Clock.Now())
			if err := write(wire.MustEncode(wire.Simple{Type: wire.TypePing})); err != nil {
				log.Warn().Err(err).Str("module", "live.wsclient").Msg("writePump ping failed")
				return
			}
		}
	}
}

func (c *Client) readPump(l *link) {
	defer l.cancel()
	readWait := 3 * c.opts.PingPeriod
	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "live.wsclient").Msg("readPump read error")
			}
			return
		}
		c.onFrame(l, data)
	}
}
