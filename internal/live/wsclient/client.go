// Package wsclient is the participant's realtime transport: a WebSocket
// signalling link to the room server plus a pion peer connection for media.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/live/fault"
)

const signalPath = "/api/ws/signal"

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrAccessDenied = fault.ErrAccessDenied
	ErrClosed       = errors.New("transport closed")
)

// JoinError is a join refused by the server; Code is the wire error code.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string { return e.Code + ": " + e.Message }

// Permanent reports whether redialling with the same token cannot help.
func (e *JoinError) Permanent() bool {
	return e.Code == "token-invalid" || e.Code == "session-ended"
}

type Options struct {
	ServerURL string
	// Devices enables media; without it the client only signals.
	Devices    device.Provider
	WebRTC     webrtc.Configuration
	PingPeriod time.Duration
	// PoorRTT is the ping round trip above which the link counts as poor.
	PoorRTT       time.Duration
	RedialInitial time.Duration
	RedialMax     time.Duration
	Clock         clockwork.Clock
	Dialer        *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.PingPeriod <= 0 {
		o.PingPeriod = 5 * time.Second
	}
	if o.PoorRTT <= 0 {
		o.PoorRTT = time.Second
	}
	if o.RedialInitial <= 0 {
		o.RedialInitial = 500 * time.Millisecond
	}
	if o.RedialMax <= 0 {
		o.RedialMax = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

type Client struct {
	opts  Options
	wsURL string

	subMu   sync.Mutex
	subs    map[int]func(connection.Event)
	nextSub int

	events    chan connection.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	link       *link
	token      string
	selection  device.Selection
	self       domain.Participant
	audio      bool
	video      bool
	sessCtx    context.Context
	sessCancel context.CancelFunc
	joined     bool
	redialing  bool
	pending    chan handshake
	media      *mediaSession
	poor       bool

	wg conc.WaitGroup
}

var (
	_ connection.Transport = (*Client)(nil)
	_ connection.Admin     = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	opts = opts.withDefaults()
	wsURL, err := signalURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:   opts,
		wsURL:  wsURL,
		subs:   make(map[int]func(connection.Event)),
		events: make(chan connection.Event, 128),
		closed: make(chan struct{}),
	}
	c.wg.Go(c.dispatch)
	return c, nil
}

func signalURL(server string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += signalPath
	return u.String(), nil
}

// Supported checks that a peer connection can be built when media is on.
func (c *Client) Supported() error {
	if c.opts.Devices == nil {
		return nil
	}
	pc, err := webrtc.NewPeerConnection(c.opts.WebRTC)
	if err != nil {
		return fmt.Errorf("webrtc not supported: %w", err)
	}
	return pc.Close()
}

// Subscribe registers fn for transport events. All events are delivered
// in order on one goroutine.
func (c *Client) Subscribe(fn func(connection.Event)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) emit(ev connection.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) dispatch() {
	for {
		select {
		case ev := <-c.events:
			c.subMu.Lock()
			fns := make([]func(connection.Event), 0, len(c.subs))
			for _, fn := range c.subs {
				fns = append(fns, fn)
			}
			c.subMu.Unlock()
			for _, fn := range fns {
				fn(ev)
			}
		case <-c.closed:
			return
		}
	}
}

// Self is the participant record the server assigned on the last join.
func (c *Client) Self() domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Close leaves any active call and stops event delivery.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Leave(ctx)
	c.closeOnce.Do(func() { close(c.closed) })
	c.wg.Wait()
	return err
}

func (c *Client) current(l *link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link == l
}
