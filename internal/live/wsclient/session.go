package wsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/wire"
)

type handshake struct {
	joined wire.Joined
	err    error
}

// Join dials the room server and presents the meeting token. It blocks
// through the waiting room until the participant is admitted, denied or
// the server refuses the token.
func (c *Client) Join(ctx context.Context, opts connection.JoinOptions) (connection.JoinResult, error) {
	select {
	case <-c.closed:
		return connection.JoinResult{}, ErrClosed
	default:
	}
	c.teardown(ctx, false)

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.sessCtx, c.sessCancel = sessCtx, cancel
	c.token = opts.Token
	c.selection = opts.Media
	c.audio = opts.Media.AudioEnabled
	c.video = opts.Media.VideoEnabled
	c.joined = false
	c.poor = false
	c.mu.Unlock()

	l, err := c.dial(ctx)
	if err != nil {
		c.teardown(ctx, false)
		return connection.JoinResult{}, err
	}
	j, err := c.handshake(ctx, l, opts.Token)
	if err != nil {
		c.teardown(ctx, false)
		return connection.JoinResult{}, err
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.afterJoin(l, j)

	log.Info().Str("module", "live.wsclient").Str("participant", string(j.Self.ID)).Str("room", string(j.Room.Name)).Int("participants", len(j.Participants)).Msg("joined")
	return connection.JoinResult{Self: j.Self, Participants: j.Participants, Room: j.Room}, nil
}

func (c *Client) handshake(ctx context.Context, l *link, token string) (wire.Joined, error) {
	ch := make(chan handshake, 1)
	c.mu.Lock()
	if c.sessCtx == nil || c.sessCtx.Err() != nil {
		c.mu.Unlock()
		l.cancel()
		return wire.Joined{}, fmt.Errorf("join aborted: %w", ErrClosed)
	}
	c.link = l
	c.pending = ch
	c.mu.Unlock()

	if err := l.sendJSON(wire.Join{Type: wire.TypeJoin, Token: token}); err != nil {
		return wire.Joined{}, fmt.Errorf("send join: %w", err)
	}
	select {
	case h := <-ch:
		return h.joined, h.err
	case <-l.done:
		return wire.Joined{}, fmt.Errorf("signal connection lost during join: %w", io.ErrUnexpectedEOF)
	case <-ctx.Done():
		return wire.Joined{}, ctx.Err()
	}
}

// resolve completes a pending handshake; false when none was waiting.
func (c *Client) resolve(l *link, h handshake) bool {
	c.mu.Lock()
	ch := c.pending
	if ch == nil || c.link != l {
		c.mu.Unlock()
		return false
	}
	c.pending = nil
	if h.err == nil {
		c.self = h.joined.Self
	}
	c.mu.Unlock()
	ch <- h
	return true
}

// afterJoin restores the local track state on the server and brings media
// up on the new link.
func (c *Client) afterJoin(l *link, j wire.Joined) {
	c.mu.Lock()
	audio, video := c.audio, c.video
	c.mu.Unlock()
	if j.Self.CanSend {
		if err := l.sendJSON(wire.TrackState{Type: wire.TypeTrackState, Audio: audio, Video: video}); err != nil {
			log.Warn().Err(err).Str("module", "live.wsclient").Msg("track state not sent")
		}
	}
	if c.opts.Devices != nil {
		c.startMedia(l, j.Self)
	}
}

// linkLost reacts to a dropped link: the call is reported interrupted and
// a redial loop starts with the same token.
func (c *Client) linkLost(l *link) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	m := c.media
	c.media = nil
	if !c.joined || c.redialing || c.sessCtx == nil || c.sessCtx.Err() != nil {
		c.mu.Unlock()
		if m != nil {
			m.close()
		}
		return
	}
	c.redialing = true
	ctx, token := c.sessCtx, c.token
	c.mu.Unlock()

	if m != nil {
		m.close()
	}
	log.Warn().Str("module", "live.wsclient").Msg("signal link lost, redialling")
	c.emit(connection.NetworkInterrupted{})
	c.wg.Go(func() { c.redial(ctx, token) })
}

func (c *Client) redial(ctx context.Context, token string) {
	defer func() {
		c.mu.Lock()
		c.redialing = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RedialInitial
	b.MaxInterval = c.opts.RedialMax

	attempt := 0
	type rejoined struct {
		l *link
		j wire.Joined
	}
	res, err := backoff.Retry(ctx, func() (rejoined, error) {
		attempt++
		l, err := c.dial(ctx)
		if err != nil {
			return rejoined{}, err
		}
		j, err := c.handshake(ctx, l, token)
		if err != nil {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			l.shutdown(sctx)
			cancel()
			var je *JoinError
			if (errors.As(err, &je) && je.Permanent()) || errors.Is(err, ErrAccessDenied) {
				return rejoined{}, backoff.Permanent(err)
			}
			return rejoined{}, err
		}
		return rejoined{l: l, j: j}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("module", "live.wsclient").Int("attempt", attempt).Dur("next", next).Msg("redial failed")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("module", "live.wsclient").Msg("redial gave up")
		c.emit(connection.Failure{Err: err})
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.link != res.l {
		c.mu.Unlock()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res.l.shutdown(sctx)
		cancel()
		return
	}
	c.mu.Unlock()

	log.Info().Str("module", "live.wsclient").Int("attempts", attempt).Str("participant", string(res.j.Self.ID)).Msg("signal link restored")
	c.afterJoin(res.l, res.j)
	c.emit(connection.NetworkRestored{Self: res.j.Self, Participants: res.j.Participants})
}

// Leave announces the departure and closes the link. Calling it without
// an active call is a no-op.
func (c *Client) Leave(ctx context.Context) error {
	c.teardown(ctx, true)
	return nil
}

func (c *Client) teardown(ctx context.Context, announce bool) {
	c.mu.Lock()
	if c.sessCancel != nil {
		c.sessCancel()
	}
	c.sessCancel, c.sessCtx = nil, nil
	l := c.link
	c.link = nil
	m := c.media
	c.media = nil
	c.pending = nil
	c.joined = false
	c.mu.Unlock()

	if m != nil {
		m.close()
	}
	if l == nil {
		return
	}
	if announce {
		if err := l.sendJSON(wire.Simple{Type: wire.TypeLeave}); err != nil {
			log.Debug().Err(err).Str("module", "live.wsclient").Msg("leave frame not sent")
		}
	}
	sctx, scancel := context.WithTimeout(ctx, 2*time.Second)
	defer scancel()
	l.shutdown(sctx)
	log.Info().Str("module", "live.wsclient").Bool("announced", announce).Msg("signal link closed")
}
