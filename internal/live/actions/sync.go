package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

var ErrEmptyPoll = errors.New("poll needs a question and at least two options")

// Log is the backend's active-actions log.
type Log interface {
	FetchActiveActions(ctx context.Context, sessionID domain.SessionID) ([]domain.ActiveAction, error)
	AppendActiveAction(ctx context.Context, sessionID domain.SessionID, typ domain.ActionType, payload []byte) (domain.ActiveAction, error)
	RemoveActiveAction(ctx context.Context, sessionID domain.SessionID, actionID string) error
}

// Sender is the transport's best-effort broadcast primitive.
type Sender interface {
	SendBroadcast(ctx context.Context, payload []byte, target string) error
}

// Replay fetches the active-actions log once and feeds every entry through v,
// the same visitor that handles live delivery. A failed fetch means no
// catch-up; it is logged and otherwise ignored.
func Replay(ctx context.Context, l Log, sessionID domain.SessionID, v protocol.Visitor) int {
	return replay(ctx, l, sessionID, v, nil)
}

func replay(ctx context.Context, l Log, sessionID domain.SessionID, v protocol.Visitor, seen func(id string, m protocol.Message)) int {
	entries, err := l.FetchActiveActions(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("module", "live.actions").Str("session", string(sessionID)).Msg("active actions fetch failed, skipping catch-up")
		return 0
	}
	n := 0
	for _, e := range entries {
		m, err := protocol.DecodeAction(e)
		if err != nil {
			log.Warn().Err(err).Str("module", "live.actions").Str("action", e.ID).Msg("skipping undecodable action")
			continue
		}
		if seen != nil {
			seen(e.ID, m)
		}
		m.Accept(v)
		n++
	}
	log.Info().Str("module", "live.actions").Str("session", string(sessionID)).Int("replayed", n).Msg("catch-up replay done")
	return n
}

// Publisher sends messages on the broadcast channel and records actions in
// the active-actions log so late joiners can catch up.
type Publisher struct {
	sender    Sender
	log       Log
	sessionID domain.SessionID

	mu     sync.Mutex
	logged map[string]string // action key -> log entry id
}

func NewPublisher(sender Sender, l Log, sessionID domain.SessionID) *Publisher {
	return &Publisher{sender: sender, log: l, sessionID: sessionID, logged: make(map[string]string)}
}

func actionKey(m protocol.Message) string {
	switch a := m.(type) {
	case protocol.Poll:
		return "poll:" + a.ID
	case protocol.Announcement:
		return "announcement:" + a.ID
	case protocol.Download:
		return "download:" + a.URL
	}
	return ""
}

// Publish broadcasts m to everyone. Actions are also appended to the log;
// a log failure only costs catch-up for late joiners.
func (p *Publisher) Publish(ctx context.Context, m protocol.Message) error {
	if poll, ok := m.(protocol.Poll); ok && (poll.Question == "" || len(poll.Options) < 2) {
		return ErrEmptyPoll
	}
	if err := p.SendTo(ctx, m, protocol.AllParticipants); err != nil {
		return err
	}
	if typ, ok := protocol.ActionType(m); ok && p.log != nil {
		payload, err := protocol.ActionPayload(m)
		if err != nil {
			return fmt.Errorf("encode action payload: %w", err)
		}
		entry, err := p.log.AppendActiveAction(ctx, p.sessionID, typ, payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "live.actions").Str("type", string(typ)).Msg("active action not persisted")
			return nil
		}
		p.mu.Lock()
		p.logged[actionKey(m)] = entry.ID
		p.mu.Unlock()
	}
	return nil
}

// Replay runs the catch-up replay through v and remembers the log id of
// every replayed action, so a later Retract also removes entries published
// by an earlier process.
func (p *Publisher) Replay(ctx context.Context, v protocol.Visitor) int {
	if p.log == nil {
		return 0
	}
	return replay(ctx, p.log, p.sessionID, v, func(id string, m protocol.Message) {
		key := actionKey(m)
		if key == "" || id == "" {
			return
		}
		p.mu.Lock()
		p.logged[key] = id
		p.mu.Unlock()
	})
}

// SendTo broadcasts m to a single participant or to AllParticipants.
func (p *Publisher) SendTo(ctx context.Context, m protocol.Message, target string) error {
	b, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	if err := p.sender.SendBroadcast(ctx, b, target); err != nil {
		return fmt.Errorf("broadcast %s: %w", m.Kind(), err)
	}
	log.Debug().Str("module", "live.actions").Str("kind", string(m.Kind())).Str("target", target).Msg("broadcast sent")
	return nil
}

// Retract removes a previously published action from the log, e.g. when a
// poll is closed or a download withdrawn. Unknown actions are ignored.
func (p *Publisher) Retract(ctx context.Context, m protocol.Message) {
	key := actionKey(m)
	p.mu.Lock()
	id, ok := p.logged[key]
	delete(p.logged, key)
	p.mu.Unlock()
	if !ok || p.log == nil {
		return
	}
	if err := p.log.RemoveActiveAction(ctx, p.sessionID, id); err != nil {
		log.Warn().Err(err).Str("module", "live.actions").Str("action", id).Msg("active action not retracted")
	}
}
