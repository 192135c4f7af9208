package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

const MaxChatLen = 500

var (
	ErrChatDisabled = errors.New("chat is disabled")
	ErrEmptyChat    = errors.New("empty message")
)

// Chat is one participant's view of the live chat. History lives only for
// the session and is never persisted.
type Chat struct {
	self  func() domain.Participant
	pub   Broadcaster
	clock clockwork.Clock

	mu      sync.Mutex
	enabled bool
	history []protocol.Chat
}

func NewChat(self func() domain.Participant, pub Broadcaster, clock clockwork.Clock) *Chat {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Chat{self: self, pub: pub, clock: clock, enabled: true}
}

func (c *Chat) OnToggle(m protocol.ChatToggle) {
	c.mu.Lock()
	c.enabled = m.Enabled
	c.mu.Unlock()
}

func (c *Chat) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Send refuses while chat is disabled, except for admins.
func (c *Chat) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	if r := []rune(text); len(r) > MaxChatLen {
		text = string(r[:MaxChatLen])
	}
	me := c.self()
	if !c.Enabled() && !me.CanAdmin {
		return ErrChatDisabled
	}
	msg := protocol.Chat{ParticipantID: me.ID, UserName: me.UserName, Text: text, SentAt: c.clock.Now()}
	if err := c.pub.Publish(ctx, msg); err != nil {
		return err
	}
	c.OnMessage(msg)
	return nil
}

// OnMessage appends a received message.
func (c *Chat) OnMessage(m protocol.Chat) {
	c.mu.Lock()
	c.history = append(c.history, m)
	c.mu.Unlock()
}

func (c *Chat) History() []protocol.Chat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Chat(nil), c.history...)
}
