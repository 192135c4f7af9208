// Package moderation holds the owner's room controls and the advisory chat
// switch every client enforces on itself.
package moderation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

var (
	ErrOwnerOnly  = errors.New("only the session owner can change room controls")
	ErrNotWaiting = errors.New("participant is not waiting")
)

// RoomUpdater is the backend's room-property endpoint.
type RoomUpdater interface {
	UpdateRoomProperty(ctx context.Context, room domain.RoomName, patch domain.RoomPropertiesPatch) error
}

// Admitter answers waiting-room access requests on the transport.
type Admitter interface {
	Admit(ctx context.Context, pid domain.ParticipantID, granted bool) error
}

type Broadcaster interface {
	Publish(ctx context.Context, m protocol.Message) error
}

// Headcount reports how many participants are in the room right now.
type Headcount interface {
	Count() int
}

// Controls are the owner's room toggles. Each toggle is idempotent.
type Controls struct {
	room    domain.RoomName
	self    func() domain.Participant
	backend RoomUpdater
	admit   Admitter
	pub     Broadcaster
	heads   Headcount

	mu      sync.Mutex
	props   domain.RoomProperties
	locked  bool
	chat    bool
	waiting map[domain.ParticipantID]domain.Participant
}

func NewControls(room domain.Room, self func() domain.Participant, backend RoomUpdater, admit Admitter, pub Broadcaster, heads Headcount) *Controls {
	return &Controls{
		room:    room.Name,
		self:    self,
		backend: backend,
		admit:   admit,
		pub:     pub,
		heads:   heads,
		props:   room.Properties,
		chat:    true,
		waiting: make(map[domain.ParticipantID]domain.Participant),
	}
}

func (c *Controls) ownerOnly() error {
	if !c.self().Owner {
		return ErrOwnerOnly
	}
	return nil
}

func (c *Controls) patch(ctx context.Context, p domain.RoomPropertiesPatch) error {
	if err := c.backend.UpdateRoomProperty(ctx, c.room, p); err != nil {
		return fmt.Errorf("update room %s: %w", c.room, err)
	}
	c.mu.Lock()
	c.props = p.Apply(c.props)
	c.mu.Unlock()
	return nil
}

// SyncProperties adopts the properties the server reported on join.
func (c *Controls) SyncProperties(p domain.RoomProperties) {
	c.mu.Lock()
	c.props = p
	c.locked = p.MaxParticipants > 0 && p.MaxParticipants < domain.DefaultMaxParticipants
	c.mu.Unlock()
}

func (c *Controls) Properties() domain.RoomProperties {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.props
}

// SetLocked caps capacity at the current headcount, or lifts the cap.
func (c *Controls) SetLocked(ctx context.Context, locked bool) error {
	if err := c.ownerOnly(); err != nil {
		return err
	}
	limit := domain.DefaultMaxParticipants
	if locked {
		limit = c.heads.Count()
	}
	if err := c.patch(ctx, domain.RoomPropertiesPatch{MaxParticipants: &limit}); err != nil {
		return err
	}
	c.mu.Lock()
	c.locked = locked
	c.mu.Unlock()
	log.Info().Str("module", "live.moderation").Str("room", string(c.room)).Bool("locked", locked).Int("max_participants", limit).Msg("room lock")
	return nil
}

func (c *Controls) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

func (c *Controls) SetScreenshare(ctx context.Context, enabled bool) error {
	if err := c.ownerOnly(); err != nil {
		return err
	}
	return c.patch(ctx, domain.RoomPropertiesPatch{EnableScreenshare: &enabled})
}

// SetWaitingRoom toggles knocking. Disabling it leaves already-waiting
// entries to be answered.
func (c *Controls) SetWaitingRoom(ctx context.Context, enabled bool) error {
	if err := c.ownerOnly(); err != nil {
		return err
	}
	return c.patch(ctx, domain.RoomPropertiesPatch{EnableKnocking: &enabled})
}

// SetChat broadcasts the chat switch. It is advisory: clients enforce it.
func (c *Controls) SetChat(ctx context.Context, enabled bool) error {
	if err := c.ownerOnly(); err != nil {
		return err
	}
	if err := c.pub.Publish(ctx, protocol.ChatToggle{Enabled: enabled}); err != nil {
		return err
	}
	c.mu.Lock()
	c.chat = enabled
	c.mu.Unlock()
	return nil
}

func (c *Controls) ChatEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chat
}

func (c *Controls) OnAccessRequest(p domain.Participant) {
	c.mu.Lock()
	c.waiting[p.ID] = p
	c.mu.Unlock()
	log.Info().Str("module", "live.moderation").Str("participant", string(p.ID)).Str("name", p.UserName).Msg("access requested")
}

// OnParticipantLeft drops a waiting entry whose owner gave up.
func (c *Controls) OnParticipantLeft(pid domain.ParticipantID) {
	c.resolveWaiting(pid)
}

// OnParticipantAdmitted drops the waiting entry of someone who entered the
// room, typically admitted from another operator's console.
func (c *Controls) OnParticipantAdmitted(pid domain.ParticipantID) {
	if c.resolveWaiting(pid) {
		log.Info().Str("module", "live.moderation").Str("participant", string(pid)).Msg("waiting entry admitted elsewhere")
	}
}

func (c *Controls) resolveWaiting(pid domain.ParticipantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiting[pid]
	delete(c.waiting, pid)
	return ok
}

func (c *Controls) Waiting() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := slices.Collect(maps.Values(c.waiting))
	slices.SortFunc(out, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (c *Controls) Admit(ctx context.Context, pid domain.ParticipantID) error {
	return c.answer(ctx, pid, true)
}

func (c *Controls) Deny(ctx context.Context, pid domain.ParticipantID) error {
	return c.answer(ctx, pid, false)
}

func (c *Controls) answer(ctx context.Context, pid domain.ParticipantID, granted bool) error {
	if err := c.ownerOnly(); err != nil {
		return err
	}
	c.mu.Lock()
	_, ok := c.waiting[pid]
	c.mu.Unlock()
	if !ok {
		return ErrNotWaiting
	}
	if err := c.admit.Admit(ctx, pid, granted); err != nil {
		return fmt.Errorf("answer access request: %w", err)
	}
	c.mu.Lock()
	delete(c.waiting, pid)
	c.mu.Unlock()
	return nil
}
