package role

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

var (
	ErrForbidden          = errors.New("not allowed for this role")
	ErrOwnerImmutable     = errors.New("the owner's role cannot change")
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Permissions is the transport's admin surface used for role changes.
type Permissions interface {
	UpdatePermissions(ctx context.Context, pid domain.ParticipantID, caps domain.Capabilities) error
	Mute(ctx context.Context, pid domain.ParticipantID) error
}

// Directory resolves participants currently in the room.
type Directory interface {
	Participant(pid domain.ParticipantID) (domain.Participant, bool)
}

// Operator is the owner/co-host side of the role state machine.
type Operator struct {
	self  func() domain.Participant
	dir   Directory
	perms Permissions
	pub   Broadcaster

	mu      sync.Mutex
	offered map[domain.ParticipantID]bool
}

func NewOperator(self func() domain.Participant, dir Directory, perms Permissions, pub Broadcaster) *Operator {
	return &Operator{self: self, dir: dir, perms: perms, pub: pub, offered: make(map[domain.ParticipantID]bool)}
}

func (o *Operator) require(owner bool) error {
	me := o.self()
	if !me.CanAdmin || (owner && !me.Owner) {
		return ErrForbidden
	}
	return nil
}

func (o *Operator) target(pid domain.ParticipantID) (domain.Participant, error) {
	p, ok := o.dir.Participant(pid)
	if !ok {
		return domain.Participant{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, pid)
	}
	if p.Owner {
		return domain.Participant{}, ErrOwnerImmutable
	}
	return p, nil
}

func (o *Operator) grant(ctx context.Context, p domain.Participant, caps domain.Capabilities) error {
	if err := o.perms.UpdatePermissions(ctx, p.ID, caps); err != nil {
		return fmt.Errorf("update permissions %s: %w", p.ID, err)
	}
	log.Info().Str("module", "live.role").Str("participant", string(p.ID)).
		Str("role", string(domain.DeriveRole(caps))).Msg("permissions updated")
	return nil
}

// Promote offers send permission to a viewer. Permission is granted only
// once the viewer accepts.
func (o *Operator) Promote(ctx context.Context, pid domain.ParticipantID) error {
	if err := o.require(false); err != nil {
		return err
	}
	p, err := o.target(pid)
	if err != nil {
		return err
	}
	if p.CanSend {
		return nil
	}
	o.mu.Lock()
	o.offered[pid] = true
	o.mu.Unlock()
	return o.pub.Publish(ctx, protocol.Promote{ParticipantID: pid})
}

func (o *Operator) Offered(pid domain.ParticipantID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offered[pid]
}

// OnPromoteAccepted grants send permission to a viewer who accepted an
// outstanding offer from this operator.
func (o *Operator) OnPromoteAccepted(ctx context.Context, msg protocol.PromoteAccepted) error {
	o.mu.Lock()
	ok := o.offered[msg.ParticipantID]
	delete(o.offered, msg.ParticipantID)
	o.mu.Unlock()
	if !ok || o.require(false) != nil {
		return nil
	}
	p, err := o.target(msg.ParticipantID)
	if err != nil {
		return err
	}
	caps := p.Capabilities()
	caps.CanSend = true
	return o.grant(ctx, p, caps)
}

// OnRePromoteRequest restores send permission for a reconnecting speaker.
func (o *Operator) OnRePromoteRequest(ctx context.Context, msg protocol.RePromoteRequest) error {
	if o.require(false) != nil {
		return nil
	}
	p, err := o.target(msg.ParticipantID)
	if err != nil {
		return err
	}
	if p.CanSend {
		return nil
	}
	caps := p.Capabilities()
	caps.CanSend = true
	return o.grant(ctx, p, caps)
}

// Demote revokes send and admin permission and tells the participant.
func (o *Operator) Demote(ctx context.Context, pid domain.ParticipantID) error {
	if err := o.require(false); err != nil {
		return err
	}
	p, err := o.target(pid)
	if err != nil {
		return err
	}
	if p.CanAdmin && !o.self().Owner {
		return ErrForbidden
	}
	o.mu.Lock()
	delete(o.offered, pid)
	o.mu.Unlock()
	if err := o.grant(ctx, p, domain.Capabilities{}); err != nil {
		return err
	}
	return o.pub.Publish(ctx, protocol.Demote{ParticipantID: pid})
}

func (o *Operator) AssignCoHost(ctx context.Context, pid domain.ParticipantID) error {
	if err := o.require(true); err != nil {
		return err
	}
	p, err := o.target(pid)
	if err != nil {
		return err
	}
	if err := o.grant(ctx, p, domain.Capabilities{CanSend: true, CanAdmin: true}); err != nil {
		return err
	}
	return o.pub.Publish(ctx, protocol.CoHostAssigned{ParticipantID: pid})
}

// RemoveCoHost drops admin capability and leaves the participant a speaker.
func (o *Operator) RemoveCoHost(ctx context.Context, pid domain.ParticipantID) error {
	if err := o.require(true); err != nil {
		return err
	}
	p, err := o.target(pid)
	if err != nil {
		return err
	}
	if err := o.grant(ctx, p, domain.Capabilities{CanSend: true}); err != nil {
		return err
	}
	return o.pub.Publish(ctx, protocol.CoHostRemoved{ParticipantID: pid})
}

// Mute forces a participant's microphone off.
func (o *Operator) Mute(ctx context.Context, pid domain.ParticipantID) error {
	if err := o.require(false); err != nil {
		return err
	}
	p, err := o.target(pid)
	if err != nil {
		return err
	}
	if err := o.perms.Mute(ctx, p.ID); err != nil {
		return fmt.Errorf("mute %s: %w", p.ID, err)
	}
	return nil
}
