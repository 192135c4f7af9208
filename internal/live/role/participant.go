// Package role mirrors the participant's role from transport capabilities
// and runs the promote/demote handshakes on both sides.
package role

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

var ErrNoPrompt = errors.New("no pending promotion")

// Media toggles the local tracks.
type Media interface {
	SetAudio(enabled bool) error
	SetVideo(enabled bool) error
}

// Broadcaster sends protocol messages on the broadcast channel.
type Broadcaster interface {
	Publish(ctx context.Context, m protocol.Message) error
	SendTo(ctx context.Context, m protocol.Message, target string) error
}

// Machine is the participant side of the role state machine.
type Machine struct {
	sessionID domain.SessionID
	media     Media
	flags     FlagStore
	pub       Broadcaster

	mu     sync.Mutex
	self   domain.Participant
	prompt bool
	toast  string
}

func NewMachine(sid domain.SessionID, media Media, flags FlagStore, pub Broadcaster) *Machine {
	if flags == nil {
		flags = NewMemoryFlags()
	}
	return &Machine{sessionID: sid, media: media, flags: flags, pub: pub}
}

// SetSelf mirrors the transport's view of this participant.
func (m *Machine) SetSelf(p domain.Participant) {
	m.mu.Lock()
	prev := m.self
	m.self = p
	m.mu.Unlock()
	if prev.Role() != p.Role() {
		log.Info().Str("module", "live.role").Str("participant", string(p.ID)).
			Str("from", string(prev.Role())).Str("to", string(p.Role())).Msg("role changed")
	}
}

func (m *Machine) Self() domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Role is always derived from capabilities, never stored on its own.
func (m *Machine) Role() domain.Role { return m.Self().Role() }

// PromptPending reports whether the consent prompt is showing.
func (m *Machine) PromptPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompt
}

// Toast returns and clears the last notice for the user.
func (m *Machine) Toast() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.toast
	m.toast = ""
	return t
}

func (m *Machine) OnPromote(msg protocol.Promote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ParticipantID != m.self.ID || m.self.CanSend {
		return
	}
	m.prompt = true
}

// Accept turns the local media on, records the promotion for reconnects and
// tells the operator to grant send permission.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if !m.prompt {
		m.mu.Unlock()
		return ErrNoPrompt
	}
	m.prompt = false
	self := m.self
	m.mu.Unlock()

	if err := m.flags.SetPromoted(m.sessionID, true); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("promotion flag not stored")
	}
	m.enableMedia()
	log.Info().Str("module", "live.role").Str("participant", string(self.ID)).Msg("promotion accepted")
	return m.pub.Publish(ctx, protocol.PromoteAccepted{ParticipantID: self.ID})
}

// Decline dismisses the prompt. Nothing is sent.
func (m *Machine) Decline() {
	m.mu.Lock()
	m.prompt = false
	m.mu.Unlock()
}

func (m *Machine) OnDemote(msg protocol.Demote) {
	m.mu.Lock()
	if msg.ParticipantID != m.self.ID || m.self.Owner {
		m.mu.Unlock()
		return
	}
	m.prompt = false
	m.toast = "You are now a viewer"
	m.mu.Unlock()

	if err := m.media.SetAudio(false); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("disable audio on demote")
	}
	if err := m.media.SetVideo(false); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("disable video on demote")
	}
	if err := m.flags.SetPromoted(m.sessionID, false); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("promotion flag not cleared")
	}
}

// OnReconnected asks the operator to restore send permission when this
// client had accepted a promotion before the interruption.
func (m *Machine) OnReconnected(ctx context.Context) {
	if !m.flags.WasPromoted(m.sessionID) {
		return
	}
	self := m.Self()
	m.enableMedia()
	if self.CanSend {
		return
	}
	err := m.pub.Publish(ctx, protocol.RePromoteRequest{ParticipantID: self.ID, UserName: self.UserName})
	if err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("re-promote request not sent")
		return
	}
	log.Info().Str("module", "live.role").Str("participant", string(self.ID)).Msg("re-promote requested")
}

func (m *Machine) enableMedia() {
	if err := m.media.SetAudio(true); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("enable audio")
	}
	if err := m.media.SetVideo(true); err != nil {
		log.Warn().Err(err).Str("module", "live.role").Msg("enable video")
	}
}
