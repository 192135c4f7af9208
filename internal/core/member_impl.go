package core

import (
	"sync"

	"github.com/dkeye/livestage/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	id domain.ParticipantID

	mu     sync.RWMutex
	meta   *domain.Member
	signal SignalConnection
	media  MediaConnection
}

func NewMemberSession(id domain.ParticipantID, meta *domain.Member, signal SignalConnection) MemberSession {
	return &memberSession{id: id, meta: meta, signal: signal}
}

func (m *memberSession) ID() domain.ParticipantID { return m.id }

func (m *memberSession) Participant() domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot()
}

func (m *memberSession) Update(fn func(*domain.Member)) domain.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.meta)
	return m.snapshot()
}

func (m *memberSession) snapshot() domain.Participant {
	p := domain.Participant{
		ID:           m.id,
		CanSend:      m.meta.Capabilities.CanSend,
		CanAdmin:     m.meta.Capabilities.CanAdmin,
		Owner:        m.meta.Capabilities.Owner,
		AudioEnabled: m.meta.AudioEnabled,
		VideoEnabled: m.meta.VideoEnabled,
	}
	if u := m.meta.User; u != nil {
		p.UserName = u.Username
		p.AccountID = u.AccountID
	}
	return p
}

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) Media() MediaConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.media
}

func (m *memberSession) UpdateSignal(s SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = s
	m.mu.Unlock()
	return m
}

func (m *memberSession) UpdateMedia(mc MediaConnection) MemberSession {
	m.mu.Lock()
	m.media = mc
	m.mu.Unlock()
	return m
}
