package app

import (
	"context"
	"sync"

	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/rs/zerolog/log"
)

// binding ties a connected participant to the room it asked for. It stays
// waiting until the room admits the participant.
type binding struct {
	room     domain.RoomName
	member   core.MemberSession
	cancel   context.CancelFunc
	admitted bool
}

// Occupancy counts bound participants by whether the room let them in.
type Occupancy struct {
	Joined  int
	Waiting int
}

// Registry tracks every connected participant, the room it is bound to and
// whether it is past the waiting room.
type Registry struct {
	mu       sync.RWMutex
	bindings map[domain.ParticipantID]*binding
}

func NewRegistry() *Registry {
	return &Registry{bindings: make(map[domain.ParticipantID]*binding)}
}

// Bind records pid as waiting for roomName. A later Bind for the same
// participant replaces the earlier one without cancelling it.
func (r *Registry) Bind(pid domain.ParticipantID, roomName domain.RoomName, ms core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[pid] = &binding{room: roomName, member: ms, cancel: cancel}
	log.Debug().Str("module", "app.registry").Str("participant", string(pid)).Str("room", string(roomName)).Msg("bound")
}

// Admitted marks pid as joined. It reports false when pid is not bound.
func (r *Registry) Admitted(pid domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[pid]
	if !ok {
		return false
	}
	b.admitted = true
	return true
}

func (r *Registry) Member(pid domain.ParticipantID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.bindings[pid]; ok {
		return b.member, true
	}
	return nil, false
}

func (r *Registry) RoomOf(pid domain.ParticipantID) (domain.RoomName, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[pid]
	if !ok || b.room == "" {
		return "", nil, false
	}
	return b.room, b.member, true
}

// InRoom lists everyone bound to name, waiting or joined.
func (r *Registry) InRoom(name domain.RoomName) []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ParticipantID
	for pid, b := range r.bindings {
		if b.room == name {
			out = append(out, pid)
		}
	}
	return out
}

func (r *Registry) Occupancy() Occupancy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var o Occupancy
	for _, b := range r.bindings {
		if b.admitted {
			o.Joined++
		} else {
			o.Waiting++
		}
	}
	return o
}

// Release forgets pid and leaves its connection running.
func (r *Registry) Release(pid domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[pid]; !ok {
		return
	}
	delete(r.bindings, pid)
	log.Debug().Str("module", "app.registry").Str("participant", string(pid)).Msg("released")
}

// Disconnect cancels pid's connection context; the adapter unwinds and the
// binding stays until the membership cleanup releases it.
func (r *Registry) Disconnect(pid domain.ParticipantID) bool {
	r.mu.RLock()
	b, ok := r.bindings[pid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if b.cancel != nil {
		b.cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Msg("disconnected")
	return true
}

// Evict forgets pid and cancels its connection. It is used for participants
// that never made it into the room.
func (r *Registry) Evict(pid domain.ParticipantID) bool {
	r.mu.Lock()
	b, ok := r.bindings[pid]
	delete(r.bindings, pid)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if b.cancel != nil {
		b.cancel()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(pid)).Str("room", string(b.room)).Bool("admitted", b.admitted).Msg("evicted")
	return true
}
