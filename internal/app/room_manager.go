package app

import (
	"sync"

	"github.com/dkeye/livestage/internal/core"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	defaults domain.RoomProperties
	metrics  *Metrics

	mu    sync.RWMutex
	rooms map[domain.RoomName]core.RoomService
}

// NewRoomManager creates rooms lazily with defaults as initial properties.
func NewRoomManager(defaults domain.RoomProperties, metrics *Metrics) core.RoomManager {
	if defaults.MaxParticipants <= 0 {
		defaults.MaxParticipants = domain.DefaultMaxParticipants
	}
	return &RoomManagerImpl{
		defaults: defaults,
		metrics:  metrics,
		rooms:    make(map[domain.RoomName]core.RoomService),
	}
}

func (f *RoomManagerImpl) GetOrCreate(name domain.RoomName, sid domain.SessionID) core.RoomService {
	f.mu.RLock()
	room, ok := f.rooms[name]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[name]; ok {
		return room
	}
	room = core.NewRoomService(domain.Room{
		ID:         domain.RoomID(uuid.NewString()),
		Name:       name,
		SessionID:  sid,
		Properties: f.defaults,
	})
	f.rooms[name] = room
	f.metrics.SetRooms(len(f.rooms))
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Str("session", string(sid)).Msg("room created")
	return room
}

func (f *RoomManagerImpl) Get(name domain.RoomName) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rooms[name]
	return r, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for name, r := range f.rooms {
		out = append(out, core.RoomInfo{
			Name:        name,
			SessionID:   r.Room().SessionID,
			MemberCount: r.MemberCount(),
			Waiting:     len(r.Waiting()),
			Properties:  r.Properties(),
		})
	}
	return out
}

func (f *RoomManagerImpl) StopRoom(name domain.RoomName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, name)
	f.metrics.SetRooms(len(f.rooms))
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room stopped")
}
