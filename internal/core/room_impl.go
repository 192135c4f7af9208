package core

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room domain.Room

	mu        sync.RWMutex
	props     domain.RoomProperties
	byPID     map[domain.ParticipantID]MemberSession
	waiting   map[domain.ParticipantID]MemberSession
	recording bool
	startedAt time.Time
}

func NewRoomService(room domain.Room) RoomService {
	return &roomImpl{
		room:    room,
		props:   room.Properties,
		byPID:   make(map[domain.ParticipantID]MemberSession),
		waiting: make(map[domain.ParticipantID]MemberSession),
	}
}

func (r *roomImpl) Room() domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.room
	room.Properties = r.props
	return room
}

func (r *roomImpl) Properties() domain.RoomProperties {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.props
}

func (r *roomImpl) UpdateProperties(patch domain.RoomPropertiesPatch) domain.RoomProperties {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props = patch.Apply(r.props)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).
		Int("max_participants", r.props.MaxParticipants).
		Bool("knocking", r.props.EnableKnocking).
		Bool("screenshare", r.props.EnableScreenshare).
		Msg("properties updated")
	return r.props
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}

func (r *roomImpl) Member(pid domain.ParticipantID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byPID[pid]
	return ms, ok
}

func (r *roomImpl) AddMember(ms MemberSession) error {
	pid := ms.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byPID[pid]; ok {
		return ErrAlreadyInRoom
	}
	if limit := r.props.MaxParticipants; limit > 0 && len(r.byPID) >= limit {
		log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("participant", string(pid)).Int("max", limit).Msg("join rejected, room full")
		return ErrRoomFull
	}
	r.byPID[pid] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("participant", string(pid)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(pid domain.ParticipantID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byPID[pid]
	if !ok {
		ms, ok = r.waiting[pid]
		delete(r.waiting, pid)
		return ms, ok
	}
	delete(r.byPID, pid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("participant", string(pid)).Msg("member removed")
	return ms, true
}

func (r *roomImpl) Knock(ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waiting[ms.ID()] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.room.Name)).Str("participant", string(ms.ID())).Msg("member waiting")
}

func (r *roomImpl) TakeWaiting(pid domain.ParticipantID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.waiting[pid]
	delete(r.waiting, pid)
	return ms, ok
}

func (r *roomImpl) Waiting() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.waiting)
}

func (r *roomImpl) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for pid, m := range r.byPID {
		if pid == from {
			continue
		}
		r.deliver(m, data, &res)
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) BroadcastAdmins(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, m := range r.byPID {
		if !m.Participant().CanAdmin {
			continue
		}
		r.deliver(m, data, &res)
	}
	return res
}

func (r *roomImpl) deliver(m MemberSession, data Frame, res *PublishResult) {
	sig := m.Signal()
	if sig == nil {
		return
	}
	if err := sig.TrySend(data); err != nil {
		res.Dropped = append(res.Dropped, m)
		return
	}
	res.SendTo++
}

func (r *roomImpl) SendTo(pid domain.ParticipantID, data Frame) error {
	r.mu.RLock()
	ms, ok := r.byPID[pid]
	if !ok {
		ms, ok = r.waiting[pid]
	}
	r.mu.RUnlock()
	if !ok || ms.Signal() == nil {
		return ErrMemberNotFound
	}
	return ms.Signal().TrySend(data)
}

func (r *roomImpl) StartRecording(at time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return r.startedAt, false
	}
	r.recording = true
	r.startedAt = at
	return at, true
}

func (r *roomImpl) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return ErrNotRecording
	}
	r.recording = false
	r.startedAt = time.Time{}
	return nil
}

func (r *roomImpl) Recording() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startedAt, r.recording
}

func (r *roomImpl) MembersSnapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byPID)
}

func snapshot(m map[domain.ParticipantID]MemberSession) []domain.Participant {
	out := make([]domain.Participant, 0, len(m))
	for _, ms := range m {
		out = append(out, ms.Participant())
	}
	slices.SortFunc(out, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
