package room

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/livestage/internal/domain"
)

// roster is the local view of who is in the room, fed by transport events.
type roster struct {
	mu      sync.RWMutex
	members map[domain.ParticipantID]domain.Participant
}

func newRoster() *roster {
	return &roster{members: make(map[domain.ParticipantID]domain.Participant)}
}

func (r *roster) reset(ps []domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	for _, p := range ps {
		r.members[p.ID] = p
	}
}

func (r *roster) upsert(p domain.Participant) {
	r.mu.Lock()
	r.members[p.ID] = p
	r.mu.Unlock()
}

func (r *roster) remove(pid domain.ParticipantID) {
	r.mu.Lock()
	delete(r.members, pid)
	r.mu.Unlock()
}

func (r *roster) Participant(pid domain.ParticipantID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.members[pid]
	return p, ok
}

func (r *roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roster) list() []domain.Participant {
	r.mu.RLock()
	out := slices.Collect(maps.Values(r.members))
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
