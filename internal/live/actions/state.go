// Package actions keeps the local view of interaction events (polls,
// announcements, downloads, votes, raised hands) and feeds it from both the
// live broadcast channel and the active-actions log replay.
package actions

import (
	"cmp"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

// DefaultAnnouncementTTL is how long an announcement stays on screen.
const DefaultAnnouncementTTL = 10 * time.Second

type Vote struct {
	SelectedIndex int
	SelectedLabel string
}

type OptionTally struct {
	Label   string
	Count   int
	Percent int
}

type Tally struct {
	PollID  string
	Options []OptionTally
	Total   int
}

type announcement struct {
	msg   protocol.Announcement
	seq   uint64
	timer clockwork.Timer
}

// State is safe for concurrent use; announcement expiry fires from clock
// timers.
type State struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	ttl   time.Duration

	poll          *protocol.Poll
	votes         map[domain.ParticipantID]Vote
	announcements []*announcement
	seq           uint64
	downloads     []protocol.Download
	hands         map[domain.ParticipantID]protocol.HandRaise
	closed        bool

	onChange func()
}

func NewState(clock clockwork.Clock, ttl time.Duration) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultAnnouncementTTL
	}
	return &State{
		clock: clock,
		ttl:   ttl,
		votes: make(map[domain.ParticipantID]Vote),
		hands: make(map[domain.ParticipantID]protocol.HandRaise),
	}
}

// OnChange registers a callback invoked after every mutation, outside the lock.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *State) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ApplyPoll makes p the single active poll. A poll with a new id or with
// changed options resets the tally; plain re-delivery keeps it.
func (s *State) ApplyPoll(p protocol.Poll) {
	s.mu.Lock()
	if s.poll == nil || s.poll.ID != p.ID || !slices.Equal(s.poll.Options, p.Options) {
		clear(s.votes)
	}
	cp := p
	cp.Options = slices.Clone(p.Options)
	s.poll = &cp
	s.mu.Unlock()
	log.Debug().Str("module", "live.actions").Str("poll", p.ID).Msg("active poll set")
	s.changed()
}

func (s *State) ClosePoll(id string) {
	s.mu.Lock()
	if s.poll == nil || (id != "" && s.poll.ID != id) {
		s.mu.Unlock()
		return
	}
	s.poll = nil
	clear(s.votes)
	s.mu.Unlock()
	s.changed()
}

func (s *State) ActivePoll() (protocol.Poll, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poll == nil {
		return protocol.Poll{}, false
	}
	return *s.poll, true
}

// ApplyVote records the voter's choice, overwriting any previous vote.
// Votes for an inactive poll or out-of-range options are ignored.
func (s *State) ApplyVote(v protocol.PollVote) bool {
	s.mu.Lock()
	if s.poll == nil || (v.PollID != "" && v.PollID != s.poll.ID) ||
		v.SelectedIndex < 0 || v.SelectedIndex >= len(s.poll.Options) {
		s.mu.Unlock()
		return false
	}
	label := v.SelectedLabel
	if label == "" {
		label = s.poll.Options[v.SelectedIndex]
	}
	s.votes[v.ParticipantID] = Vote{SelectedIndex: v.SelectedIndex, SelectedLabel: label}
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *State) Tally() Tally {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poll == nil {
		return Tally{}
	}
	t := Tally{PollID: s.poll.ID, Options: make([]OptionTally, len(s.poll.Options))}
	for i, label := range s.poll.Options {
		t.Options[i].Label = label
	}
	for _, v := range s.votes {
		if v.SelectedIndex < 0 || v.SelectedIndex >= len(t.Options) {
			continue
		}
		t.Options[v.SelectedIndex].Count++
		t.Total++
	}
	if t.Total > 0 {
		for i := range t.Options {
			t.Options[i].Percent = int(math.Round(float64(t.Options[i].Count) * 100 / float64(t.Total)))
		}
	}
	return t
}

// ApplyAnnouncement queues a and schedules its expiry. Announcements with an
// id already on screen are ignored.
func (s *State) ApplyAnnouncement(a protocol.Announcement) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if a.ID != "" {
		for _, cur := range s.announcements {
			if cur.msg.ID == a.ID {
				s.mu.Unlock()
				return
			}
		}
	}
	s.seq++
	entry := &announcement{msg: a, seq: s.seq}
	seq := s.seq
	entry.timer = s.clock.AfterFunc(s.ttl, func() { s.expire(seq) })
	s.announcements = append(s.announcements, entry)
	s.mu.Unlock()
	s.changed()
}

func (s *State) expire(seq uint64) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.announcements, func(a *announcement) bool { return a.seq == seq })
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.announcements = slices.Delete(s.announcements, idx, idx+1)
	s.mu.Unlock()
	s.changed()
}

func (s *State) Announcements() []protocol.Announcement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Announcement, 0, len(s.announcements))
	for _, a := range s.announcements {
		out = append(out, a.msg)
	}
	return out
}

// ApplyDownload appends d unless a download with the same URL is listed.
func (s *State) ApplyDownload(d protocol.Download) bool {
	s.mu.Lock()
	if slices.ContainsFunc(s.downloads, func(cur protocol.Download) bool { return cur.URL == d.URL }) {
		s.mu.Unlock()
		return false
	}
	s.downloads = append(s.downloads, d)
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *State) DismissDownload(url string) {
	s.mu.Lock()
	before := len(s.downloads)
	s.downloads = slices.DeleteFunc(s.downloads, func(d protocol.Download) bool { return d.URL == url })
	removed := len(s.downloads) != before
	s.mu.Unlock()
	if removed {
		s.changed()
	}
}

func (s *State) Downloads() []protocol.Download {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.downloads)
}

// RaiseHand keeps at most one entry per participant.
func (s *State) RaiseHand(h protocol.HandRaise) {
	s.mu.Lock()
	if _, ok := s.hands[h.ParticipantID]; ok {
		s.mu.Unlock()
		return
	}
	s.hands[h.ParticipantID] = h
	s.mu.Unlock()
	s.changed()
}

func (s *State) LowerHand(pid domain.ParticipantID) {
	s.mu.Lock()
	_, ok := s.hands[pid]
	delete(s.hands, pid)
	s.mu.Unlock()
	if ok {
		s.changed()
	}
}

// RemoveParticipant drops state tied to a departed participant.
func (s *State) RemoveParticipant(pid domain.ParticipantID) { s.LowerHand(pid) }

// HandRaises returns the raised hands, oldest first.
func (s *State) HandRaises() []protocol.HandRaise {
	s.mu.RLock()
	out := make([]protocol.HandRaise, 0, len(s.hands))
	for _, h := range s.hands {
		out = append(out, h)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b protocol.HandRaise) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ParticipantID, b.ParticipantID)
	})
	return out
}

func (s *State) HandRaised(pid domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hands[pid]
	return ok
}

// Close cancels pending announcement timers.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, a := range s.announcements {
		a.timer.Stop()
	}
	s.announcements = nil
}
