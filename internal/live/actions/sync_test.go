package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

type fakeLog struct {
	mu       sync.Mutex
	entries  []domain.ActiveAction
	fetchErr error
	appended []domain.ActionType
	removed  []string
	fetches  int
}

func (l *fakeLog) FetchActiveActions(context.Context, domain.SessionID) ([]domain.ActiveAction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	return l.entries, l.fetchErr
}

func (l *fakeLog) AppendActiveAction(_ context.Context, sid domain.SessionID, typ domain.ActionType, payload []byte) (domain.ActiveAction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appended = append(l.appended, typ)
	a := domain.ActiveAction{ID: "act-" + string(typ), SessionID: sid, Type: typ, Payload: payload}
	l.entries = append(l.entries, a)
	return a, nil
}

func (l *fakeLog) RemoveActiveAction(_ context.Context, _ domain.SessionID, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = append(l.removed, id)
	return nil
}

type fakeSender struct {
	sent    [][]byte
	targets []string
	err     error
}

func (s *fakeSender) SendBroadcast(_ context.Context, payload []byte, target string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, payload)
	s.targets = append(s.targets, target)
	return nil
}

// stateVisitor applies action kinds to a State and ignores the rest.
type stateVisitor struct{ s *State }

func (v stateVisitor) VisitPoll(m protocol.Poll)                       { v.s.ApplyPoll(m) }
func (v stateVisitor) VisitAnnouncement(m protocol.Announcement)       { v.s.ApplyAnnouncement(m) }
func (v stateVisitor) VisitDownload(m protocol.Download)               { v.s.ApplyDownload(m) }
func (v stateVisitor) VisitPollClosed(m protocol.PollClosed)           { v.s.ClosePoll(m.PollID) }
func (v stateVisitor) VisitPollVote(m protocol.PollVote)               { v.s.ApplyVote(m) }
func (v stateVisitor) VisitHandRaise(m protocol.HandRaise)             { v.s.RaiseHand(m) }
func (v stateVisitor) VisitHandLower(m protocol.HandLower)             { v.s.LowerHand(m.ParticipantID) }
func (stateVisitor) VisitPromote(protocol.Promote)                     {}
func (stateVisitor) VisitPromoteAccepted(protocol.PromoteAccepted)     {}
func (stateVisitor) VisitDemote(protocol.Demote)                       {}
func (stateVisitor) VisitRePromoteRequest(protocol.RePromoteRequest)   {}
func (stateVisitor) VisitCoHostAssigned(protocol.CoHostAssigned)       {}
func (stateVisitor) VisitCoHostRemoved(protocol.CoHostRemoved)         {}
func (stateVisitor) VisitSessionEndingSoon(protocol.SessionEndingSoon) {}
func (stateVisitor) VisitSessionStatus(protocol.SessionStatus)         {}
func (stateVisitor) VisitRecordingStarted(protocol.RecordingStarted)   {}
func (stateVisitor) VisitRecordingStopped(protocol.RecordingStopped)   {}
func (stateVisitor) VisitChat(protocol.Chat)                           {}
func (stateVisitor) VisitChatToggle(protocol.ChatToggle)               {}

func logEntry(t *testing.T, m protocol.Message) domain.ActiveAction {
	t.Helper()
	typ, ok := protocol.ActionType(m)
	require.True(t, ok)
	payload, err := protocol.ActionPayload(m)
	require.NoError(t, err)
	return domain.ActiveAction{ID: string(typ), Type: typ, Payload: payload}
}

func TestReplay_SamePollTwiceLeavesOneLaterPoll(t *testing.T) {
	l := &fakeLog{entries: []domain.ActiveAction{
		logEntry(t, protocol.Poll{ID: "p1", Question: "Old?", Options: []string{"A", "B"}}),
		logEntry(t, protocol.Poll{ID: "p1", Question: "New?", Options: []string{"C", "D", "E"}}),
	}}
	s := NewState(clockwork.NewFakeClock(), 0)

	n := Replay(t.Context(), l, "s1", stateVisitor{s})
	assert.Equal(t, 2, n)

	poll, ok := s.ActivePoll()
	require.True(t, ok)
	assert.Equal(t, "New?", poll.Question)
	assert.Equal(t, []string{"C", "D", "E"}, poll.Options)
}

func TestReplay_ReachesLiveState(t *testing.T) {
	msgs := []protocol.Message{
		protocol.Poll{ID: "p1", Question: "Q", Options: []string{"A", "B"}},
		protocol.Download{Label: "Slides", URL: "https://x/s.pdf"},
		protocol.Download{Label: "Slides", URL: "https://x/s.pdf"},
	}
	live := NewState(clockwork.NewFakeClock(), 0)
	l := &fakeLog{}
	for _, m := range msgs {
		m.Accept(stateVisitor{live})
		l.entries = append(l.entries, logEntry(t, m))
	}

	late := NewState(clockwork.NewFakeClock(), 0)
	Replay(t.Context(), l, "s1", stateVisitor{late})

	livePoll, _ := live.ActivePoll()
	latePoll, _ := late.ActivePoll()
	assert.Equal(t, livePoll, latePoll)
	assert.Equal(t, live.Downloads(), late.Downloads())
}

func TestReplay_FetchFailureDegrades(t *testing.T) {
	l := &fakeLog{fetchErr: errors.New("backend down")}
	s := NewState(clockwork.NewFakeClock(), 0)

	assert.Equal(t, 0, Replay(t.Context(), l, "s1", stateVisitor{s}))
	_, ok := s.ActivePoll()
	assert.False(t, ok)
}

func TestReplay_SkipsUndecodableEntries(t *testing.T) {
	l := &fakeLog{entries: []domain.ActiveAction{
		{ID: "bad", Type: "confetti", Payload: []byte(`{}`)},
		logEntry(t, protocol.Download{Label: "L", URL: "U"}),
	}}
	s := NewState(clockwork.NewFakeClock(), 0)

	assert.Equal(t, 1, Replay(t.Context(), l, "s1", stateVisitor{s}))
	assert.Len(t, s.Downloads(), 1)
}

func TestPublisher_PersistsOnlyActions(t *testing.T) {
	sender := &fakeSender{}
	l := &fakeLog{}
	p := NewPublisher(sender, l, "s1")
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, protocol.Poll{ID: "p", Question: "Q", Options: []string{"A", "B"}}))
	require.NoError(t, p.Publish(ctx, protocol.Chat{Text: "hi"}))
	require.NoError(t, p.SendTo(ctx, protocol.Promote{ParticipantID: "u1"}, "u1"))

	assert.Len(t, sender.sent, 3)
	assert.Equal(t, []string{"*", "*", "u1"}, sender.targets)
	assert.Equal(t, []domain.ActionType{domain.ActionPoll}, l.appended)

	p.Retract(ctx, protocol.Poll{ID: "p"})
	p.Retract(ctx, protocol.Poll{ID: "p"})
	assert.Equal(t, []string{"act-poll"}, l.removed)
}

func TestPublisher_RejectsEmptyPoll(t *testing.T) {
	sender := &fakeSender{}
	p := NewPublisher(sender, &fakeLog{}, "s1")

	err := p.Publish(context.Background(), protocol.Poll{ID: "p", Question: "Q", Options: []string{"only"}})
	assert.ErrorIs(t, err, ErrEmptyPoll)
	assert.Empty(t, sender.sent)
}

func TestPublisher_BroadcastFailureSkipsLog(t *testing.T) {
	sender := &fakeSender{err: errors.New("not connected")}
	l := &fakeLog{}
	p := NewPublisher(sender, l, "s1")

	err := p.Publish(context.Background(), protocol.Download{Label: "L", URL: "U"})
	assert.Error(t, err)
	assert.Empty(t, l.appended)
}

func TestPublisher_RetractsReplayedEntries(t *testing.T) {
	poll := logEntry(t, protocol.Poll{ID: "p", Question: "Q", Options: []string{"A", "B"}})
	poll.ID = "log-1"
	dl := logEntry(t, protocol.Download{Label: "Slides", URL: "https://x/slides.pdf"})
	dl.ID = "log-2"
	l := &fakeLog{entries: []domain.ActiveAction{poll, dl}}

	s := NewState(clockwork.NewFakeClock(), 0)
	p := NewPublisher(&fakeSender{}, l, "s1")
	assert.Equal(t, 2, p.Replay(t.Context(), stateVisitor{s}))
	_, ok := s.ActivePoll()
	require.True(t, ok)

	p.Retract(t.Context(), protocol.Poll{ID: "p"})
	p.Retract(t.Context(), protocol.Download{URL: "https://x/slides.pdf"})
	assert.Equal(t, []string{"log-1", "log-2"}, l.removed)
}
