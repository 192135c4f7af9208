package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeBackend struct {
	j       *journal
	mu      sync.Mutex
	session domain.Session
	err     error
}

func (f *fakeBackend) UpdateSessionStatus(_ context.Context, _ domain.SessionID, s domain.LifecycleStatus) error {
	if f.err != nil {
		return f.err
	}
	f.j.add("backend " + string(s))
	f.mu.Lock()
	f.session.Status = s
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) GetSession(context.Context, domain.SessionID) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Session{}, f.err
	}
	return f.session, nil
}

type fakeBus struct{ j *journal }

func (b fakeBus) Publish(_ context.Context, m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.SessionStatus:
		b.j.add("broadcast " + string(msg.Status))
	default:
		b.j.add("broadcast " + string(m.Kind()))
	}
	return nil
}

type fakeRecorder struct{ j *journal }

func (r fakeRecorder) StartRecording(context.Context) error { r.j.add("record start"); return nil }
func (r fakeRecorder) StopRecording(context.Context) error  { r.j.add("record stop"); return nil }

type fakeConn struct {
	j   *journal
	err error
}

func (c fakeConn) Leave(context.Context) { c.j.add("leave") }

func (c fakeConn) Resume(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.j.add("resume")
	return nil
}

var (
	owner  = domain.Participant{ID: "o", CanSend: true, CanAdmin: true, Owner: true}
	cohost = domain.Participant{ID: "c", CanSend: true, CanAdmin: true}
)

func as(p domain.Participant) func() domain.Participant {
	return func() domain.Participant { return p }
}

func newController(self domain.Participant, status domain.LifecycleStatus) (*Controller, *fakeBackend, *journal, *clockwork.FakeClock) {
	j := &journal{}
	be := &fakeBackend{j: j, session: domain.Session{ID: "s1", Status: status}}
	clock := clockwork.NewFakeClock()
	c := NewController(be.session, as(self), be, fakeBus{j}, fakeRecorder{j}, fakeConn{j: j}, clock)
	return c, be, j, clock
}

func TestController_GoLiveReachesParticipants(t *testing.T) {
	c, be, _, clock := newController(owner, domain.StatusIdle)
	w := NewWatcher(be.session, be, clock, 0)
	assert.Equal(t, SurfacePlaceholder, w.Surface())

	require.NoError(t, c.GoLive(t.Context()))
	assert.Equal(t, domain.StatusLive, c.Status())

	assert.Equal(t, domain.StatusLive, w.Refresh(t.Context()))
	assert.Equal(t, SurfaceVideo, w.Surface())
}

func TestController_OwnerOnly(t *testing.T) {
	c, _, j, _ := newController(cohost, domain.StatusIdle)

	assert.ErrorIs(t, c.GoLive(t.Context()), ErrOwnerOnly)
	assert.ErrorIs(t, c.RequestEnd(), ErrOwnerOnly)
	assert.ErrorIs(t, c.StartRecording(t.Context()), ErrOwnerOnly)
	assert.Empty(t, j.list())
}

func TestController_InvalidTransitions(t *testing.T) {
	c, _, _, _ := newController(owner, domain.StatusIdle)
	assert.ErrorIs(t, c.Restart(t.Context()), ErrNotEnded)
	assert.ErrorIs(t, c.RequestEnd(), ErrNotLive)

	c, _, _, _ = newController(owner, domain.StatusLive)
	assert.ErrorIs(t, c.GoLive(t.Context()), domain.ErrInvalidTransition)
}

func TestController_TwoStepEnd(t *testing.T) {
	c, _, j, _ := newController(owner, domain.StatusLive)

	assert.ErrorIs(t, c.ConfirmEnd(t.Context()), ErrConfirmRequired)

	require.NoError(t, c.RequestEnd())
	c.CancelEnd()
	assert.ErrorIs(t, c.ConfirmEnd(t.Context()), ErrConfirmRequired)

	require.NoError(t, c.StartRecording(t.Context()))
	require.NoError(t, c.RequestEnd())
	require.NoError(t, c.ConfirmEnd(t.Context()))

	assert.Equal(t, domain.StatusEnded, c.Status())
	assert.False(t, c.Recording())
	assert.Equal(t, []string{
		"record start",
		"backend ended",
		"broadcast ended",
		"record stop",
		"leave",
	}, j.list())
}

func TestController_Restart(t *testing.T) {
	c, _, j, _ := newController(owner, domain.StatusEnded)

	require.NoError(t, c.Restart(t.Context()))
	assert.Equal(t, domain.StatusLive, c.Status())
	assert.Equal(t, []string{"backend live", "resume", "broadcast live"}, j.list())
}

func TestController_RestartWithoutCallStaysQuiet(t *testing.T) {
	j := &journal{}
	be := &fakeBackend{j: j, session: domain.Session{ID: "s1", Status: domain.StatusEnded}}
	c := NewController(be.session, as(owner), be, fakeBus{j}, fakeRecorder{j}, fakeConn{j: j, err: errors.New("dial refused")}, clockwork.NewFakeClock())

	assert.ErrorContains(t, c.Restart(t.Context()), "dial refused")
	assert.Equal(t, domain.StatusLive, c.Status())
	assert.Equal(t, []string{"backend live"}, j.list())
}

func TestController_BackendFailureKeepsStatus(t *testing.T) {
	c, be, _, _ := newController(owner, domain.StatusIdle)
	be.err = errors.New("503")

	assert.Error(t, c.GoLive(t.Context()))
	assert.Equal(t, domain.StatusIdle, c.Status())
}

func TestController_FailedEndStaysLiveAndSilent(t *testing.T) {
	c, be, j, _ := newController(owner, domain.StatusLive)
	require.NoError(t, c.RequestEnd())
	be.err = errors.New("503")

	assert.Error(t, c.ConfirmEnd(t.Context()))
	assert.Equal(t, domain.StatusLive, c.Status())
	assert.Empty(t, j.list())
	assert.True(t, c.Confirming())
}

func TestController_RecordingElapsed(t *testing.T) {
	c, _, _, clock := newController(owner, domain.StatusLive)
	assert.Zero(t, c.RecordingElapsed())
	assert.ErrorIs(t, c.StopRecording(t.Context()), ErrNotRecording)

	require.NoError(t, c.StartRecording(t.Context()))
	clock.Advance(90*time.Second + 400*time.Millisecond)
	assert.Equal(t, 90*time.Second, c.RecordingElapsed())

	// a transport event with an earlier start corrects the counter
	c.OnRecordingStarted(clock.Now().Add(-2 * time.Minute))
	assert.Equal(t, 2*time.Minute, c.RecordingElapsed())

	require.NoError(t, c.StopRecording(t.Context()))
	assert.Zero(t, c.RecordingElapsed())
}

func TestController_WarnEnding(t *testing.T) {
	c, _, j, _ := newController(owner, domain.StatusLive)
	require.NoError(t, c.WarnEnding(t.Context(), 5))
	assert.Equal(t, []string{"broadcast session-ending-soon"}, j.list())

	idle, _, _, _ := newController(owner, domain.StatusIdle)
	assert.ErrorIs(t, idle.WarnEnding(t.Context(), 5), ErrNotLive)
}

func TestWatcher_FollowsBroadcastAndPolls(t *testing.T) {
	j := &journal{}
	be := &fakeBackend{j: j, session: domain.Session{ID: "s1", Status: domain.StatusIdle}}
	clock := clockwork.NewFakeClock()
	w := NewWatcher(be.session, be, clock, 10*time.Second)

	var mu sync.Mutex
	var seen []domain.LifecycleStatus
	w.OnChange(func(s domain.LifecycleStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	w.OnSessionStatus(protocol.SessionStatus{Status: domain.StatusLive})
	w.OnEndingSoon(protocol.SessionEndingSoon{MinutesLeft: 5})
	assert.Equal(t, 5, w.MinutesLeft())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	require.NoError(t, be.UpdateSessionStatus(ctx, "s1", domain.StatusEnded))
	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return w.Surface() == SurfaceEnded }, time.Second, 5*time.Millisecond)
	assert.Zero(t, w.MinutesLeft())

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.LifecycleStatus{domain.StatusLive, domain.StatusEnded}, seen)
}

func TestWatcher_RefreshFailureKeepsStatus(t *testing.T) {
	be := &fakeBackend{j: &journal{}, session: domain.Session{ID: "s1", Status: domain.StatusLive}, err: errors.New("offline")}
	w := NewWatcher(domain.Session{ID: "s1", Status: domain.StatusLive}, be, clockwork.NewFakeClock(), 0)
	assert.Equal(t, domain.StatusLive, w.Refresh(t.Context()))
}
