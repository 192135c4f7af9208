package wsclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/adapters/signal"
	"github.com/dkeye/livestage/internal/app"
	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/fault"
)

type sessionTable map[domain.SessionID]domain.Session

func (s sessionTable) GetSession(_ context.Context, id domain.SessionID) (domain.Session, error) {
	return s[id], nil
}

type server struct {
	url     string
	issuer  *auth.Issuer
	orch    *orch.Orchestrator
	session domain.Session
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewRealClock()
	sess := domain.Session{ID: "s1", Room: "room-s1", OwnerAccountID: "acc-owner", Status: domain.StatusLive}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(domain.RoomProperties{}, nil),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Clock:    clock,
	}
	issuer := auth.NewIssuer([]byte("test-secret"), 0, clock)
	ctl := signal.NewSignalWSController(o, issuer, sessionTable{sess.ID: sess}, signal.NewRoomRateLimiter(50, time.Minute, clock), signal.Options{})

	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	r.GET(signalPath, func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &server{url: srv.URL, issuer: issuer, orch: o, session: sess}
}

func (s *server) token(t *testing.T, name string, acc domain.AccountID) string {
	t.Helper()
	tok, err := s.issuer.IssueMeeting(s.session, name, acc)
	require.NoError(t, err)
	return tok.Value
}

func (s *server) client(t *testing.T) (*Client, chan connection.Event) {
	t.Helper()
	c, err := New(Options{ServerURL: s.url, RedialInitial: 10 * time.Millisecond, RedialMax: 50 * time.Millisecond})
	require.NoError(t, err)
	events := make(chan connection.Event, 64)
	c.Subscribe(func(ev connection.Event) { events <- ev })
	t.Cleanup(func() { _ = c.Close() })
	return c, events
}

func (s *server) join(t *testing.T, c *Client, name string, acc domain.AccountID) connection.JoinResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := c.Join(ctx, connection.JoinOptions{Token: s.token(t, name, acc), SessionID: s.session.ID, DisplayName: name})
	require.NoError(t, err)
	return res
}

// waitFor drains events until one of type T arrives.
func waitFor[T connection.Event](t *testing.T, events <-chan connection.Event) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestClient_JoinBroadcastAndPermissions(t *testing.T) {
	s := newServer(t)
	host, hostEvents := s.client(t)
	viewer, viewerEvents := s.client(t)

	hj := s.join(t, host, "Host", "acc-owner")
	assert.True(t, hj.Self.Owner)
	assert.Equal(t, domain.RoomName("room-s1"), hj.Room.Name)

	vj := s.join(t, viewer, "Viewer", "")
	assert.Equal(t, domain.RoleViewer, vj.Self.Role())
	assert.Len(t, vj.Participants, 2)
	assert.Equal(t, vj.Self, viewer.Self())

	joined := waitFor[connection.ParticipantJoined](t, hostEvents)
	assert.Equal(t, vj.Self.ID, joined.Participant.ID)

	require.NoError(t, viewer.SendBroadcast(context.Background(), []byte(`{"type":"hand-raise"}`), ""))
	msg := waitFor[connection.AppMessage](t, hostEvents)
	assert.Equal(t, vj.Self.ID, msg.From)
	assert.JSONEq(t, `{"type":"hand-raise"}`, string(msg.Payload))

	require.NoError(t, host.UpdatePermissions(context.Background(), vj.Self.ID, domain.Capabilities{CanSend: true}))
	upd := waitFor[connection.ParticipantUpdated](t, viewerEvents)
	assert.True(t, upd.Participant.CanSend)
	assert.Eventually(t, func() bool { return viewer.Self().CanSend }, time.Second, 10*time.Millisecond)

	require.NoError(t, host.StartRecording(context.Background()))
	waitFor[connection.RecordingStarted](t, viewerEvents)
	require.NoError(t, host.StopRecording(context.Background()))
	waitFor[connection.RecordingStopped](t, viewerEvents)

	require.NoError(t, viewer.Leave(context.Background()))
	left := waitFor[connection.ParticipantLeft](t, hostEvents)
	assert.Equal(t, vj.Self.ID, left.Participant.ID)
	assert.ErrorIs(t, viewer.SendBroadcast(context.Background(), []byte(`{}`), "*"), ErrNotConnected)
}

func TestClient_RoomFullIsClassified(t *testing.T) {
	s := newServer(t)
	host, _ := s.client(t)
	s.join(t, host, "Host", "acc-owner")

	one := 1
	s.orch.UpdateRoomProperties(s.session.Room, s.session.ID, domain.RoomPropertiesPatch{MaxParticipants: &one})

	late, _ := s.client(t)
	_, err := late.Join(context.Background(), connection.JoinOptions{Token: s.token(t, "Late", "")})
	require.Error(t, err)
	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "room-full", je.Code)
	assert.False(t, je.Permanent())
	assert.Equal(t, fault.RoomFull, fault.KindOf(err))
}

func TestClient_InvalidTokenIsPermanent(t *testing.T) {
	s := newServer(t)
	c, _ := s.client(t)
	_, err := c.Join(context.Background(), connection.JoinOptions{Token: "garbage"})
	var je *JoinError
	require.ErrorAs(t, err, &je)
	assert.True(t, je.Permanent())
}

func TestClient_KnockingWaitsForAdmission(t *testing.T) {
	s := newServer(t)
	host, hostEvents := s.client(t)
	s.join(t, host, "Host", "acc-owner")

	on := true
	s.orch.UpdateRoomProperties(s.session.Room, s.session.ID, domain.RoomPropertiesPatch{EnableKnocking: &on})

	guest, guestEvents := s.client(t)
	type result struct {
		res connection.JoinResult
		err error
	}
	done := make(chan result, 1)
	token := s.token(t, "Guest", "")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		res, err := guest.Join(ctx, connection.JoinOptions{Token: token})
		done <- result{res, err}
	}()

	waitFor[connection.Waiting](t, guestEvents)
	req := waitFor[connection.AccessRequest](t, hostEvents)
	require.NoError(t, host.Admit(context.Background(), req.Participant.ID, true))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, req.Participant.ID, r.res.Self.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("join did not complete after admission")
	}
}

func TestClient_DeniedKnock(t *testing.T) {
	s := newServer(t)
	host, hostEvents := s.client(t)
	s.join(t, host, "Host", "acc-owner")
	on := true
	s.orch.UpdateRoomProperties(s.session.Room, s.session.ID, domain.RoomPropertiesPatch{EnableKnocking: &on})

	guest, guestEvents := s.client(t)
	done := make(chan error, 1)
	token := s.token(t, "Guest", "")
	go func() {
		_, err := guest.Join(context.Background(), connection.JoinOptions{Token: token})
		done <- err
	}()

	req := waitFor[connection.AccessRequest](t, hostEvents)
	require.NoError(t, host.Admit(context.Background(), req.Participant.ID, false))
	waitFor[connection.AccessDenied](t, guestEvents)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrAccessDenied)
	case <-time.After(3 * time.Second):
		t.Fatal("join did not fail after denial")
	}
}

func TestClient_RedialsAfterDrop(t *testing.T) {
	s := newServer(t)
	host, hostEvents := s.client(t)
	hj := s.join(t, host, "Host", "acc-owner")
	viewer, viewerEvents := s.client(t)
	first := s.join(t, viewer, "Viewer", "")
	waitFor[connection.ParticipantJoined](t, hostEvents)

	viewer.mu.Lock()
	l := viewer.link
	viewer.mu.Unlock()
	require.NotNil(t, l)
	require.NoError(t, l.conn.Close())

	waitFor[connection.NetworkInterrupted](t, viewerEvents)
	restored := waitFor[connection.NetworkRestored](t, viewerEvents)
	assert.NotEqual(t, first.Self.ID, restored.Self.ID)
	assert.Equal(t, "Viewer", restored.Self.UserName)
	assert.Contains(t, restored.Participants, hj.Self)
	assert.Equal(t, restored.Self.ID, viewer.Self().ID)

	require.NoError(t, viewer.SendBroadcast(context.Background(), []byte(`{"n":1}`), string(hj.Self.ID)))
	msg := waitFor[connection.AppMessage](t, hostEvents)
	assert.Equal(t, restored.Self.ID, msg.From)
}

func TestClient_ObserveRTT(t *testing.T) {
	c, err := New(Options{ServerURL: "http://localhost:1", PoorRTT: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	events := make(chan connection.Event, 8)
	c.Subscribe(func(ev connection.Event) { events <- ev })

	c.observeRTT(300 * time.Millisecond)
	c.observeRTT(400 * time.Millisecond)
	c.observeRTT(20 * time.Millisecond)

	assert.Equal(t, connection.NetworkQuality{Poor: true}, waitFor[connection.NetworkQuality](t, events))
	assert.Equal(t, connection.NetworkQuality{Poor: false}, waitFor[connection.NetworkQuality](t, events))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSignalURL(t *testing.T) {
	got, err := signalURL("https://live.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://live.example.com/api/ws/signal", got)

	got, err = signalURL("http://127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/api/ws/signal", got)

	_, err = signalURL("ftp://x")
	assert.Error(t, err)
}

func TestJoinError(t *testing.T) {
	err := error(&JoinError{Code: "session-ended", Message: "session has ended"})
	assert.Equal(t, "session-ended: session has ended", err.Error())
	var je *JoinError
	require.True(t, errors.As(err, &je))
	assert.True(t, je.Permanent())
}
