package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/app"
	"github.com/dkeye/livestage/internal/app/orch"
	"github.com/dkeye/livestage/internal/app/sfu"
	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/wire"
)

type sessionTable map[domain.SessionID]domain.Session

func (s sessionTable) GetSession(_ context.Context, id domain.SessionID) (domain.Session, error) {
	return s[id], nil
}

type fixture struct {
	url     string
	issuer  *auth.Issuer
	orch    *orch.Orchestrator
	clock   *clockwork.FakeClock
	session domain.Session
}

func newFixture(t *testing.T, status domain.LifecycleStatus) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC))
	sess := domain.Session{ID: "s1", Room: "room-s1", OwnerAccountID: "acc-owner", Status: status}
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(domain.RoomProperties{}, nil),
		Policy:   app.SimplePolicy{},
		Relays:   sfu.NewRelayManager(),
		Clock:    clock,
	}
	issuer := auth.NewIssuer([]byte("test-secret"), 0, clockwork.NewRealClock())
	ctl := NewSignalWSController(o, issuer, sessionTable{sess.ID: sess}, NewRoomRateLimiter(3, time.Minute, clock), Options{})

	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &fixture{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		issuer:  issuer,
		orch:    o,
		clock:   clock,
		session: sess,
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (f *fixture) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (f *fixture) token(t *testing.T, name string, acc domain.AccountID) string {
	t.Helper()
	tok, err := f.issuer.IssueMeeting(f.session, name, acc)
	require.NoError(t, err)
	return tok.Value
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, wire.MustEncode(v)))
}

// expect reads frames until one of type typ arrives and decodes it into v.
func (c *client) expect(typ wire.Type, v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		got, err := wire.Peek(data)
		require.NoError(c.t, err)
		if got == typ {
			if v != nil {
				require.NoError(c.t, wire.Decode(data, v))
			}
			return
		}
	}
}

func (c *client) join(token string) wire.Joined {
	c.t.Helper()
	c.send(wire.Join{Type: wire.TypeJoin, Token: token})
	var joined wire.Joined
	c.expect(wire.TypeJoined, &joined)
	return joined
}

func TestSignal_PingBeforeJoin(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	c := f.dial(t)
	c.send(wire.Simple{Type: wire.TypePing})
	c.expect(wire.TypePong, nil)

	c.send(wire.Broadcast{Type: wire.TypeBroadcast, Target: wire.AllParticipants, Payload: []byte(`{}`)})
	var e wire.Error
	c.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeForbidden, e.Code)
}

func TestSignal_InvalidToken(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	c := f.dial(t)
	c.send(wire.Join{Type: wire.TypeJoin, Token: "garbage"})
	var e wire.Error
	c.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeTokenInvalid, e.Code)
}

func TestSignal_EndedSessionRejected(t *testing.T) {
	f := newFixture(t, domain.StatusEnded)
	c := f.dial(t)
	c.send(wire.Join{Type: wire.TypeJoin, Token: f.token(t, "Ada", "")})
	var e wire.Error
	c.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeSessionEnded, e.Code)
}

func TestSignal_JoinAndBroadcast(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	owner := f.dial(t)
	joined := owner.join(f.token(t, "Host", "acc-owner"))
	assert.True(t, joined.Self.Owner)
	assert.Equal(t, domain.RoomName("room-s1"), joined.Room.Name)

	viewer := f.dial(t)
	vj := viewer.join(f.token(t, "Viewer", ""))
	assert.Equal(t, domain.RoleViewer, vj.Self.Role())
	assert.Len(t, vj.Participants, 2)

	var ev wire.ParticipantEvent
	owner.expect(wire.TypeParticipantJoined, &ev)
	assert.Equal(t, vj.Self.ID, ev.Participant.ID)

	viewer.send(wire.Broadcast{Type: wire.TypeBroadcast, Target: wire.AllParticipants, Payload: []byte(`{"type":"hand-raise"}`)})
	var msg wire.AppMessage
	owner.expect(wire.TypeAppMessage, &msg)
	assert.Equal(t, vj.Self.ID, msg.From)
	assert.JSONEq(t, `{"type":"hand-raise"}`, string(msg.Payload))

	owner.send(wire.UpdatePermissions{Type: wire.TypeUpdatePermissions, Participant: vj.Self.ID, CanSend: true})
	viewer.expect(wire.TypeParticipantUpdated, &ev)
	assert.True(t, ev.Participant.CanSend)

	viewer.send(wire.Simple{Type: wire.TypeLeave})
	owner.expect(wire.TypeParticipantLeft, &ev)
	assert.Equal(t, vj.Self.ID, ev.Participant.ID)
}

func TestSignal_LockedRoomRejectsJoin(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	owner := f.dial(t)
	owner.join(f.token(t, "Host", "acc-owner"))

	one := 1
	f.orch.UpdateRoomProperties(f.session.Room, f.session.ID, domain.RoomPropertiesPatch{MaxParticipants: &one})

	late := f.dial(t)
	late.send(wire.Join{Type: wire.TypeJoin, Token: f.token(t, "Late", "")})
	var e wire.Error
	late.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeRoomFull, e.Code)
}

func TestSignal_BroadcastRateLimited(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	owner := f.dial(t)
	owner.join(f.token(t, "Host", "acc-owner"))

	for range 3 {
		owner.send(wire.Broadcast{Type: wire.TypeBroadcast, Target: wire.AllParticipants, Payload: []byte(`{}`)})
	}
	owner.send(wire.Broadcast{Type: wire.TypeBroadcast, Target: wire.AllParticipants, Payload: []byte(`{}`)})
	var e wire.Error
	owner.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeRateLimited, e.Code)
}

func TestSignal_ViewerCannotRecord(t *testing.T) {
	f := newFixture(t, domain.StatusLive)
	owner := f.dial(t)
	owner.join(f.token(t, "Host", "acc-owner"))
	viewer := f.dial(t)
	viewer.join(f.token(t, "Viewer", ""))

	viewer.send(wire.Simple{Type: wire.TypeStartRecording})
	var e wire.Error
	viewer.expect(wire.TypeError, &e)
	assert.Equal(t, wire.CodeForbidden, e.Code)

	owner.send(wire.Simple{Type: wire.TypeStartRecording})
	var rec wire.RecordingStarted
	viewer.expect(wire.TypeRecordingStarted, &rec)
	assert.Equal(t, f.clock.Now(), rec.StartedAt.UTC())
}

func TestRoomRateLimiter_SlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRoomRateLimiter(2, time.Second, clock)
	assert.True(t, rl.Allow("p"))
	assert.True(t, rl.Allow("p"))
	assert.False(t, rl.Allow("p"))
	assert.True(t, rl.Allow("q"))

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("p"))
	rl.Forget("p")
	assert.True(t, rl.Allow("p"))
}
