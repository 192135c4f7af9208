package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/auth"
	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/connection"
	"github.com/dkeye/livestage/internal/live/role"
	"github.com/dkeye/livestage/internal/live/room"
)

func TestParsePoll(t *testing.T) {
	p, err := parsePoll(" Lunch? | Pizza |  | Salad ")
	require.NoError(t, err)
	assert.Equal(t, "Lunch?", p.Question)
	assert.Equal(t, []string{"Pizza", "Salad"}, p.Options)
	assert.NotEmpty(t, p.ID)

	for _, bad := range []string{"", "Lunch?", "Lunch? | Pizza", " | a | b", "Lunch? | Pizza | "} {
		_, err := parsePoll(bad)
		assert.ErrorIs(t, err, errUsage, bad)
	}
}

func TestAccountOf(t *testing.T) {
	issuer := auth.NewIssuer([]byte("secret"), time.Hour, clockwork.NewFakeClock())
	tok, err := issuer.IssueAccount("acc-1", "a@example.com")
	require.NoError(t, err)

	acc, err := accountOf(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountID("acc-1"), acc)

	_, err = accountOf("")
	assert.ErrorIs(t, err, errNoAccount)
	_, err = accountOf("not-a-jwt")
	assert.Error(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("x"))
	require.NoError(t, err)
	_, err = accountOf(noSubject)
	assert.ErrorIs(t, err, errNoAccount)
}

func TestWithSwitch(t *testing.T) {
	var got []bool
	run := withSwitch(func(_ context.Context, _ *room.Runtime, on bool) error {
		got = append(got, on)
		return nil
	})
	sh := &shell{}
	require.NoError(t, run(context.Background(), sh, []string{"on"}))
	require.NoError(t, run(context.Background(), sh, []string{"off"}))
	assert.ErrorIs(t, run(context.Background(), sh, []string{"maybe"}), errUsage)
	assert.ErrorIs(t, run(context.Background(), sh, nil), errUsage)
	assert.Equal(t, []bool{true, false}, got)
}

func TestWithTarget(t *testing.T) {
	var got domain.ParticipantID
	run := withTarget(func(_ context.Context, _ *room.Runtime, pid domain.ParticipantID) error {
		got = pid
		return nil
	})
	require.NoError(t, run(context.Background(), &shell{}, []string{"p-7"}))
	assert.Equal(t, domain.ParticipantID("p-7"), got)
	assert.ErrorIs(t, run(context.Background(), &shell{}, []string{"a", "b"}), errUsage)
}

// stubCall is an always-admitting transport and a backend that accepts
// every write.
type stubCall struct{ self domain.Participant }

func (stubCall) Supported() error { return nil }
func (c stubCall) Join(context.Context, connection.JoinOptions) (connection.JoinResult, error) {
	return connection.JoinResult{Self: c.self, Participants: []domain.Participant{c.self}}, nil
}
func (stubCall) Leave(context.Context) error                             { return nil }
func (stubCall) SendBroadcast(context.Context, []byte, string) error     { return nil }
func (stubCall) SetLocalAudio(bool) error                                { return nil }
func (stubCall) SetLocalVideo(bool) error                                { return nil }
func (stubCall) Subscribe(func(connection.Event)) func()                 { return func() {} }
func (stubCall) Admit(context.Context, domain.ParticipantID, bool) error { return nil }
func (stubCall) Mute(context.Context, domain.ParticipantID) error        { return nil }
func (stubCall) StartRecording(context.Context) error                    { return nil }
func (stubCall) StopRecording(context.Context) error                     { return nil }
func (stubCall) RecordLeave(context.Context, domain.AttendanceID) error  { return nil }
func (stubCall) RemoveActiveAction(context.Context, domain.SessionID, string) error {
	return nil
}
func (stubCall) UpdatePermissions(context.Context, domain.ParticipantID, domain.Capabilities) error {
	return nil
}
func (stubCall) IssueToken(context.Context, domain.SessionID, string) (domain.MeetingToken, error) {
	return domain.MeetingToken{Value: "tok", IssuedAt: time.Now(), Lifetime: time.Hour}, nil
}
func (stubCall) RecordJoin(context.Context, domain.SessionID, string, string) (domain.AttendanceID, error) {
	return "att", nil
}
func (stubCall) FetchActiveActions(context.Context, domain.SessionID) ([]domain.ActiveAction, error) {
	return nil, nil
}
func (stubCall) AppendActiveAction(_ context.Context, sid domain.SessionID, typ domain.ActionType, payload []byte) (domain.ActiveAction, error) {
	return domain.ActiveAction{ID: "a", SessionID: sid, Type: typ, Payload: payload}, nil
}
func (stubCall) UpdateSessionStatus(context.Context, domain.SessionID, domain.LifecycleStatus) error {
	return nil
}
func (stubCall) GetSession(_ context.Context, sid domain.SessionID) (domain.Session, error) {
	return domain.Session{ID: sid, Status: domain.StatusLive}, nil
}
func (stubCall) UpdateRoomProperty(context.Context, domain.RoomName, domain.RoomPropertiesPatch) error {
	return nil
}

func TestShell_OnlyRestartAfterEnd(t *testing.T) {
	owner := domain.Participant{ID: "p-owner", UserName: "Owner", CanSend: true, CanAdmin: true, Owner: true}
	stub := stubCall{self: owner}
	sess := domain.Session{ID: "s1", Room: "room-s1", Status: domain.StatusLive}
	rt := room.New(room.Config{Session: sess, DisplayName: "Owner"}, stub, stub, role.NewMemoryFlags(), clockwork.NewFakeClock())
	require.NoError(t, rt.Mount(context.Background()))
	t.Cleanup(func() { rt.Unmount(context.Background()) })

	var out bytes.Buffer
	sh := &shell{rt: rt, out: &out}
	ctx := context.Background()

	_, err := sh.exec(ctx, "end")
	require.NoError(t, err)
	_, err = sh.exec(ctx, "confirm")
	require.NoError(t, err)
	require.Equal(t, connection.StateLeft, rt.Conn.State())
	require.True(t, sessionEnded(rt))

	_, err = sh.exec(ctx, "raise")
	assert.ErrorIs(t, err, errEnded)

	_, err = sh.exec(ctx, "restart")
	require.NoError(t, err)
	assert.Equal(t, connection.StateJoined, rt.Conn.State())
	assert.Equal(t, domain.StatusLive, rt.Lifecycle.Status())
	assert.False(t, sessionEnded(rt))
}
