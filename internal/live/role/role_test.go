package role

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/protocol"
)

type fakeMedia struct {
	audio, video bool
}

func (f *fakeMedia) SetAudio(on bool) error { f.audio = on; return nil }
func (f *fakeMedia) SetVideo(on bool) error { f.video = on; return nil }

type bus struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (b *bus) Publish(_ context.Context, m protocol.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, m)
	return nil
}

func (b *bus) SendTo(ctx context.Context, m protocol.Message, _ string) error {
	return b.Publish(ctx, m)
}

func (b *bus) kinds() []protocol.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Kind, 0, len(b.sent))
	for _, m := range b.sent {
		out = append(out, m.Kind())
	}
	return out
}

type grant struct {
	pid  domain.ParticipantID
	caps domain.Capabilities
}

type fakeRoom struct {
	participants map[domain.ParticipantID]domain.Participant
	grants       []grant
	muted        []domain.ParticipantID
}

func newFakeRoom(ps ...domain.Participant) *fakeRoom {
	r := &fakeRoom{participants: map[domain.ParticipantID]domain.Participant{}}
	for _, p := range ps {
		r.participants[p.ID] = p
	}
	return r
}

func (r *fakeRoom) Participant(pid domain.ParticipantID) (domain.Participant, bool) {
	p, ok := r.participants[pid]
	return p, ok
}

func (r *fakeRoom) UpdatePermissions(_ context.Context, pid domain.ParticipantID, caps domain.Capabilities) error {
	r.grants = append(r.grants, grant{pid, caps})
	p := r.participants[pid]
	p.CanSend, p.CanAdmin = caps.CanSend, caps.CanAdmin
	r.participants[pid] = p
	return nil
}

func (r *fakeRoom) Mute(_ context.Context, pid domain.ParticipantID) error {
	r.muted = append(r.muted, pid)
	return nil
}

var (
	owner  = domain.Participant{ID: "o", UserName: "Olga", CanSend: true, CanAdmin: true, Owner: true}
	cohost = domain.Participant{ID: "c", UserName: "Cai", CanSend: true, CanAdmin: true}
	viewer = domain.Participant{ID: "v", UserName: "Vik"}
)

func self(p domain.Participant) func() domain.Participant {
	return func() domain.Participant { return p }
}

func TestMachine_AcceptPromotion(t *testing.T) {
	media := &fakeMedia{}
	flags := NewMemoryFlags()
	b := &bus{}
	m := NewMachine("s1", media, flags, b)
	m.SetSelf(viewer)

	m.OnPromote(protocol.Promote{ParticipantID: "someone-else"})
	assert.False(t, m.PromptPending())

	m.OnPromote(protocol.Promote{ParticipantID: viewer.ID})
	require.True(t, m.PromptPending())
	require.NoError(t, m.Accept(t.Context()))

	assert.True(t, media.audio)
	assert.True(t, media.video)
	assert.True(t, flags.WasPromoted("s1"))
	assert.Equal(t, []protocol.Kind{protocol.KindPromoteAccepted}, b.kinds())
	assert.Equal(t, domain.RoleViewer, m.Role(), "role follows capabilities, not consent")

	assert.ErrorIs(t, m.Accept(t.Context()), ErrNoPrompt)
}

func TestMachine_DeclineSendsNothing(t *testing.T) {
	media := &fakeMedia{}
	b := &bus{}
	m := NewMachine("s1", media, nil, b)
	m.SetSelf(viewer)

	m.OnPromote(protocol.Promote{ParticipantID: viewer.ID})
	m.Decline()

	assert.False(t, m.PromptPending())
	assert.Empty(t, b.kinds())
	assert.False(t, media.audio)
}

func TestMachine_Demote(t *testing.T) {
	media := &fakeMedia{audio: true, video: true}
	flags := NewMemoryFlags()
	require.NoError(t, flags.SetPromoted("s1", true))
	m := NewMachine("s1", media, flags, &bus{})
	m.SetSelf(domain.Participant{ID: "v", CanSend: true})

	m.OnDemote(protocol.Demote{ParticipantID: "v"})

	assert.False(t, media.audio)
	assert.False(t, media.video)
	assert.False(t, flags.WasPromoted("s1"))
	assert.NotEmpty(t, m.Toast())
	assert.Empty(t, m.Toast())
}

func TestMachine_OwnerIgnoresDemote(t *testing.T) {
	media := &fakeMedia{audio: true, video: true}
	m := NewMachine("s1", media, nil, &bus{})
	m.SetSelf(owner)

	m.OnDemote(protocol.Demote{ParticipantID: owner.ID})
	assert.True(t, media.audio)
	assert.Equal(t, domain.RoleOwner, m.Role())
}

func TestPromotionSurvivesReconnect(t *testing.T) {
	room := newFakeRoom(owner, viewer)
	b := &bus{}
	op := NewOperator(self(owner), room, room, b)
	media := &fakeMedia{}
	m := NewMachine("s1", media, NewMemoryFlags(), b)
	m.SetSelf(viewer)

	require.NoError(t, op.Promote(t.Context(), viewer.ID))
	m.OnPromote(b.sent[0].(protocol.Promote))
	require.NoError(t, m.Accept(t.Context()))
	require.NoError(t, op.OnPromoteAccepted(t.Context(), b.sent[1].(protocol.PromoteAccepted)))

	granted, _ := room.Participant(viewer.ID)
	assert.Equal(t, domain.RoleSpeaker, granted.Role())
	m.SetSelf(granted)

	// reconnect: the transport hands back a fresh viewer identity
	rejoined := domain.Participant{ID: "v2", UserName: viewer.UserName}
	room.participants[rejoined.ID] = rejoined
	m.SetSelf(rejoined)
	media.audio, media.video = false, false

	m.OnReconnected(t.Context())
	require.Equal(t, protocol.KindRePromoteRequest, b.sent[len(b.sent)-1].Kind())
	assert.True(t, media.audio)
	assert.True(t, media.video)

	require.NoError(t, op.OnRePromoteRequest(t.Context(), b.sent[len(b.sent)-1].(protocol.RePromoteRequest)))
	restored, _ := room.Participant("v2")
	assert.True(t, restored.CanSend)
}

func TestMachine_ReconnectWithoutFlagDoesNothing(t *testing.T) {
	b := &bus{}
	m := NewMachine("s1", &fakeMedia{}, nil, b)
	m.SetSelf(viewer)
	m.OnReconnected(t.Context())
	assert.Empty(t, b.kinds())
}

func TestOperator_AcceptWithoutOfferIgnored(t *testing.T) {
	room := newFakeRoom(owner, viewer)
	op := NewOperator(self(owner), room, room, &bus{})

	require.NoError(t, op.OnPromoteAccepted(t.Context(), protocol.PromoteAccepted{ParticipantID: viewer.ID}))
	assert.Empty(t, room.grants)
}

func TestOperator_OwnerIsImmutable(t *testing.T) {
	room := newFakeRoom(owner, cohost)
	op := NewOperator(self(cohost), room, room, &bus{})

	assert.ErrorIs(t, op.Demote(t.Context(), owner.ID), ErrOwnerImmutable)
	assert.ErrorIs(t, op.Mute(t.Context(), owner.ID), ErrOwnerImmutable)
	assert.Empty(t, room.grants)
}

func TestOperator_CoHostLimits(t *testing.T) {
	other := domain.Participant{ID: "c2", CanSend: true, CanAdmin: true}
	room := newFakeRoom(owner, cohost, other, viewer)
	op := NewOperator(self(cohost), room, room, &bus{})

	assert.ErrorIs(t, op.AssignCoHost(t.Context(), viewer.ID), ErrForbidden)
	assert.ErrorIs(t, op.Demote(t.Context(), other.ID), ErrForbidden)
	require.NoError(t, op.Mute(t.Context(), viewer.ID))
	assert.Equal(t, []domain.ParticipantID{viewer.ID}, room.muted)

	viewerOp := NewOperator(self(viewer), room, room, &bus{})
	assert.ErrorIs(t, viewerOp.Promote(t.Context(), "c2"), ErrForbidden)
}

func TestOperator_CoHostAssignAndRemove(t *testing.T) {
	room := newFakeRoom(owner, viewer)
	b := &bus{}
	op := NewOperator(self(owner), room, room, b)

	require.NoError(t, op.AssignCoHost(t.Context(), viewer.ID))
	p, _ := room.Participant(viewer.ID)
	assert.Equal(t, domain.RoleCoHost, p.Role())

	require.NoError(t, op.RemoveCoHost(t.Context(), viewer.ID))
	p, _ = room.Participant(viewer.ID)
	assert.Equal(t, domain.RoleSpeaker, p.Role())

	require.NoError(t, op.Demote(t.Context(), viewer.ID))
	p, _ = room.Participant(viewer.ID)
	assert.Equal(t, domain.RoleViewer, p.Role())

	assert.Equal(t, []protocol.Kind{
		protocol.KindCoHostAssigned, protocol.KindCoHostRemoved, protocol.KindDemote,
	}, b.kinds())
	assert.ErrorIs(t, op.Promote(t.Context(), "ghost"), ErrUnknownParticipant)
}

func TestFileFlags_Persist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "flags.json")
	f, err := OpenFileFlags(path)
	require.NoError(t, err)
	require.NoError(t, f.SetPromoted("s1", true))

	again, err := OpenFileFlags(path)
	require.NoError(t, err)
	assert.True(t, again.WasPromoted("s1"))
	assert.False(t, again.WasPromoted("s2"))

	require.NoError(t, again.SetPromoted("s1", false))
	third, err := OpenFileFlags(path)
	require.NoError(t, err)
	assert.False(t, third.WasPromoted("s1"))
}

func TestFileFlags_NullFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	require.NoError(t, os.WriteFile(path, []byte("null"), 0o600))

	f, err := OpenFileFlags(path)
	require.NoError(t, err)
	assert.False(t, f.WasPromoted("s1"))
	require.NotPanics(t, func() { require.NoError(t, f.SetPromoted("s1", true)) })

	again, err := OpenFileFlags(path)
	require.NoError(t, err)
	assert.True(t, again.WasPromoted("s1"))
}
