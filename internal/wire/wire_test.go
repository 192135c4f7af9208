package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeek(t *testing.T) {
	typ, err := Peek([]byte(`{"type":"join","token":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoin, typ)

	_, err = Peek([]byte(`{"token":"x"}`))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Peek([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBroadcastKeepsPayloadVerbatim(t *testing.T) {
	in := Broadcast{Type: TypeBroadcast, Target: AllParticipants, Payload: []byte(`{"type":"hand-raise","participantId":"p1"}`)}
	data := MustEncode(in)

	var out Broadcast
	require.NoError(t, Decode(data, &out))
	assert.Equal(t, AllParticipants, out.Target)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestErrorFrame(t *testing.T) {
	data := MustEncode(NewError(CodeRoomFull, assert.AnError))
	assert.JSONEq(t, `{"type":"error","code":"room-full","error":"`+assert.AnError.Error()+`"}`, string(data))
}
