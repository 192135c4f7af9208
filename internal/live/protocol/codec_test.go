package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/domain"
)

func TestEncode_FlatTypeTag(t *testing.T) {
	b, err := Encode(Poll{ID: "p1", Question: "Q?", Options: []string{"A", "B"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"poll","id":"p1","question":"Q?","options":["A","B"]}`, string(b))

	b, err = Encode(RecordingStopped{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"recording-stopped"}`, string(b))
}

func TestDecode_RoundTripsEveryKind(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		Poll{ID: "p", Question: "q", Options: []string{"a"}},
		Announcement{ID: "a", Message: "hi", Link: "https://x"},
		Download{Label: "slides", URL: "https://x/s.pdf"},
		PollClosed{PollID: "p"},
		PollVote{PollID: "p", ParticipantID: "u1", SelectedIndex: 1, SelectedLabel: "b"},
		HandRaise{ParticipantID: "u1", UserName: "Ann", Timestamp: ts},
		HandLower{ParticipantID: "u1"},
		Promote{ParticipantID: "u1"},
		PromoteAccepted{ParticipantID: "u1"},
		Demote{ParticipantID: "u1"},
		RePromoteRequest{ParticipantID: "u1", UserName: "Ann"},
		CoHostAssigned{ParticipantID: "u1"},
		CoHostRemoved{ParticipantID: "u1"},
		SessionEndingSoon{MinutesLeft: 5},
		SessionStatus{Status: domain.StatusEnded},
		RecordingStarted{StartedAt: ts},
		RecordingStopped{},
		Chat{ParticipantID: "u1", UserName: "Ann", Text: "hello", SentAt: ts},
		ChatToggle{Enabled: false},
	}
	require.Len(t, decoders, len(msgs))

	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecode_UnknownKindIsSkippable(t *testing.T) {
	_, err := Decode([]byte(`{"type":"confetti","amount":3}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeAction(t *testing.T) {
	payload, err := ActionPayload(Download{Label: "L", URL: "U"})
	require.NoError(t, err)

	m, err := DecodeAction(domain.ActiveAction{Type: domain.ActionDownload, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, Download{Label: "L", URL: "U"}, m)

	typ, ok := ActionType(m)
	assert.True(t, ok)
	assert.Equal(t, domain.ActionDownload, typ)
	assert.True(t, IsAction(m))
	assert.False(t, IsAction(Chat{}))

	_, err = DecodeAction(domain.ActiveAction{Type: "chat", Payload: payload})
	assert.ErrorIs(t, err, ErrUnknownKind)
}
