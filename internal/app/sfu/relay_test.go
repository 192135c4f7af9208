package sfu

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type chanSource chan *rtp.Packet

func (c chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-c
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type sink struct {
	mu   sync.Mutex
	seqs []uint16
	fail bool
}

func (s *sink) WriteRTP(p *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("closed")
	}
	s.seqs = append(s.seqs, p.SequenceNumber)
	return nil
}

func (s *sink) got() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seqs...)
}

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

func startRelay(t *testing.T, m *RelayManager, key RelayKey) (chanSource, *Relay) {
	t.Helper()
	src := make(chanSource)
	relay := m.StartRelay(context.Background(), key, src, opus)
	t.Cleanup(func() {
		close(src)
		<-relay.done
	})
	return src, relay
}

func send(src chanSource, seq uint16) {
	src <- &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestRelay_ForwardsToSubscribers(t *testing.T) {
	m := NewRelayManager()
	key := RelayKey{Src: "speaker", Kind: webrtc.RTPCodecTypeAudio}
	src, _ := startRelay(t, m, key)

	a, b := &sink{}, &sink{}
	require.NoError(t, m.AddSubscriber(key, "a", a))
	require.NoError(t, m.AddSubscriber(key, "b", b))

	send(src, 1)
	send(src, 2)
	require.Eventually(t, func() bool { return len(a.got()) == 2 && len(b.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1, 2}, a.got())
}

func TestRelay_MuteStopsForwarding(t *testing.T) {
	m := NewRelayManager()
	key := RelayKey{Src: "speaker", Kind: webrtc.RTPCodecTypeAudio}
	src, relay := startRelay(t, m, key)

	a := &sink{}
	require.NoError(t, m.AddSubscriber(key, "a", a))
	require.True(t, m.SetMuted("speaker", webrtc.RTPCodecTypeAudio, true))
	assert.True(t, relay.Muted())

	late := &sink{}
	require.NoError(t, m.AddSubscriber(key, "late", late))

	// The source is unbuffered, so a send returns once the loop is back
	// reading: packet n-1 has been forwarded when send n returns. Packet 3
	// is still in flight while the relay unmutes and may go either way.
	send(src, 1)
	send(src, 2)
	send(src, 3)
	require.True(t, m.SetMuted("speaker", webrtc.RTPCodecTypeAudio, false))
	send(src, 4)
	send(src, 5)
	for _, s := range []*sink{a, late} {
		require.Eventually(t, func() bool { return slices.Contains(s.got(), 4) }, time.Second, 5*time.Millisecond)
		assert.NotContains(t, s.got(), uint16(1))
		assert.NotContains(t, s.got(), uint16(2))
	}

	assert.False(t, m.SetMuted("speaker", webrtc.RTPCodecTypeVideo, true))
}

func TestRelay_FailingSubscriberRemoved(t *testing.T) {
	m := NewRelayManager()
	key := RelayKey{Src: "speaker", Kind: webrtc.RTPCodecTypeVideo}
	src, relay := startRelay(t, m, key)

	bad, good := &sink{fail: true}, &sink{}
	require.NoError(t, m.AddSubscriber(key, "bad", bad))
	require.NoError(t, m.AddSubscriber(key, "good", good))

	send(src, 1)
	require.Eventually(t, func() bool { return relay.subscribers() == 1 }, time.Second, 5*time.Millisecond)

	m.DropSubscriber("good")
	send(src, 2)
	require.Eventually(t, func() bool { return relay.subscribers() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint16{1}, good.got())
}

func TestRelayManager_StopRelaysOf(t *testing.T) {
	m := NewRelayManager()
	audio := RelayKey{Src: "speaker", Kind: webrtc.RTPCodecTypeAudio}
	video := RelayKey{Src: "speaker", Kind: webrtc.RTPCodecTypeVideo}
	other := RelayKey{Src: "other", Kind: webrtc.RTPCodecTypeAudio}
	startRelay(t, m, audio)
	startRelay(t, m, video)
	startRelay(t, m, other)

	assert.ElementsMatch(t, []RelayKey{audio, video}, m.RelaysOf("speaker"))
	assert.Equal(t, 2, m.StopRelaysOf("speaker"))
	assert.False(t, m.HasRelay(audio))
	assert.True(t, m.HasRelay(other))
	assert.ErrorIs(t, m.AddSubscriber(audio, "a", &sink{}), ErrNoRelay)
}
