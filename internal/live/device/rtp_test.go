package device

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dkeye/livestage/internal/live/fault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func levelPacket(t *testing.T, level uint8) *rtp.Packet {
	t.Helper()
	ext := rtp.AudioLevelExtension{Level: level, Voice: true}
	raw, err := ext.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1}, Payload: []byte{0xf8}}
	require.NoError(t, pkt.SetExtension(DefaultAudioLevelExtID, raw))
	return pkt
}

func TestLevelMeter(t *testing.T) {
	m := NewLevelMeter(DefaultAudioLevelExtID)
	assert.Equal(t, 0.0, m.Level())

	m.Observe(levelPacket(t, 0))
	assert.Equal(t, 1.0, m.Level())
	assert.True(t, m.Voice())

	m.Observe(&rtp.Packet{Header: rtp.Header{Version: 2}})
	assert.Equal(t, 1.0, m.Level(), "packets without the extension keep the last level")
}

func TestRTPProvider_OpenErrors(t *testing.T) {
	p := NewRTPProvider([]RTPDevice{
		{Info: Info{ID: "mic", Label: "Mic", Kind: KindAudio}, Listen: "127.0.0.1:0"},
	}, "local")

	devs, err := p.Enumerate(t.Context())
	require.NoError(t, err)
	assert.Len(t, devs, 1)

	_, err = p.Open(t.Context(), KindVideo, "")
	assert.Equal(t, fault.DeviceNotFound, fault.KindOf(err))

	src, err := p.Open(t.Context(), KindAudio, "mic")
	require.NoError(t, err)
	_, err = p.Open(t.Context(), KindAudio, "mic")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, src.Stop())
	src, err = p.Open(t.Context(), KindAudio, "")
	require.NoError(t, err, "stopped device can be reopened")
	require.NoError(t, src.Stop())
}

func TestRTPProvider_MetersIngest(t *testing.T) {
	p := NewRTPProvider([]RTPDevice{
		{Info: Info{ID: "mic", Kind: KindAudio}, Listen: "127.0.0.1:0"},
	}, "local")
	src, err := p.Open(t.Context(), KindAudio, "mic")
	require.NoError(t, err)
	defer src.Stop()

	addr := src.(interface{ LocalAddr() net.Addr }).LocalAddr()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	raw, err := levelPacket(t, 27).Marshal()
	require.NoError(t, err)

	stream := &Stream{Audio: src}
	assert.Eventually(t, func() bool {
		_, _ = conn.Write(raw)
		return stream.AudioLevel() > 0.7
	}, 2*time.Second, 10*time.Millisecond)
}
