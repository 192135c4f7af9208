package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/livestage/internal/live/fault"
)

type fakeSource struct {
	kind Kind
	id   string
	fp   *fakeProvider
}

func (s *fakeSource) Kind() Kind                         { return s.kind }
func (s *fakeSource) DeviceID() string                   { return s.id }
func (s *fakeSource) Track() *webrtc.TrackLocalStaticRTP { return nil }
func (s *fakeSource) Stop() error {
	s.fp.record("stop " + s.id)
	s.fp.mu.Lock()
	delete(s.fp.held, s.id)
	s.fp.mu.Unlock()
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	devices []Info
	openErr map[Kind]error
	held    map[string]bool
	events  []string
}

func newFakeProvider(devices ...Info) *fakeProvider {
	return &fakeProvider{devices: devices, openErr: map[Kind]error{}, held: map[string]bool{}}
}

func (p *fakeProvider) record(e string) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *fakeProvider) Enumerate(context.Context) ([]Info, error) { return p.devices, nil }

func (p *fakeProvider) Open(_ context.Context, kind Kind, id string) (Source, error) {
	if err := p.openErr[kind]; err != nil {
		return nil, err
	}
	for _, d := range p.devices {
		if d.Kind != kind || (id != "" && d.ID != id) {
			continue
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.held[d.ID] {
			return nil, ErrBusy
		}
		p.held[d.ID] = true
		p.events = append(p.events, "open "+d.ID)
		return &fakeSource{kind: kind, id: d.ID, fp: p}, nil
	}
	return nil, errors.New("NotFoundError: requested device not found")
}

var (
	mic1 = Info{ID: "mic1", Label: "Mic 1", Kind: KindAudio}
	mic2 = Info{ID: "mic2", Label: "Mic 2", Kind: KindAudio}
	cam1 = Info{ID: "cam1", Label: "Cam 1", Kind: KindVideo}
	cam2 = Info{ID: "cam2", Label: "Cam 2", Kind: KindVideo}
)

func TestPreview_AcquireBoth(t *testing.T) {
	fp := newFakeProvider(mic1, cam1)
	p := NewPreview(fp)

	s, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.Equal(t, "mic1", s.Audio.DeviceID())
	assert.Equal(t, "cam1", s.Video.DeviceID())
	assert.Nil(t, p.Warning())
}

func TestPreview_NoCameraFallsBackToAudio(t *testing.T) {
	p := NewPreview(newFakeProvider(mic1))

	s, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.NotNil(t, s.Audio)
	assert.Nil(t, s.Video)

	w := p.Warning()
	require.NotNil(t, w)
	assert.Equal(t, fault.DeviceNotFound, w.Kind)
	assert.False(t, w.Fatal())
}

func TestPreview_NoDevicesAtAll(t *testing.T) {
	p := NewPreview(newFakeProvider())

	_, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true})
	assert.Equal(t, fault.DeviceNotFound, fault.KindOf(err))
	assert.Nil(t, p.Stream())
}

func TestPreview_PermissionDenied(t *testing.T) {
	fp := newFakeProvider(mic1, cam1)
	fp.openErr[KindVideo] = errors.New("NotAllowedError: Permission denied")
	p := NewPreview(fp)

	_, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true})
	assert.Equal(t, fault.PermissionDenied, fault.KindOf(err))
	assert.Empty(t, fp.held, "audio acquired before the failure is released")
}

func TestPreview_ReselectStopsBeforeStart(t *testing.T) {
	fp := newFakeProvider(mic1, mic2, cam1, cam2)
	p := NewPreview(fp)

	_, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	s, err := p.SelectCamera(t.Context(), "cam2")
	require.NoError(t, err)
	assert.Equal(t, "cam2", s.Video.DeviceID())
	assert.Equal(t, "mic1", s.Audio.DeviceID())

	s, err = p.SelectMic(t.Context(), "mic2")
	require.NoError(t, err)
	assert.Equal(t, "mic2", s.Audio.DeviceID())
	assert.Equal(t, "cam2", s.Video.DeviceID())

	assert.Equal(t, []string{
		"open mic1", "open cam1",
		"stop mic1", "stop cam1", "open mic1", "open cam2",
		"stop mic1", "stop cam2", "open mic2", "open cam2",
	}, fp.events)
}

func TestPreview_ReleaseHandsOffSelection(t *testing.T) {
	fp := newFakeProvider(mic1, cam1)
	p := NewPreview(fp)
	_, err := p.Acquire(t.Context(), Constraints{Audio: true, Video: true, CameraID: "cam1"})
	require.NoError(t, err)

	sel := p.Release()
	assert.Equal(t, Selection{AudioDeviceID: "mic1", VideoDeviceID: "cam1", AudioEnabled: true, VideoEnabled: true}, sel)
	assert.Empty(t, fp.held)
	assert.Nil(t, p.Stream())

	// the connection can now open the same hardware
	_, err = fp.Open(t.Context(), KindVideo, sel.VideoDeviceID)
	assert.NoError(t, err)
}
