package wsclient

import (
	"context"
	"fmt"

	"github.com/dkeye/livestage/internal/domain"
	"github.com/dkeye/livestage/internal/live/device"
	"github.com/dkeye/livestage/internal/wire"
)

func (c *Client) send(v any) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	if err := l.sendJSON(v); err != nil {
		return fmt.Errorf("send %T: %w", v, err)
	}
	return nil
}

// SendBroadcast delivers payload to target, or to everyone else when
// target is empty or "*".
func (c *Client) SendBroadcast(_ context.Context, payload []byte, target string) error {
	to := domain.ParticipantID(target)
	if to == "" {
		to = wire.AllParticipants
	}
	return c.send(wire.Broadcast{Type: wire.TypeBroadcast, Target: to, Payload: payload})
}

func (c *Client) SetLocalAudio(enabled bool) error {
	return c.setLocal(device.KindAudio, enabled)
}

func (c *Client) SetLocalVideo(enabled bool) error {
	return c.setLocal(device.KindVideo, enabled)
}

func (c *Client) setLocal(kind device.Kind, enabled bool) error {
	c.mu.Lock()
	if kind == device.KindAudio {
		c.audio = enabled
	} else {
		c.video = enabled
	}
	audio, video := c.audio, c.video
	l, m := c.link, c.media
	c.mu.Unlock()
	if l == nil {
		if enabled {
			return ErrNotConnected
		}
		return nil
	}
	if m != nil && enabled {
		m.enable(kind)
	}
	return c.send(wire.TrackState{Type: wire.TypeTrackState, Audio: audio, Video: video})
}

// SwitchDevice swaps the capture device of kind without renegotiating.
func (c *Client) SwitchDevice(ctx context.Context, kind device.Kind, deviceID string) error {
	c.mu.Lock()
	if kind == device.KindAudio {
		c.selection.AudioDeviceID = deviceID
	} else {
		c.selection.VideoDeviceID = deviceID
	}
	m := c.media
	c.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.switchDevice(ctx, kind, deviceID)
}

func (c *Client) UpdatePermissions(_ context.Context, pid domain.ParticipantID, caps domain.Capabilities) error {
	return c.send(wire.UpdatePermissions{Type: wire.TypeUpdatePermissions, Participant: pid, CanSend: caps.CanSend, CanAdmin: caps.CanAdmin})
}

func (c *Client) Admit(_ context.Context, pid domain.ParticipantID, granted bool) error {
	return c.send(wire.Admit{Type: wire.TypeAdmit, Participant: pid, Granted: granted})
}

func (c *Client) Mute(_ context.Context, pid domain.ParticipantID) error {
	return c.send(wire.Mute{Type: wire.TypeMute, Participant: pid})
}

func (c *Client) StartRecording(context.Context) error {
	return c.send(wire.Simple{Type: wire.TypeStartRecording})
}

func (c *Client) StopRecording(context.Context) error {
	return c.send(wire.Simple{Type: wire.TypeStopRecording})
}
