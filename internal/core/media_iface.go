package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection is the server half of one participant's peer connection.
// The relay attaches out-tracks to it; the signal controller negotiates it.
type MediaConnection interface {
	// Start wires the pion callbacks; the connection closes with ctx.
	Start(ctx context.Context) error
	Close()
	IsClosed() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	// ApplyOfferAndCreateAnswer answers a participant offer. The server
	// never offers; it sends a renegotiate request instead.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack fires for every published participant track.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// AddLocalTrack attaches a relay out-track.
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
	// OnClosed runs once, after the connection has failed or been closed.
	OnClosed(func())
}
