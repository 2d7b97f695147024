// Package ports defines the interfaces between the call core and its
// infrastructure: the peer connection, media hardware, the signaling channel
// and the rendering sinks. Implementations live under internal/session,
// internal/media, internal/signaling and the embedding application; tests
// substitute fakes.
package ports

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"callnet/internal/core/domain"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// LocalTrack is one captured hardware track. Stop releases the underlying
// device grant; a stopped track cannot be restarted, a fresh one must be
// acquired.
type LocalTrack interface {
	ID() string
	Kind() TrackKind
	// RTCTrack exposes the track for attachment to a peer connection.
	RTCTrack() webrtc.TrackLocal
	Stop() error
}

// RemoteTrack is a track received from the remote peer.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	SSRC() uint32
	// ReadRTP blocks until the next packet arrives or the peer connection
	// closes.
	ReadRTP() (*rtp.Packet, error)
}

// TrackSender is the sending half of one attached local track.
// ReplaceTrack(nil) pauses transmission without touching the track itself;
// replacing with a track resumes or swaps it without renegotiation.
type TrackSender interface {
	Kind() TrackKind
	ReplaceTrack(LocalTrack) error
}

// PeerLink wraps one peer connection for the lifetime of a single call
// session.
type PeerLink interface {
	AddTrack(LocalTrack) (TrackSender, error)
	RemoveTrack(TrackSender) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))

	// RequestKeyFrame asks the remote sender for a full frame (PLI).
	RequestKeyFrame(ssrc uint32) error

	Close() error
}

// MediaDevices acquires local capture hardware. The returned tracks hold the
// device grant until stopped. Acquisition failure (permission, missing or
// busy device) is reported as an error wrapping domain.ErrCaptureDenied or
// domain.ErrCaptureUnavailable.
type MediaDevices interface {
	Acquire(ctx context.Context, wantAudio, wantVideo bool) ([]LocalTrack, error)
}

// SignalChannel is the controller's handle on the signaling transport.
// Bind installs the inbound envelope handler; Close detaches any reconnect
// behavior before closing the underlying connection.
type SignalChannel interface {
	Send(domain.Envelope) error
	Bind(func(domain.Envelope))
	Close() error
}

// AudioSink and VideoSink are the rendering surfaces a presentation adapter
// feeds remote media into.
type AudioSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type VideoSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// VideoSurface renders the local camera preview. Detach is called when video
// is toggled off or the session ends.
type VideoSurface interface {
	Attach(LocalTrack)
	Detach()
}
