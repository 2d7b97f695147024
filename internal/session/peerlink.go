package session

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"callnet/internal/core/ports"
)

// pionLink adapts a webrtc.PeerConnection to the PeerLink port.
type pionLink struct {
	pc *webrtc.PeerConnection
}

// NewPeerLink opens a peer connection through the given API. A nil API uses
// pion's defaults, which is fine for tests but skips the capture codec setup.
func NewPeerLink(api *webrtc.API, cfg webrtc.Configuration) (ports.PeerLink, error) {
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if api != nil {
		pc, err = api.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &pionLink{pc: pc}, nil
}

func (l *pionLink) AddTrack(t ports.LocalTrack) (ports.TrackSender, error) {
	sender, err := l.pc.AddTrack(t.RTCTrack())
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	return &pionSender{kind: t.Kind(), rtp: sender}, nil
}

func (l *pionLink) RemoveTrack(s ports.TrackSender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return fmt.Errorf("sender %T was not created by this link", s)
	}
	return l.pc.RemoveTrack(ps.rtp)
}

func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) AddICECandidate(init webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; there is nothing to send for it.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (l *pionLink) OnTrack(fn func(ports.RemoteTrack)) {
	l.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&pionRemoteTrack{tr: tr})
	})
}

func (l *pionLink) RequestKeyFrame(ssrc uint32) error {
	return l.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

// pionSender wraps one RTPSender. ReplaceTrack(nil) keeps the sender and its
// negotiated m-line alive but transmits nothing.
type pionSender struct {
	kind ports.TrackKind
	rtp  *webrtc.RTPSender
}

func (s *pionSender) Kind() ports.TrackKind { return s.kind }

func (s *pionSender) ReplaceTrack(t ports.LocalTrack) error {
	if t == nil {
		return s.rtp.ReplaceTrack(nil)
	}
	return s.rtp.ReplaceTrack(t.RTCTrack())
}

type pionRemoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string { return t.tr.ID() }

func (t *pionRemoteTrack) Kind() ports.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeAudio {
		return ports.TrackAudio
	}
	return ports.TrackVideo
}

func (t *pionRemoteTrack) SSRC() uint32 { return uint32(t.tr.SSRC()) }

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}
