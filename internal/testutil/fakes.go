// Package testutil provides in-memory fakes for the call core's ports so
// controller and surface behavior can be tested without hardware, a network
// or a real peer connection.
package testutil

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// FakeLocalTrack stands in for a captured device track.
type FakeLocalTrack struct {
	TrackID   string
	TrackKind ports.TrackKind

	mu      sync.Mutex
	stopped bool
}

func NewFakeLocalTrack(id string, kind ports.TrackKind) *FakeLocalTrack {
	return &FakeLocalTrack{TrackID: id, TrackKind: kind}
}

func (t *FakeLocalTrack) ID() string                  { return t.TrackID }
func (t *FakeLocalTrack) Kind() ports.TrackKind       { return t.TrackKind }
func (t *FakeLocalTrack) RTCTrack() webrtc.TrackLocal { return nil }

func (t *FakeLocalTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

// Stopped reports whether the device grant was released.
func (t *FakeLocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// FakeSender records every ReplaceTrack call.
type FakeSender struct {
	TrackKind ports.TrackKind

	mu       sync.Mutex
	current  ports.LocalTrack
	replaced []ports.LocalTrack
}

func (s *FakeSender) Kind() ports.TrackKind { return s.TrackKind }

func (s *FakeSender) ReplaceTrack(t ports.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = t
	s.replaced = append(s.replaced, t)
	return nil
}

// Current returns the track currently transmitting, nil when paused.
func (s *FakeSender) Current() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replacements returns the ReplaceTrack history.
func (s *FakeSender) Replacements() []ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.LocalTrack, len(s.replaced))
	copy(out, s.replaced)
	return out
}

// FakeLink is an in-memory PeerLink. Descriptions are canned, candidates and
// senders are recorded, and tests emit inbound candidates and tracks through
// the Emit helpers.
type FakeLink struct {
	OfferErr     error
	AnswerErr    error
	SetRemoteErr error

	mu          sync.Mutex
	addTrackErr error
	senders     []*FakeSender
	removed     []*FakeSender
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	offerCount  int
	answerCount int
	keyFrames   []uint32
	closed      bool
	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(ports.RemoteTrack)
}

func NewFakeLink() *FakeLink { return &FakeLink{} }

func (l *FakeLink) AddTrack(t ports.LocalTrack) (ports.TrackSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addTrackErr != nil {
		return nil, l.addTrackErr
	}
	s := &FakeSender{TrackKind: t.Kind(), current: t}
	l.senders = append(l.senders, s)
	return s, nil
}

// FailAddTrack makes subsequent AddTrack calls fail with err; nil restores
// normal behavior.
func (l *FakeLink) FailAddTrack(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addTrackErr = err
}

func (l *FakeLink) RemoveTrack(s ports.TrackSender) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fs := s.(*FakeSender)
	l.removed = append(l.removed, fs)
	for i, cur := range l.senders {
		if cur == fs {
			l.senders = append(l.senders[:i], l.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (l *FakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.OfferErr != nil {
		return webrtc.SessionDescription{}, l.OfferErr
	}
	l.offerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (l *FakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AnswerErr != nil {
		return webrtc.SessionDescription{}, l.AnswerErr
	}
	l.answerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (l *FakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localDesc = &desc
	return nil
}

func (l *FakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SetRemoteErr != nil {
		return l.SetRemoteErr
	}
	l.remoteDesc = &desc
	return nil
}

func (l *FakeLink) AddICECandidate(init webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, init)
	return nil
}

func (l *FakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICE = fn
}

func (l *FakeLink) OnTrack(fn func(ports.RemoteTrack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *FakeLink) RequestKeyFrame(ssrc uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyFrames = append(l.keyFrames, ssrc)
	return nil
}

func (l *FakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// EmitCandidate simulates local ICE gathering producing a candidate.
func (l *FakeLink) EmitCandidate(init webrtc.ICECandidateInit) {
	l.mu.Lock()
	fn := l.onICE
	l.mu.Unlock()
	if fn != nil {
		fn(init)
	}
}

// EmitTrack simulates the remote peer's media arriving.
func (l *FakeLink) EmitTrack(t ports.RemoteTrack) {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (l *FakeLink) Senders() []*FakeSender {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*FakeSender, len(l.senders))
	copy(out, l.senders)
	return out
}

// SenderOf returns the live sender for a kind, or nil.
func (l *FakeLink) SenderOf(kind ports.TrackKind) *FakeSender {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.senders {
		if s.TrackKind == kind {
			return s
		}
	}
	return nil
}

func (l *FakeLink) Removed() []*FakeSender {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*FakeSender, len(l.removed))
	copy(out, l.removed)
	return out
}

func (l *FakeLink) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localDesc
}

func (l *FakeLink) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDesc
}

func (l *FakeLink) Candidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *FakeLink) OfferCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offerCount
}

func (l *FakeLink) AnswerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answerCount
}

// KeyFrames returns the SSRCs that key frames were requested for.
func (l *FakeLink) KeyFrames() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint32, len(l.keyFrames))
	copy(out, l.keyFrames)
	return out
}

func (l *FakeLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// FakeDevices hands out fake tracks, optionally failing or blocking until
// released so tests can end a session mid-acquisition.
type FakeDevices struct {
	Err error
	// Gate, when non-nil, blocks Acquire until the channel is closed.
	Gate chan struct{}

	mu       sync.Mutex
	acquired [][]ports.LocalTrack
	counter  int
}

func NewFakeDevices() *FakeDevices { return &FakeDevices{} }

func (d *FakeDevices) Acquire(ctx context.Context, wantAudio, wantVideo bool) ([]ports.LocalTrack, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var tracks []ports.LocalTrack
	if wantAudio {
		d.counter++
		tracks = append(tracks, NewFakeLocalTrack(name("audio", d.counter), ports.TrackAudio))
	}
	if wantVideo {
		d.counter++
		tracks = append(tracks, NewFakeLocalTrack(name("video", d.counter), ports.TrackVideo))
	}
	d.acquired = append(d.acquired, tracks)
	return tracks, nil
}

func name(kind string, n int) string {
	return kind + "-" + string(rune('0'+n%10)) + "-" + time.Now().Format("150405.000")
}

// Acquired returns every track handed out, in acquisition order.
func (d *FakeDevices) Acquired() []ports.LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []ports.LocalTrack
	for _, batch := range d.acquired {
		out = append(out, batch...)
	}
	return out
}

// FakeChannel is an in-memory SignalChannel. Outbound envelopes are recorded;
// tests deliver inbound envelopes with Deliver.
type FakeChannel struct {
	SendErr error

	mu      sync.Mutex
	sent    []domain.Envelope
	handler func(domain.Envelope)
	closed  bool
}

func NewFakeChannel() *FakeChannel { return &FakeChannel{} }

func (c *FakeChannel) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *FakeChannel) Bind(h func(domain.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Deliver hands an inbound envelope to the bound handler.
func (c *FakeChannel) Deliver(env domain.Envelope) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (c *FakeChannel) Sent() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentKinds returns the kinds of all sent envelopes, in order.
func (c *FakeChannel) SentKinds() []domain.EnvelopeKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]domain.EnvelopeKind, 0, len(c.sent))
	for _, env := range c.sent {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func (c *FakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeRemoteTrack feeds packets from a channel; closing it ends ReadRTP with
// io.EOF, like a closed peer connection.
type FakeRemoteTrack struct {
	TrackID   string
	TrackKind ports.TrackKind
	TrackSSRC uint32
	Packets   chan *rtp.Packet
}

func NewFakeRemoteTrack(id string, kind ports.TrackKind, ssrc uint32) *FakeRemoteTrack {
	return &FakeRemoteTrack{TrackID: id, TrackKind: kind, TrackSSRC: ssrc, Packets: make(chan *rtp.Packet, 16)}
}

func (t *FakeRemoteTrack) ID() string            { return t.TrackID }
func (t *FakeRemoteTrack) Kind() ports.TrackKind { return t.TrackKind }
func (t *FakeRemoteTrack) SSRC() uint32          { return t.TrackSSRC }

func (t *FakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.Packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// FakeSink records written packets; serves as both audio and video sink.
type FakeSink struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	closed  bool
}

func NewFakeSink() *FakeSink { return &FakeSink{} }

func (s *FakeSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *FakeSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// FakeSurface records preview attach/detach calls.
type FakeSurface struct {
	mu       sync.Mutex
	attached ports.LocalTrack
	detaches int
}

func NewFakeSurface() *FakeSurface { return &FakeSurface{} }

func (s *FakeSurface) Attach(t ports.LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = t
}

func (s *FakeSurface) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = nil
	s.detaches++
}

func (s *FakeSurface) Attached() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

func (s *FakeSurface) Detaches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detaches
}
