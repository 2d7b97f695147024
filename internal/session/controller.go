// Package session implements the peer session controller: one call between a
// local and a remote participant, driven from media acquisition through
// negotiation to teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// Role says which side initiates negotiation.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Hooks are the controller's outbound notifications. They are invoked from
// the controller's own goroutine, so implementations must not call back into
// the controller synchronously.
type Hooks struct {
	// OnSnapshot fires after every observable state change.
	OnSnapshot func(domain.SessionSnapshot)
	// OnRemoteTrack fires once per incoming track.
	OnRemoteTrack func(ports.RemoteTrack)
	// OnLocalVideo fires with the live local video track, and with nil when
	// local video goes away (toggle off or teardown).
	OnLocalVideo func(ports.LocalTrack)
	// OnEnded fires exactly once, after teardown completes.
	OnEnded func()
}

// Config assembles a controller.
type Config struct {
	Self      domain.ParticipantID
	Remote    domain.ParticipantID
	Role      Role
	WantVideo bool
	// StartVideoOff begins a video-capable session with the camera off: only
	// the microphone is acquired up front and the first video toggle acquires
	// the camera.
	StartVideoOff bool

	Devices ports.MediaDevices
	Channel ports.SignalChannel
	NewLink func() (ports.PeerLink, error)

	// KeyFrameInterval is how often a PLI is sent per remote video track.
	KeyFrameInterval time.Duration

	Logger *zap.SugaredLogger
	Hooks  Hooks
}

// Controller runs one call session. All state lives on a single event loop:
// API methods, signaling envelopes and peer connection callbacks are posted
// as events and handled one at a time, so no handler ever observes another
// handler mid-flight.
type Controller struct {
	cfg Config
	log *zap.SugaredLogger
	id  string

	postMu sync.Mutex
	closed bool
	events chan func()
	done   chan struct{}

	// Everything below is owned by the event loop.
	phase       domain.Phase
	link        ports.PeerLink
	audio       ports.LocalTrack
	video       ports.LocalTrack
	audioSender ports.TrackSender
	videoSender ports.TrackSender
	muted       bool
	videoOff    bool
	offerSent   bool
	remoteSet   bool
	lastErr     string

	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	snapshot atomic.Value
}

// New validates the configuration and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Remote == "" {
		return nil, domain.ErrEmptyTarget
	}
	if cfg.Devices == nil || cfg.Channel == nil || cfg.NewLink == nil {
		return nil, errors.New("session: devices, channel and link factory are required")
	}
	if cfg.KeyFrameInterval <= 0 {
		cfg.KeyFrameInterval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	c := &Controller{
		cfg:      cfg,
		id:       uuid.NewString(),
		events:   make(chan func(), 32),
		done:     make(chan struct{}),
		phase:    domain.PhaseIdle,
		videoOff: cfg.WantVideo && cfg.StartVideoOff,
	}
	c.log = cfg.Logger.With("session_id", c.id, "remote", cfg.Remote)
	c.publish()
	return c, nil
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Done is closed once the session reaches its terminal phase.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the latest published state. Safe from any goroutine.
func (c *Controller) Snapshot() domain.SessionSnapshot {
	return c.snapshot.Load().(domain.SessionSnapshot)
}

// post queues an event for the loop. It reports false when the session has
// already ended and the event was discarded; an accepted event always runs,
// because the loop drains the queue during teardown.
func (c *Controller) post(fn func()) bool {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	if c.closed {
		return false
	}
	c.events <- fn
	return true
}

// do runs fn on the loop and waits for it. False means the session ended.
func (c *Controller) do(fn func()) bool {
	ran := make(chan struct{})
	if !c.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	<-ran
	return true
}

// Start opens the peer link, begins media acquisition and starts the event
// loop. The context bounds media acquisition and any video re-acquisition.
func (c *Controller) Start(ctx context.Context) error {
	link, err := c.cfg.NewLink()
	if err != nil {
		return err
	}
	c.link = link

	link.OnICECandidate(func(init webrtc.ICECandidateInit) {
		c.post(func() { c.sendCandidate(init) })
	})
	link.OnTrack(func(t ports.RemoteTrack) {
		c.post(func() { c.remoteTrackArrived(t) })
	})
	c.cfg.Channel.Bind(func(env domain.Envelope) {
		c.post(func() { c.handleEnvelope(env) })
	})

	go c.loop()

	c.post(func() {
		c.phase = domain.PhaseAcquiringMedia
		c.publish()
		c.acquire(ctx, true, c.cfg.WantVideo && !c.videoOff, c.mediaReady)
	})
	return nil
}

func (c *Controller) loop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			// Drain events queued before the terminal transition; their
			// handlers see PhaseEnded and release whatever they carry.
			for {
				select {
				case fn := <-c.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// acquire runs device acquisition off the loop and posts the result back.
// If the session ends while acquisition is in flight, the late tracks are
// stopped so no device grant outlives the call.
func (c *Controller) acquire(ctx context.Context, wantAudio, wantVideo bool, deliver func([]ports.LocalTrack, error)) {
	go func() {
		tracks, err := c.cfg.Devices.Acquire(ctx, wantAudio, wantVideo)
		if !c.post(func() { deliver(tracks, err) }) {
			stopTracks(tracks)
		}
	}()
}

func stopTracks(tracks []ports.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

func (c *Controller) mediaReady(tracks []ports.LocalTrack, err error) {
	if c.phase == domain.PhaseEnded {
		stopTracks(tracks)
		return
	}
	if err != nil {
		// The session stays in acquiring-media; nothing was attached and
		// nothing needs tearing down.
		c.surface("could not access microphone or camera", err)
		return
	}

	for _, t := range tracks {
		sender, addErr := c.link.AddTrack(t)
		if addErr != nil {
			c.log.Errorw("attach track failed", "kind", t.Kind(), "error", addErr)
			t.Stop()
			continue
		}
		switch t.Kind() {
		case ports.TrackAudio:
			c.audio, c.audioSender = t, sender
		case ports.TrackVideo:
			c.video, c.videoSender = t, sender
			if c.cfg.Hooks.OnLocalVideo != nil {
				c.cfg.Hooks.OnLocalVideo(t)
			}
		}
	}
	if c.muted && c.audioSender != nil {
		c.audioSender.ReplaceTrack(nil)
	}

	c.phase = domain.PhaseNegotiating
	c.publish()

	switch c.cfg.Role {
	case RoleCaller:
		c.sendOffer()
	default:
		if c.pendingOffer != nil {
			desc := *c.pendingOffer
			c.pendingOffer = nil
			c.answer(desc)
		}
	}
}

// sendOffer creates and sends the session's one and only offer.
func (c *Controller) sendOffer() {
	if c.offerSent {
		return
	}
	desc, err := c.link.CreateOffer()
	if err != nil {
		c.surface("could not start the call", err)
		return
	}
	if err := c.link.SetLocalDescription(desc); err != nil {
		c.surface("could not start the call", err)
		return
	}
	env, err := domain.NewOffer(c.cfg.Self, c.cfg.Remote, desc)
	if err != nil {
		c.surface("could not start the call", err)
		return
	}
	if err := c.cfg.Channel.Send(env); err != nil {
		c.surface("could not reach the other participant", err)
		return
	}
	c.offerSent = true
	c.log.Infow("offer sent")
}

func (c *Controller) handleEnvelope(env domain.Envelope) {
	if c.phase == domain.PhaseEnded {
		return
	}
	// Envelopes from anyone but the session's remote are not part of this
	// call.
	if env.From != "" && env.From != c.cfg.Remote {
		c.log.Warnw("envelope from unexpected participant ignored", "from", env.From)
		return
	}

	switch env.Kind {
	case domain.KindOffer:
		c.handleOffer(env)
	case domain.KindAnswer:
		c.handleAnswer(env)
	case domain.KindICECandidate:
		c.handleCandidate(env)
	default:
		c.log.Debugw("unhandled envelope", "type", env.Kind)
	}
}

func (c *Controller) handleOffer(env domain.Envelope) {
	desc, err := env.SessionDescription()
	if err != nil {
		c.log.Warnw("bad offer payload", "error", err)
		return
	}
	if c.phase == domain.PhaseAcquiringMedia {
		// Hold the offer until local media is attached so the answer
		// advertises our tracks.
		c.pendingOffer = &desc
		return
	}
	c.answer(desc)
}

func (c *Controller) answer(remote webrtc.SessionDescription) {
	if err := c.link.SetRemoteDescription(remote); err != nil {
		c.surface("could not accept the call", err)
		return
	}
	c.remoteApplied()

	desc, err := c.link.CreateAnswer()
	if err != nil {
		c.surface("could not accept the call", err)
		return
	}
	if err := c.link.SetLocalDescription(desc); err != nil {
		c.surface("could not accept the call", err)
		return
	}
	env, err := domain.NewAnswer(c.cfg.Self, c.cfg.Remote, desc)
	if err != nil {
		c.surface("could not accept the call", err)
		return
	}
	if err := c.cfg.Channel.Send(env); err != nil {
		c.surface("could not reach the other participant", err)
		return
	}
	c.log.Infow("answer sent")
}

func (c *Controller) handleAnswer(env domain.Envelope) {
	if !c.offerSent {
		c.log.Warnw("answer without outstanding offer ignored")
		return
	}
	if c.remoteSet {
		c.log.Debugw("duplicate answer ignored")
		return
	}
	desc, err := env.SessionDescription()
	if err != nil {
		c.log.Warnw("bad answer payload", "error", err)
		return
	}
	if err := c.link.SetRemoteDescription(desc); err != nil {
		c.surface("could not complete the call", err)
		return
	}
	c.remoteApplied()
	c.log.Infow("answer applied")
}

// remoteApplied flushes candidates that arrived before the remote
// description.
func (c *Controller) remoteApplied() {
	c.remoteSet = true
	for _, init := range c.pendingCandidates {
		if err := c.link.AddICECandidate(init); err != nil {
			c.log.Warnw("queued candidate rejected", "error", err)
		}
	}
	c.pendingCandidates = nil
}

func (c *Controller) handleCandidate(env domain.Envelope) {
	init, err := env.Candidate()
	if err != nil {
		c.log.Warnw("bad candidate payload", "error", err)
		return
	}
	if !c.remoteSet {
		c.pendingCandidates = append(c.pendingCandidates, init)
		return
	}
	if err := c.link.AddICECandidate(init); err != nil {
		// A rejected candidate is not fatal; the pair may still connect.
		c.log.Warnw("candidate rejected", "error", err)
	}
}

func (c *Controller) sendCandidate(init webrtc.ICECandidateInit) {
	if c.phase == domain.PhaseEnded {
		return
	}
	env, err := domain.NewCandidate(c.cfg.Self, c.cfg.Remote, init)
	if err != nil {
		c.log.Warnw("encode candidate failed", "error", err)
		return
	}
	if err := c.cfg.Channel.Send(env); err != nil {
		c.log.Warnw("send candidate failed", "error", err)
	}
}

func (c *Controller) remoteTrackArrived(t ports.RemoteTrack) {
	if c.phase == domain.PhaseEnded {
		return
	}
	c.log.Infow("remote track", "kind", t.Kind(), "track_id", t.ID())
	if c.phase != domain.PhaseConnected {
		c.phase = domain.PhaseConnected
		c.publish()
	}
	if t.Kind() == ports.TrackVideo {
		go c.keyFrameLoop(t.SSRC())
	}
	if c.cfg.Hooks.OnRemoteTrack != nil {
		c.cfg.Hooks.OnRemoteTrack(t)
	}
}

// keyFrameLoop periodically asks the remote sender for a full frame so a
// receiver joining mid-stream does not wait on the next natural key frame.
func (c *Controller) keyFrameLoop(ssrc uint32) {
	ticker := time.NewTicker(c.cfg.KeyFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.link.RequestKeyFrame(ssrc); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ToggleMute flips audio transmission without touching the microphone grant.
// It returns the new muted state, or ErrSessionEnded after teardown.
func (c *Controller) ToggleMute() (bool, error) {
	var muted bool
	ok := c.do(func() {
		if c.phase == domain.PhaseEnded {
			return
		}
		c.muted = !c.muted
		if c.audioSender != nil {
			var err error
			if c.muted {
				err = c.audioSender.ReplaceTrack(nil)
			} else {
				err = c.audioSender.ReplaceTrack(c.audio)
			}
			if err != nil {
				c.log.Warnw("mute toggle failed", "error", err)
				c.muted = !c.muted
			}
		}
		muted = c.muted
		c.publish()
	})
	if !ok {
		return false, domain.ErrSessionEnded
	}
	return muted, nil
}

// ToggleVideo turns the camera off by detaching and stopping the track (the
// device light goes out), or back on by acquiring a fresh track. The new
// track has a new identity; re-enable is acquisition, not resumption.
func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	var toggleErr error
	ok := c.do(func() {
		if c.phase == domain.PhaseEnded {
			toggleErr = domain.ErrSessionEnded
			return
		}
		if !c.videoOff {
			if c.videoSender != nil {
				if err := c.link.RemoveTrack(c.videoSender); err != nil {
					c.log.Warnw("detach video failed", "error", err)
				}
				c.videoSender = nil
			}
			if c.video != nil {
				c.video.Stop()
				c.video = nil
			}
			if c.cfg.Hooks.OnLocalVideo != nil {
				c.cfg.Hooks.OnLocalVideo(nil)
			}
			c.videoOff = true
		} else {
			c.videoOff = false
			c.acquire(ctx, false, true, c.videoReacquired)
		}
		off = c.videoOff
		c.publish()
	})
	if !ok {
		return false, domain.ErrSessionEnded
	}
	return off, toggleErr
}

func (c *Controller) videoReacquired(tracks []ports.LocalTrack, err error) {
	if c.phase == domain.PhaseEnded {
		stopTracks(tracks)
		return
	}
	if c.videoOff {
		// Toggled off again while acquisition was in flight.
		stopTracks(tracks)
		return
	}
	if err != nil {
		c.log.Errorw("video reacquisition failed", "error", err)
		c.videoOff = true
		c.lastErr = "could not access camera"
		c.publish()
		return
	}
	for _, t := range tracks {
		if t.Kind() != ports.TrackVideo {
			t.Stop()
			continue
		}
		sender, addErr := c.link.AddTrack(t)
		if addErr != nil {
			c.log.Errorw("attach video failed", "error", addErr)
			t.Stop()
			c.videoOff = true
			c.lastErr = "could not access camera"
			continue
		}
		c.video, c.videoSender = t, sender
		if c.cfg.Hooks.OnLocalVideo != nil {
			c.cfg.Hooks.OnLocalVideo(t)
		}
	}
	c.publish()
}

// NoteError records a non-fatal error for presentation without changing the
// call phase. Used for signaling outages the supervisor is still retrying.
func (c *Controller) NoteError(err error) {
	c.post(func() {
		if c.phase == domain.PhaseEnded {
			return
		}
		c.lastErr = err.Error()
		c.publish()
	})
}

// surface records an error for presentation and leaves the session in its
// current phase. Capture and negotiation failures are not terminal; the user
// decides whether to hang up.
func (c *Controller) surface(msg string, err error) {
	c.lastErr = msg
	c.log.Errorw("session error", "error", err)
	c.publish()
}

// End tears the session down: signaling first so no reconnect fires
// mid-cleanup, then the peer link, then the device grants. Idempotent.
func (c *Controller) End() {
	c.do(c.finish)
}

func (c *Controller) finish() {
	if c.phase == domain.PhaseEnded {
		return
	}
	c.phase = domain.PhaseEnded

	if err := c.cfg.Channel.Close(); err != nil {
		c.log.Debugw("channel close", "error", err)
	}
	if c.link != nil {
		if err := c.link.Close(); err != nil {
			c.log.Debugw("link close", "error", err)
		}
	}
	if c.audio != nil {
		c.audio.Stop()
		c.audio = nil
	}
	if c.video != nil {
		c.video.Stop()
		c.video = nil
	}
	c.audioSender, c.videoSender = nil, nil
	if c.cfg.Hooks.OnLocalVideo != nil {
		c.cfg.Hooks.OnLocalVideo(nil)
	}

	c.publish()
	c.postMu.Lock()
	c.closed = true
	c.postMu.Unlock()
	close(c.done)
	c.log.Infow("session ended")
	if c.cfg.Hooks.OnEnded != nil {
		c.cfg.Hooks.OnEnded()
	}
}

func (c *Controller) publish() {
	snap := domain.SessionSnapshot{
		ID:       c.id,
		Self:     c.cfg.Self,
		Remote:   c.cfg.Remote,
		Phase:    c.phase,
		Muted:    c.muted,
		VideoOff: c.videoOff,
		Err:      c.lastErr,
	}
	c.snapshot.Store(snap)
	if c.cfg.Hooks.OnSnapshot != nil {
		c.cfg.Hooks.OnSnapshot(snap)
	}
}
