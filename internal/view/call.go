// Package view provides the call presentation adapters: thin facades that
// assemble a session controller with capture hardware, a supervised signaling
// channel and the rendering sinks, and translate user intents into controller
// operations.
package view

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/internal/media"
	"callnet/internal/session"
	"callnet/internal/signaling"
)

// Options configures a call surface.
type Options struct {
	Self   domain.ParticipantID
	Remote domain.ParticipantID
	Role   session.Role

	SignalingURL   string
	ReconnectDelay time.Duration
	DialAttempts   int
	STUNServers    []string

	AudioSink ports.AudioSink
	// VideoSink, Preview and StartVideoOff are only consulted by the video
	// surface. StartVideoOff joins with the camera off; the first video
	// toggle acquires it.
	VideoSink     ports.VideoSink
	Preview       ports.VideoSurface
	StartVideoOff bool

	// OnState receives every session snapshot, for rendering.
	OnState func(domain.SessionSnapshot)

	Logger *zap.SugaredLogger
}

// call is the shared wiring behind both surfaces.
type call struct {
	ctrl *session.Controller
	sup  *signaling.Supervisor
	log  *zap.SugaredLogger

	audioSink ports.AudioSink
	videoSink ports.VideoSink
	preview   ports.VideoSurface
}

func start(ctx context.Context, opts Options, wantVideo bool) (*call, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.DialAttempts <= 0 {
		opts.DialAttempts = 1
	}

	devices, err := media.NewDevices(opts.Logger)
	if err != nil {
		return nil, err
	}

	c := &call{
		log:       opts.Logger,
		audioSink: opts.AudioSink,
		videoSink: opts.VideoSink,
		preview:   opts.Preview,
	}

	dial := func(ctx context.Context) (*signaling.Channel, error) {
		return signaling.Dial(ctx, opts.SignalingURL, opts.Self, opts.Logger)
	}
	c.sup = signaling.NewSupervisor(dial, opts.ReconnectDelay, opts.DialAttempts, opts.Logger,
		func(err error) {
			if c.ctrl != nil {
				c.ctrl.NoteError(err)
			}
		})

	iceServers := make([]webrtc.ICEServer, 0, len(opts.STUNServers))
	for _, u := range opts.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	ctrl, err := session.New(session.Config{
		Self:          opts.Self,
		Remote:        opts.Remote,
		Role:          opts.Role,
		WantVideo:     wantVideo,
		StartVideoOff: wantVideo && opts.StartVideoOff,
		Devices:       devices,
		Channel:       c.sup,
		NewLink: func() (ports.PeerLink, error) {
			return session.NewPeerLink(devices.API(), webrtc.Configuration{ICEServers: iceServers})
		},
		Logger: opts.Logger,
		Hooks: session.Hooks{
			OnSnapshot:    opts.OnState,
			OnRemoteTrack: c.remoteTrack,
			OnLocalVideo:  c.localVideo,
			OnEnded:       c.closeSinks,
		},
	})
	if err != nil {
		return nil, err
	}
	c.ctrl = ctrl

	if err := c.sup.Start(ctx); err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		c.sup.Close()
		return nil, err
	}
	return c, nil
}

// remoteTrack pumps one incoming track into the matching sink until the track
// or the sink goes away.
func (c *call) remoteTrack(t ports.RemoteTrack) {
	go func() {
		for {
			pkt, err := t.ReadRTP()
			if err != nil {
				return
			}
			var writeErr error
			switch t.Kind() {
			case ports.TrackAudio:
				if c.audioSink != nil {
					writeErr = c.audioSink.WriteRTP(pkt)
				}
			case ports.TrackVideo:
				if c.videoSink != nil {
					writeErr = c.videoSink.WriteRTP(pkt)
				}
			}
			if writeErr != nil {
				c.log.Warnw("sink write failed", "kind", t.Kind(), "error", writeErr)
				return
			}
		}
	}()
}

func (c *call) localVideo(t ports.LocalTrack) {
	if c.preview == nil {
		return
	}
	if t == nil {
		c.preview.Detach()
		return
	}
	c.preview.Attach(t)
}

func (c *call) closeSinks() {
	if c.audioSink != nil {
		c.audioSink.Close()
	}
	if c.videoSink != nil {
		c.videoSink.Close()
	}
}

func (c *call) Snapshot() domain.SessionSnapshot { return c.ctrl.Snapshot() }
func (c *call) Done() <-chan struct{}            { return c.ctrl.Done() }

// HangUp ends the session. Safe to call any number of times.
func (c *call) HangUp() { c.ctrl.End() }

// ToggleMute flips microphone transmission, reporting the new muted state.
func (c *call) ToggleMute() (bool, error) { return c.ctrl.ToggleMute() }
