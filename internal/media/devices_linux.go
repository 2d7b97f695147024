//go:build linux && cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// Devices captures camera and microphone through pion/mediadevices.
type Devices struct {
	log      *zap.SugaredLogger
	selector *mediadevices.CodecSelector
	api      *webrtc.API
}

// NewDevices builds the VP8+Opus capture pipeline and the matching API.
func NewDevices(logger *zap.SugaredLogger) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	api, err := newAPI(func(engine *webrtc.MediaEngine) error {
		selector.Populate(engine)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Devices{log: logger, selector: selector, api: api}, nil
}

// API returns the webrtc API whose media engine matches the capture codecs.
func (d *Devices) API() *webrtc.API { return d.api }

// Acquire opens the requested devices. Each returned track holds its device
// grant until stopped.
func (d *Devices) Acquire(ctx context.Context, wantAudio, wantVideo bool) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !wantAudio && !wantVideo {
		return nil, nil
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap resolution to keep VP8 encoding latency down.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if wantAudio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCaptureDenied, err)
	}

	raw := stream.GetTracks()
	tracks := make([]ports.LocalTrack, 0, len(raw))
	for _, t := range raw {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				d.log.Warnw("local track ended", "track_id", track.ID(), "error", err)
			}
		})
		tracks = append(tracks, &localTrack{t: track})
		d.log.Infow("device track acquired", "track_id", track.ID(), "kind", track.Kind())
	}
	return tracks, nil
}

// localTrack wraps one mediadevices capture track. Close releases the device
// grant (the camera light goes out); a closed track cannot be reused.
type localTrack struct {
	t mediadevices.Track
}

func (l *localTrack) ID() string { return l.t.ID() }

func (l *localTrack) Kind() ports.TrackKind {
	if l.t.Kind() == webrtc.RTPCodecTypeAudio {
		return ports.TrackAudio
	}
	return ports.TrackVideo
}

func (l *localTrack) RTCTrack() webrtc.TrackLocal { return l.t }

func (l *localTrack) Stop() error { return l.t.Close() }
