//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// Devices on non-Linux platforms cannot capture; sessions run receive-only.
type Devices struct {
	log *zap.SugaredLogger
	api *webrtc.API
}

func NewDevices(logger *zap.SugaredLogger) (*Devices, error) {
	api, err := newAPI(func(engine *webrtc.MediaEngine) error {
		return engine.RegisterDefaultCodecs()
	})
	if err != nil {
		return nil, err
	}
	return &Devices{log: logger, api: api}, nil
}

func (d *Devices) API() *webrtc.API { return d.api }

func (d *Devices) Acquire(ctx context.Context, wantAudio, wantVideo bool) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w (build has no capture drivers)", domain.ErrCaptureUnavailable)
}
