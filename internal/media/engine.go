// Package media acquires local capture hardware and builds the webrtc API
// used to open peer connections. Capture is only available on Linux (V4L2
// camera, malgo microphone); other platforms get a receive-capable API and an
// Acquire that reports capture as unavailable.
package media

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAPI assembles a webrtc API around a populated media engine. The ICE
// timeouts are far above pion's defaults so a brief NAT or relay hiccup does
// not terminate an established call.
func newAPI(populate func(*webrtc.MediaEngine) error) (*webrtc.API, error) {
	engine := &webrtc.MediaEngine{}
	if err := populate(engine); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(engine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
