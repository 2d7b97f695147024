package view

import "context"

// AudioCall is the voice-only surface: microphone capture, remote audio
// rendering, mute and hang-up. No camera is ever requested.
type AudioCall struct {
	*call
}

// StartAudioCall acquires the microphone and begins the session.
func StartAudioCall(ctx context.Context, opts Options) (*AudioCall, error) {
	c, err := start(ctx, opts, false)
	if err != nil {
		return nil, err
	}
	return &AudioCall{call: c}, nil
}
