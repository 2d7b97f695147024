package view

import "context"

// VideoCall is the camera-and-microphone surface. On top of the audio
// surface it renders remote video, shows a local preview and can toggle the
// camera off entirely (the device grant is released, not just paused).
type VideoCall struct {
	*call
}

// StartVideoCall acquires camera and microphone and begins the session. With
// Options.StartVideoOff only the microphone is acquired; ToggleVideo brings
// the camera up later.
func StartVideoCall(ctx context.Context, opts Options) (*VideoCall, error) {
	c, err := start(ctx, opts, true)
	if err != nil {
		return nil, err
	}
	return &VideoCall{call: c}, nil
}

// ToggleVideo turns the camera off or back on, reporting whether video is
// now off. Turning it back on acquires a fresh camera track.
func (v *VideoCall) ToggleVideo(ctx context.Context) (bool, error) {
	return v.ctrl.ToggleVideo(ctx)
}
