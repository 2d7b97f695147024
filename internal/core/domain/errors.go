package domain

import "errors"

var (
	ErrEmptyTarget        = errors.New("target identifier must not be empty")
	ErrCaptureDenied      = errors.New("media capture denied")
	ErrCaptureUnavailable = errors.New("media capture not available on this platform")
	ErrSessionEnded       = errors.New("session already ended")
	ErrChannelClosed      = errors.New("signaling channel closed")
	ErrPayloadKind        = errors.New("envelope payload kind mismatch")
)
