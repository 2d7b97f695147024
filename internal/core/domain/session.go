package domain

// Phase is the lifecycle state of a call session. Ended is terminal; every
// operation on a session checks the current phase before acting.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAcquiringMedia Phase = "acquiring-media"
	PhaseNegotiating    Phase = "negotiating"
	PhaseConnected      Phase = "connected"
	PhaseEnded          Phase = "ended"
)

// SessionSnapshot is the controller state as seen by a presentation surface.
// Err carries the last non-fatal session error as a user-facing message, or
// is empty.
type SessionSnapshot struct {
	ID       string
	Self     ParticipantID
	Remote   ParticipantID
	Phase    Phase
	Muted    bool
	VideoOff bool
	Err      string
}
