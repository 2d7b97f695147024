package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// ParticipantID is the opaque string naming one side of a call. It is
// supplied by the calling context and never validated against an identity
// provider here.
type ParticipantID string

// EnvelopeKind identifies the kind of signaling envelope.
type EnvelopeKind string

const (
	KindOffer        EnvelopeKind = "offer"
	KindAnswer       EnvelopeKind = "answer"
	KindICECandidate EnvelopeKind = "ice-candidate"

	// KindConnected is the greeting the relay sends after registering a
	// connection. Clients must not depend on receiving it.
	KindConnected EnvelopeKind = "connected"
)

// Routable reports whether the relay forwards envelopes of this kind.
func (k EnvelopeKind) Routable() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Envelope is the unit of signaling traffic. Data is opaque to the relay;
// only the two endpoints of a call interpret it, and only through the typed
// accessors below so a session description can never be applied as a
// candidate or vice versa.
type Envelope struct {
	Kind    EnvelopeKind    `json:"type"`
	Target  ParticipantID   `json:"target,omitempty"`
	From    ParticipantID   `json:"from,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewOffer builds an offer envelope carrying the given session description.
func NewOffer(from, target ParticipantID, desc webrtc.SessionDescription) (Envelope, error) {
	return newDescriptionEnvelope(KindOffer, from, target, desc)
}

// NewAnswer builds an answer envelope carrying the given session description.
func NewAnswer(from, target ParticipantID, desc webrtc.SessionDescription) (Envelope, error) {
	return newDescriptionEnvelope(KindAnswer, from, target, desc)
}

func newDescriptionEnvelope(kind EnvelopeKind, from, target ParticipantID, desc webrtc.SessionDescription) (Envelope, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode session description: %w", err)
	}
	return Envelope{Kind: kind, From: from, Target: target, Data: data}, nil
}

// NewCandidate builds an ice-candidate envelope.
func NewCandidate(from, target ParticipantID, init webrtc.ICECandidateInit) (Envelope, error) {
	data, err := json.Marshal(init)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode ice candidate: %w", err)
	}
	return Envelope{Kind: KindICECandidate, From: from, Target: target, Data: data}, nil
}

// SessionDescription decodes the payload of an offer or answer envelope.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	if e.Kind != KindOffer && e.Kind != KindAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s envelope has no session description", ErrPayloadKind, e.Kind)
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(e.Data, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	return desc, nil
}

// Candidate decodes the payload of an ice-candidate envelope.
func (e Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	if e.Kind != KindICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %s envelope has no candidate", ErrPayloadKind, e.Kind)
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Data, &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	return init, nil
}
