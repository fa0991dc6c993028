package broker

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/webrtcpeer"
)

// Session is one transport session as the Broker sees it.
type Session interface {
	ID() string
	Negotiate(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(webrtc.ICECandidateInit) error
	// ReleaseCandidates lets held local candidates through to the callbacks.
	ReleaseCandidates()
	AttachMedia(*webrtcpeer.Media) error
	Close() error
}

// Factory creates transport sessions. It must not retain them.
type Factory interface {
	NewReceiveSession(participantID string, cb webrtcpeer.Callbacks) (Session, error)
	NewSendSession(sourceID, destinationID string, cb webrtcpeer.Callbacks) (Session, error)
}

type webrtcFactory struct {
	f *webrtcpeer.Factory
}

// WebRTCFactory adapts a pion-backed session factory.
func WebRTCFactory(f *webrtcpeer.Factory) Factory {
	return webrtcFactory{f: f}
}

func (w webrtcFactory) NewReceiveSession(participantID string, cb webrtcpeer.Callbacks) (Session, error) {
	s, err := w.f.NewReceiveSession(participantID, cb)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (w webrtcFactory) NewSendSession(sourceID, destinationID string, cb webrtcpeer.Callbacks) (Session, error) {
	s, err := w.f.NewSendSession(sourceID, destinationID, cb)
	if err != nil {
		return nil, err
	}
	return s, nil
}
