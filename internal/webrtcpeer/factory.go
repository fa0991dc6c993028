package webrtcpeer

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/config"
)

type FactoryConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// MaxPendingCandidates bounds remote candidates buffered per session
	// before its remote description is applied.
	MaxPendingCandidates int
	Logger               *slog.Logger
}

// Factory builds receive and send sessions on a shared API. It keeps no
// reference to the sessions it returns.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	maxPending int
	log        *slog.Logger
}

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.API == nil {
		return nil, errors.New("webrtcpeer: nil API")
	}
	maxPending := cfg.MaxPendingCandidates
	if maxPending <= 0 {
		maxPending = config.DefaultMaxPendingCandidates
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		api:        cfg.API,
		iceServers: cfg.ICEServers,
		maxPending: maxPending,
		log:        log.With("component", "webrtcpeer"),
	}, nil
}

// NewReceiveSession creates the session that will carry participantID's media
// into the SFU.
func (f *Factory) NewReceiveSession(participantID string, cb Callbacks) (*Session, error) {
	return newSession(f.api, f.iceServers, RoleReceive, participantID, f.maxPending, cb,
		f.log.With("participant_id", participantID))
}

// NewSendSession creates the session that will carry sourceID's media out to
// destinationID.
func (f *Factory) NewSendSession(sourceID, destinationID string, cb Callbacks) (*Session, error) {
	return newSession(f.api, f.iceServers, RoleSend, sourceID, f.maxPending, cb,
		f.log.With("source_id", sourceID, "destination_id", destinationID))
}
