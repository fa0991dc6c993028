// Package broker owns every transport session of the SFU and keeps them in
// agreement with room membership.
//
// A participant has at most one receive session (its media into the SFU) and
// one send session per other participant it watches. Send sessions are indexed
// by source and by destination so either side's departure finds them in O(1).
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/webrtcpeer"
)

const (
	OpJoinRoom          = "joinRoom"
	OpSenderOffer       = "senderOffer"
	OpSenderCandidate   = "senderCandidate"
	OpReceiverOffer     = "receiverOffer"
	OpReceiverCandidate = "receiverCandidate"
)

// Outbox delivers broker output to participants. Implementations must not
// block and must not call back into the Broker.
type Outbox interface {
	// JoinRoom subscribes participantID's channel to room broadcasts.
	JoinRoom(participantID, room string)
	SenderAnswer(participantID string, answer webrtc.SessionDescription)
	SenderCandidate(participantID string, candidate webrtc.ICECandidateInit)
	ReceiverAnswer(destinationID, sourceID string, answer webrtc.SessionDescription)
	ReceiverCandidate(destinationID, sourceID string, candidate webrtc.ICECandidateInit)
	// ParticipantEntered and ParticipantExited broadcast to everyone in room
	// except participantID.
	ParticipantEntered(room, participantID string)
	ParticipantExited(room, participantID string)
}

type Config struct {
	Factory Factory
	Outbox  Outbox
	Logger  *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type receiveEntry struct {
	participant string
	room        string
	session     Session
	// registered is guarded by Broker.mu.
	registered bool
}

type sendEntry struct {
	source      string
	destination string
	session     Session
}

// Stats is a point-in-time view of the broker's state.
type Stats struct {
	Rooms           int `json:"rooms"`
	Participants    int `json:"participants"`
	ReceiveSessions int `json:"receiveSessions"`
	SendSessions    int `json:"sendSessions"`
}

type Broker struct {
	factory Factory
	outbox  Outbox
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *room.Registry[*webrtcpeer.Media]

	// mu guards the maps below. Lock order is mu, then the registry's lock.
	mu        sync.Mutex
	closed    bool
	receivers map[string]*receiveEntry
	// bySource[src][dst] and byDest[dst][src] hold the same entries.
	bySource map[string]map[string]*sendEntry
	byDest   map[string]map[string]*sendEntry
	// rooms is the participant -> room reverse index.
	rooms map[string]string
}

func New(cfg Config) (*Broker, error) {
	if cfg.Factory == nil {
		return nil, errors.New("broker: nil Factory")
	}
	if cfg.Outbox == nil {
		return nil, errors.New("broker: nil Outbox")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		factory:   cfg.Factory,
		outbox:    cfg.Outbox,
		log:       log.With("component", "broker"),
		metrics:   cfg.Metrics,
		registry:  room.NewRegistry[*webrtcpeer.Media](),
		receivers: make(map[string]*receiveEntry),
		bySource:  make(map[string]map[string]*sendEntry),
		byDest:    make(map[string]map[string]*sendEntry),
		rooms:     make(map[string]string),
	}, nil
}

// teardown is the set of sessions detached under the lock, closed after it is
// released.
type teardown []Session

func (t teardown) close(log *slog.Logger) {
	for _, s := range t {
		if err := s.Close(); err != nil {
			log.Debug("close session", "session_id", s.ID(), "err", err)
		}
	}
}

// OnJoinRoom returns the participants of room whose media is available,
// excluding participantID.
func (b *Broker) OnJoinRoom(participantID, roomID string) ([]string, error) {
	if participantID == "" || roomID == "" {
		return nil, opError(OpJoinRoom, participantID, ErrInvalidArgument)
	}
	return b.registry.ListOthers(roomID, participantID), nil
}

// OnSenderOffer negotiates participantID's receive session, replacing any
// previous one, and hands the answer to the Outbox. The participant is
// registered in room once its media arrives.
func (b *Broker) OnSenderOffer(ctx context.Context, participantID, roomID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if participantID == "" || roomID == "" || offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, opError(OpSenderOffer, participantID, ErrInvalidArgument)
	}

	entry := &receiveEntry{participant: participantID, room: roomID}
	session, err := b.factory.NewReceiveSession(participantID, b.receiveCallbacks(entry))
	if err != nil {
		b.metrics.Inc(metrics.TransportFailure)
		return webrtc.SessionDescription{}, transportError(OpSenderOffer, participantID, err)
	}
	entry.session = session

	stale, err := b.installReceive(entry)
	stale.close(b.log)
	if err != nil {
		_ = session.Close()
		return webrtc.SessionDescription{}, opError(OpSenderOffer, participantID, err)
	}
	b.observe()

	answer, err := session.Negotiate(ctx, offer)
	if err != nil {
		b.dropReceive(entry)
		b.metrics.Inc(metrics.TransportFailure)
		return webrtc.SessionDescription{}, transportError(OpSenderOffer, participantID, err)
	}

	b.outbox.JoinRoom(participantID, roomID)
	b.outbox.SenderAnswer(participantID, answer)
	session.ReleaseCandidates()
	return answer, nil
}

func (b *Broker) installReceive(entry *receiveEntry) (teardown, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	var stale teardown
	if prev, ok := b.rooms[entry.participant]; ok && prev != entry.room {
		stale = b.departLocked(entry.participant)
	} else {
		stale = b.detachSourceLocked(entry.participant)
	}
	if len(stale) > 0 {
		b.metrics.Inc(metrics.SessionReplaced)
	}

	b.receivers[entry.participant] = entry
	b.rooms[entry.participant] = entry.room
	return stale, nil
}

// detachSourceLocked removes participantID's receive session, the send
// sessions carrying its media, and its registration. Its own viewing send
// sessions are kept.
func (b *Broker) detachSourceLocked(participantID string) teardown {
	var out teardown

	if e, ok := b.receivers[participantID]; ok {
		delete(b.receivers, participantID)
		out = append(out, e.session)
		if e.registered && b.registry.Remove(e.room, participantID) {
			b.metrics.Inc(metrics.ParticipantExited)
			b.outbox.ParticipantExited(e.room, participantID)
		}
	}

	for dst, e := range b.bySource[participantID] {
		out = append(out, e.session)
		b.deleteByDestLocked(dst, participantID)
	}
	delete(b.bySource, participantID)
	return out
}

// departLocked removes every trace of participantID and announces its exit to
// the room it was in.
func (b *Broker) departLocked(participantID string) teardown {
	roomID, hadRoom := b.rooms[participantID]
	delete(b.rooms, participantID)
	if hadRoom {
		b.registry.Remove(roomID, participantID)
	}

	var out teardown
	if e, ok := b.receivers[participantID]; ok {
		delete(b.receivers, participantID)
		out = append(out, e.session)
	}
	for dst, e := range b.bySource[participantID] {
		out = append(out, e.session)
		b.deleteByDestLocked(dst, participantID)
	}
	delete(b.bySource, participantID)
	for src, e := range b.byDest[participantID] {
		out = append(out, e.session)
		b.deleteBySourceLocked(src, participantID)
	}
	delete(b.byDest, participantID)

	if hadRoom {
		b.metrics.Inc(metrics.ParticipantExited)
		b.outbox.ParticipantExited(roomID, participantID)
	}
	return out
}

func (b *Broker) deleteByDestLocked(dst, src string) {
	inner := b.byDest[dst]
	delete(inner, src)
	if len(inner) == 0 {
		delete(b.byDest, dst)
	}
}

func (b *Broker) deleteBySourceLocked(src, dst string) {
	inner := b.bySource[src]
	delete(inner, dst)
	if len(inner) == 0 {
		delete(b.bySource, src)
	}
}

func (b *Broker) dropReceive(entry *receiveEntry) {
	b.mu.Lock()
	if b.receivers[entry.participant] == entry {
		delete(b.receivers, entry.participant)
	}
	b.mu.Unlock()
	_ = entry.session.Close()
	b.observe()
}

func (b *Broker) receiveCallbacks(entry *receiveEntry) webrtcpeer.Callbacks {
	log := b.log.With("participant_id", entry.participant, "room_id", entry.room)
	return webrtcpeer.Callbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			if !b.isCurrentReceive(entry) {
				return
			}
			b.outbox.SenderCandidate(entry.participant, c)
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			log.Debug("receive session state", "state", state.String())
			b.metrics.SessionState(string(webrtcpeer.RoleReceive), state.String())
		},
		OnMediaAvailable: func(m *webrtcpeer.Media) {
			b.mediaAvailable(entry, m, log)
		},
	}
}

func (b *Broker) isCurrentReceive(entry *receiveEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers[entry.participant] == entry
}

func (b *Broker) mediaAvailable(entry *receiveEntry, m *webrtcpeer.Media, log *slog.Logger) {
	b.mu.Lock()
	if b.receivers[entry.participant] != entry {
		b.mu.Unlock()
		b.metrics.Inc(metrics.StaleCallback)
		log.Debug("ignoring media from replaced session")
		return
	}
	added := b.registry.Add(entry.room, entry.participant, m)
	if added {
		entry.registered = true
		b.metrics.Inc(metrics.ParticipantEntered)
		b.outbox.ParticipantEntered(entry.room, entry.participant)
	}
	b.mu.Unlock()

	if !added {
		log.Debug("media already registered", "err", ErrDuplicateRegistration)
		return
	}
	log.Info("participant media available", "tracks", len(m.Tracks()))
	b.observe()
}

// OnSenderCandidate applies a remote candidate to participantID's receive
// session.
func (b *Broker) OnSenderCandidate(participantID string, candidate webrtc.ICECandidateInit) error {
	b.mu.Lock()
	e := b.receivers[participantID]
	b.mu.Unlock()

	if e == nil {
		b.metrics.Inc(metrics.NoSuchSession)
		return opError(OpSenderCandidate, participantID, ErrNoSuchSession)
	}
	if err := e.session.AddICECandidate(candidate); err != nil {
		b.metrics.Inc(metrics.TransportFailure)
		return transportError(OpSenderCandidate, participantID, err)
	}
	return nil
}

// OnReceiverOffer negotiates the send session carrying sourceID's media to
// destinationID, replacing any previous session for that pair.
func (b *Broker) OnReceiverOffer(ctx context.Context, destinationID, sourceID, roomID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if destinationID == "" || sourceID == "" || roomID == "" || destinationID == sourceID ||
		offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return webrtc.SessionDescription{}, opError(OpReceiverOffer, destinationID, ErrInvalidArgument)
	}

	media, ok := b.registry.Media(roomID, sourceID)
	if !ok {
		b.metrics.Inc(metrics.NoSuchSource)
		return webrtc.SessionDescription{}, opError(OpReceiverOffer, destinationID, ErrNoSuchSource)
	}

	entry := &sendEntry{source: sourceID, destination: destinationID}
	session, err := b.factory.NewSendSession(sourceID, destinationID, b.sendCallbacks(entry))
	if err != nil {
		b.metrics.Inc(metrics.TransportFailure)
		return webrtc.SessionDescription{}, transportError(OpReceiverOffer, destinationID, err)
	}
	entry.session = session

	if err := session.AttachMedia(media); err != nil {
		_ = session.Close()
		b.metrics.Inc(metrics.TransportFailure)
		return webrtc.SessionDescription{}, transportError(OpReceiverOffer, destinationID, err)
	}

	prev, err := b.installSend(entry, roomID, media)
	if prev != nil {
		b.metrics.Inc(metrics.SessionReplaced)
		_ = prev.Close()
	}
	if err != nil {
		_ = session.Close()
		if errors.Is(err, ErrNoSuchSource) {
			b.metrics.Inc(metrics.NoSuchSource)
		}
		return webrtc.SessionDescription{}, opError(OpReceiverOffer, destinationID, err)
	}
	b.observe()

	answer, err := session.Negotiate(ctx, offer)
	if err != nil {
		b.dropSend(entry)
		b.metrics.Inc(metrics.TransportFailure)
		return webrtc.SessionDescription{}, transportError(OpReceiverOffer, destinationID, err)
	}

	b.outbox.ReceiverAnswer(destinationID, sourceID, answer)
	session.ReleaseCandidates()
	if err := media.RequestKeyframe(); err != nil {
		b.log.Debug("keyframe request failed", "source_id", sourceID, "err", err)
	}
	return answer, nil
}

// installSend indexes entry, returning the session it replaced. The source
// is re-checked under the lock so a send session never outlives its source's
// departure.
func (b *Broker) installSend(entry *sendEntry, roomID string, media *webrtcpeer.Media) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if current, ok := b.registry.Media(roomID, entry.source); !ok || current != media {
		return nil, ErrNoSuchSource
	}

	var prev Session
	if old, ok := b.bySource[entry.source][entry.destination]; ok {
		prev = old.session
	}

	bySrc := b.bySource[entry.source]
	if bySrc == nil {
		bySrc = make(map[string]*sendEntry)
		b.bySource[entry.source] = bySrc
	}
	bySrc[entry.destination] = entry

	byDst := b.byDest[entry.destination]
	if byDst == nil {
		byDst = make(map[string]*sendEntry)
		b.byDest[entry.destination] = byDst
	}
	byDst[entry.source] = entry

	return prev, nil
}

func (b *Broker) dropSend(entry *sendEntry) {
	b.mu.Lock()
	if b.bySource[entry.source][entry.destination] == entry {
		b.deleteBySourceLocked(entry.source, entry.destination)
		b.deleteByDestLocked(entry.destination, entry.source)
	}
	b.mu.Unlock()
	_ = entry.session.Close()
	b.observe()
}

func (b *Broker) sendCallbacks(entry *sendEntry) webrtcpeer.Callbacks {
	log := b.log.With("source_id", entry.source, "destination_id", entry.destination)
	return webrtcpeer.Callbacks{
		OnLocalCandidate: func(c webrtc.ICECandidateInit) {
			if !b.isCurrentSend(entry) {
				return
			}
			b.outbox.ReceiverCandidate(entry.destination, entry.source, c)
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			log.Debug("send session state", "state", state.String())
			b.metrics.SessionState(string(webrtcpeer.RoleSend), state.String())
		},
	}
}

func (b *Broker) isCurrentSend(entry *sendEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bySource[entry.source][entry.destination] == entry
}

// OnReceiverCandidate applies a remote candidate to the (sourceID ->
// destinationID) send session.
func (b *Broker) OnReceiverCandidate(destinationID, sourceID string, candidate webrtc.ICECandidateInit) error {
	b.mu.Lock()
	e := b.bySource[sourceID][destinationID]
	b.mu.Unlock()

	if e == nil {
		b.metrics.Inc(metrics.NoSuchSession)
		return opError(OpReceiverCandidate, destinationID, ErrNoSuchSession)
	}
	if err := e.session.AddICECandidate(candidate); err != nil {
		b.metrics.Inc(metrics.TransportFailure)
		return transportError(OpReceiverCandidate, destinationID, err)
	}
	return nil
}

// OnDisconnect removes participantID from its room and closes every session it
// is part of. It is safe to call for unknown participants and more than once.
func (b *Broker) OnDisconnect(participantID string) {
	stale := b.depart(participantID)
	stale.close(b.log)
	if len(stale) > 0 {
		b.log.Debug("participant departed", "participant_id", participantID, "sessions_closed", len(stale))
	}
	b.observe()
}

func (b *Broker) depart(participantID string) teardown {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.departLocked(participantID)
}

// Close closes every session and forgets all state. Later offers fail with
// ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var stale teardown
	for id, e := range b.receivers {
		stale = append(stale, e.session)
		delete(b.receivers, id)
	}
	for src, inner := range b.bySource {
		for _, e := range inner {
			stale = append(stale, e.session)
		}
		delete(b.bySource, src)
	}
	clear(b.byDest)
	for id, roomID := range b.rooms {
		b.registry.Remove(roomID, id)
		delete(b.rooms, id)
	}
	b.mu.Unlock()

	stale.close(b.log)
	b.observe()
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	sends := 0
	for _, inner := range b.bySource {
		sends += len(inner)
	}
	return Stats{
		Rooms:           b.registry.Rooms(),
		Participants:    b.registry.Participants(),
		ReceiveSessions: len(b.receivers),
		SendSessions:    sends,
	}
}

// Room reports the room participantID last offered media for.
func (b *Broker) Room(participantID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[participantID]
	return r, ok
}

func (b *Broker) observe() {
	if b.metrics == nil {
		return
	}
	s := b.Stats()
	b.metrics.ObserveBroker(s.Rooms, s.Participants, s.ReceiveSessions, s.SendSessions)
}
