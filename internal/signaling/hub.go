package signaling

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/metrics"
)

// Hub addresses connections by participant id and by room. A connection is
// subscribed to at most one room. Hub implements broker.Outbox; none of its
// methods block.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	conns map[string]*conn
	rooms map[string]map[string]*conn
}

func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log.With("component", "signaling_hub"),
		metrics: m,
		conns:   make(map[string]*conn),
		rooms:   make(map[string]map[string]*conn),
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *conn) {
	if c.room == "" {
		return
	}
	members := h.rooms[c.room]
	delete(members, c.id)
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
	c.room = ""
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every connection with a going-away close frame.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// SendTo delivers one event to participantID. Unknown ids are dropped.
func (h *Hub) SendTo(participantID string, t eventType, payload any) {
	msg, err := encode(t, payload)
	if err != nil {
		h.log.Error("encode signaling event", "event", t, "err", err)
		return
	}

	h.mu.RLock()
	c := h.conns[participantID]
	h.mu.RUnlock()
	if c == nil {
		h.log.Debug("dropping event for unknown participant", "participant_id", participantID, "event", t)
		return
	}
	h.deliver(c, msg)
}

// Broadcast delivers one event to every subscriber of room except exclude.
func (h *Hub) Broadcast(room, exclude string, t eventType, payload any) {
	msg, err := encode(t, payload)
	if err != nil {
		h.log.Error("encode signaling event", "event", t, "err", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.rooms[room]))
	for id, c := range h.rooms[room] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, msg)
	}
}

func (h *Hub) deliver(c *conn, msg []byte) {
	if c.enqueue(msg) {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	h.metrics.Inc(metrics.SignalingSlowConsumer)
	h.log.Warn("signaling send queue full; closing connection", "participant_id", c.id)
	go c.closeWith(websocket.ClosePolicyViolation, "send queue full")
}

// JoinRoom subscribes participantID to room, leaving any previous room.
func (h *Hub) JoinRoom(participantID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := h.conns[participantID]
	if c == nil || c.room == room {
		return
	}
	h.leaveLocked(c)
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*conn)
		h.rooms[room] = members
	}
	members[participantID] = c
	c.room = room
}

// RoomOf returns the room participantID is subscribed to.
func (h *Hub) RoomOf(participantID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c := h.conns[participantID]; c != nil {
		return c.room
	}
	return ""
}

func (h *Hub) SenderAnswer(participantID string, answer webrtc.SessionDescription) {
	h.SendTo(participantID, eventGetSenderAnswer, answerPayload{SDP: SDPFromPion(answer)})
}

func (h *Hub) SenderCandidate(participantID string, candidate webrtc.ICECandidateInit) {
	h.SendTo(participantID, eventGetSenderCandidate, candidatePayload{Candidate: CandidateFromPion(candidate)})
}

func (h *Hub) ReceiverAnswer(destinationID, sourceID string, answer webrtc.SessionDescription) {
	h.SendTo(destinationID, eventGetReceiverAnswer, peerAnswerPayload{ID: sourceID, SDP: SDPFromPion(answer)})
}

func (h *Hub) ReceiverCandidate(destinationID, sourceID string, candidate webrtc.ICECandidateInit) {
	h.SendTo(destinationID, eventGetReceiverCandidate, peerCandidatePayload{ID: sourceID, Candidate: CandidateFromPion(candidate)})
}

func (h *Hub) ParticipantEntered(room, participantID string) {
	h.Broadcast(room, participantID, eventUserEnter, idPayload{ID: participantID})
}

func (h *Hub) ParticipantExited(room, participantID string) {
	h.Broadcast(room, participantID, eventUserExit, idPayload{ID: participantID})
}
