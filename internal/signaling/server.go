package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-sfu/internal/metrics"
)

// Broker is the subset of *broker.Broker the adapter drives.
type Broker interface {
	OnJoinRoom(participantID, room string) ([]string, error)
	OnSenderOffer(ctx context.Context, participantID, room string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	OnSenderCandidate(participantID string, candidate webrtc.ICECandidateInit) error
	OnReceiverOffer(ctx context.Context, destinationID, sourceID, room string, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	OnReceiverCandidate(destinationID, sourceID string, candidate webrtc.ICECandidateInit) error
	OnDisconnect(participantID string)
}

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Broker Broker
	// Hub must be the broker's Outbox.
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NegotiationTimeout bounds each offer/answer exchange.
	NegotiationTimeout time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueue                     int
	IdleTimeout                   time.Duration
	PingInterval                  time.Duration

	// CheckOrigin is passed to the upgrader. Origin checks are normally
	// enforced by the outer httpserver middleware; nil accepts every origin.
	CheckOrigin func(*http.Request) bool
}

// Server implements the SFU's WebSocket signaling surface.
//
// Endpoints:
//   - GET /socket : one participant per connection
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger, cfg.Metrics)
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = config.DefaultNegotiationTimeout
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = config.DefaultSignalingSendQueue
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /socket", s.handleSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Hub returns the hub connections are registered with.
func (s *Server) Hub() *Hub {
	return s.cfg.Hub
}

// Close disconnects every participant.
func (s *Server) Close() {
	s.cfg.Hub.CloseAll()
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Broker == nil {
		http.Error(w, "broker not configured", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, s.cfg.SendQueue, s.log.With("participant_id", id))
	s.cfg.Hub.register(c)
	s.cfg.Metrics.ConnectionOpened()
	s.cfg.Metrics.Inc(metrics.SignalingConnected)
	c.log.Debug("signaling connected", "remote_addr", r.RemoteAddr)

	go c.writePump(s.cfg.PingInterval)
	s.cfg.Hub.SendTo(id, eventConnected, idPayload{ID: id})

	s.readLoop(r.Context(), c)

	s.cfg.Broker.OnDisconnect(id)
	s.cfg.Hub.unregister(c)
	c.close()
	s.cfg.Metrics.ConnectionClosed()
	s.cfg.Metrics.Inc(metrics.SignalingDisconnected)
	c.log.Debug("signaling disconnected")
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	idle := s.cfg.IdleTimeout
	c.ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxSignalingMessagesPerSecond), s.cfg.MaxSignalingMessagesPerSecond)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.cfg.Metrics.Inc(metrics.SignalingBadMessage)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Debug("signaling read failed", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so the frame is consumed and the client
		// reliably observes the close code.
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.SignalingRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.cfg.Metrics.Inc(metrics.SignalingBadMessage)
			c.log.Warn("ignoring non-text signaling frame")
			continue
		}

		s.dispatch(ctx, c, data)
	}
}

// dispatch handles one frame to completion. Failures are logged and dropped;
// the protocol has no error event.
func (s *Server) dispatch(ctx context.Context, c *conn, data []byte) {
	var event eventType
	defer func() {
		if rec := recover(); rec != nil {
			s.cfg.Metrics.Inc(metrics.SignalingPanic)
			c.log.Error("signaling handler panic", "event", event, "panic", fmt.Sprint(rec))
		}
	}()

	env, err := parseEnvelope(data)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.SignalingBadMessage)
		c.log.Warn("bad signaling message", "err", err)
		return
	}
	event = env.Type

	if err := s.handle(ctx, c, env); err != nil {
		switch {
		case errors.Is(err, errIDMismatch):
			s.cfg.Metrics.Inc(metrics.SignalingIDMismatch)
		case errors.Is(err, errMissingField), errors.Is(err, errNotOffer), errors.Is(err, errUnknownEvent):
			s.cfg.Metrics.Inc(metrics.SignalingBadMessage)
		default:
			s.cfg.Metrics.Inc(metrics.SignalingHandlerError)
		}
		c.log.Warn("signaling event failed", "event", event, "err", err)
	}
}

var (
	errIDMismatch   = errors.New("participant id does not match connection")
	errUnknownEvent = errors.New("unknown event")
)

func self(c *conn, claimed string) error {
	if claimed != c.id {
		return fmt.Errorf("%w: %q", errIDMismatch, claimed)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, c *conn, env envelope) error {
	switch env.Type {
	case eventJoinRoom:
		var p joinRoomPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if err := self(c, p.ID); err != nil {
			return err
		}
		if err := requireFields("roomID", p.RoomID); err != nil {
			return err
		}
		s.cfg.Metrics.Inc(metrics.JoinRoom)
		others, err := s.cfg.Broker.OnJoinRoom(c.id, p.RoomID)
		if err != nil {
			return err
		}
		users := make([]idPayload, 0, len(others))
		for _, id := range others {
			users = append(users, idPayload{ID: id})
		}
		s.cfg.Hub.SendTo(c.id, eventAllUsers, allUsersPayload{Users: users})
		return nil

	case eventSenderOffer:
		var p senderOfferPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if err := self(c, p.SenderSocketID); err != nil {
			return err
		}
		if err := requireFields("roomID", p.RoomID); err != nil {
			return err
		}
		offer, err := offerFrom(p.SDP)
		if err != nil {
			return err
		}
		s.cfg.Metrics.Inc(metrics.SenderOffer)
		ctx, cancel := context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
		_, err = s.cfg.Broker.OnSenderOffer(ctx, c.id, p.RoomID, offer)
		return err

	case eventSenderCandidate:
		var p senderCandidatePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if err := self(c, p.SenderSocketID); err != nil {
			return err
		}
		if p.Candidate == nil {
			return fmt.Errorf("%w: candidate", errMissingField)
		}
		// End-of-candidates.
		if p.Candidate.Candidate == "" {
			return nil
		}
		s.cfg.Metrics.Inc(metrics.SenderCandidate)
		return s.cfg.Broker.OnSenderCandidate(c.id, p.Candidate.ToPion())

	case eventReceiverOffer:
		var p receiverOfferPayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if err := self(c, p.ReceiverSocketID); err != nil {
			return err
		}
		if err := requireFields("senderSocketID", p.SenderSocketID, "roomID", p.RoomID); err != nil {
			return err
		}
		offer, err := offerFrom(p.SDP)
		if err != nil {
			return err
		}
		s.cfg.Metrics.Inc(metrics.ReceiverOffer)
		ctx, cancel := context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
		_, err = s.cfg.Broker.OnReceiverOffer(ctx, c.id, p.SenderSocketID, p.RoomID, offer)
		return err

	case eventReceiverCandidate:
		var p receiverCandidatePayload
		if err := decodePayload(env, &p); err != nil {
			return err
		}
		if err := self(c, p.ReceiverSocketID); err != nil {
			return err
		}
		if err := requireFields("senderSocketID", p.SenderSocketID); err != nil {
			return err
		}
		if p.Candidate == nil {
			return fmt.Errorf("%w: candidate", errMissingField)
		}
		if p.Candidate.Candidate == "" {
			return nil
		}
		s.cfg.Metrics.Inc(metrics.ReceiverCandidate)
		return s.cfg.Broker.OnReceiverCandidate(c.id, p.SenderSocketID, p.Candidate.ToPion())

	default:
		return fmt.Errorf("%w %q", errUnknownEvent, env.Type)
	}
}
