package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "aero_webrtc_sfu"

// Event names used as the `event` label of the events counter.
const (
	SignalingConnected    = "signaling_connected"
	SignalingDisconnected = "signaling_disconnected"
	SignalingBadMessage   = "signaling_bad_message"
	SignalingRateLimited  = "signaling_rate_limited"
	SignalingSlowConsumer = "signaling_slow_consumer"
	SignalingIDMismatch   = "signaling_id_mismatch"
	SignalingHandlerError = "signaling_handler_error"
	SignalingPanic        = "signaling_panic"

	SenderOffer       = "sender_offer"
	ReceiverOffer     = "receiver_offer"
	SenderCandidate   = "sender_candidate"
	ReceiverCandidate = "receiver_candidate"
	JoinRoom          = "join_room"

	ParticipantEntered = "participant_entered"
	ParticipantExited  = "participant_exited"
	SessionReplaced    = "session_replaced"
	StaleCallback      = "stale_callback"

	NoSuchSession    = "no_such_session"
	NoSuchSource     = "no_such_source"
	TransportFailure = "transport_failure"
)

// Metrics holds the SFU's collectors on a private registry so multiple
// instances (one per test) never collide.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	sessionStates *prometheus.CounterVec

	rooms           prometheus.Gauge
	participants    prometheus.Gauge
	receiveSessions prometheus.Gauge
	sendSessions    prometheus.Gauge
	connections     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Signaling and broker events.",
		}, []string{"event"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Transport session state transitions by role.",
		}, []string{"role", "state"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one registered participant.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Participants with registered inbound media.",
		}),
		receiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "receive_sessions",
			Help:      "Live receive sessions.",
		}),
		sendSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_sessions",
			Help:      "Live send sessions.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_connections",
			Help:      "Open signaling WebSocket connections.",
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.sessionStates,
		m.rooms,
		m.participants,
		m.receiveSessions,
		m.sendSessions,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// Count returns the current value of the events counter for event.
func (m *Metrics) Count(event string) float64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

func (m *Metrics) SessionState(role, state string) {
	if m == nil {
		return
	}
	m.sessionStates.WithLabelValues(role, state).Inc()
}

// ObserveBroker records the current broker sizes.
func (m *Metrics) ObserveBroker(rooms, participants, receiveSessions, sendSessions int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.participants.Set(float64(participants))
	m.receiveSessions.Set(float64(receiveSessions))
	m.sendSessions.Set(float64(sendSessions))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Registry exposes the underlying registry for tests and for wiring extra
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
