package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "huddle"

// Drop reasons for inbound frames that are never handled.
const (
	DropReasonRateLimited = "rate_limited"
	DropReasonMalformed   = "malformed"
	DropReasonUnjoined    = "unjoined"
	DropReasonBinary      = "binary"
	DropReasonQueueFull   = "queue_full"
)

// Relay results.
const (
	RelayDelivered = "delivered"
	RelayDropped   = "dropped"
)

// Metrics owns the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	roomsActive     prometheus.Gauge
	peersActive     prometheus.Gauge
	sessionLocked   prometheus.Gauge
	joinAttempts    *prometheus.CounterVec
	relayed         *prometheus.CounterVec
	lockouts        prometheus.Counter
	sessionsExpired prometheus.Counter
	wsConnections   prometheus.Gauge
	droppedFrames   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one peer.",
		}),
		peersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_active",
			Help:      "Peers across all rooms.",
		}),
		sessionLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_locked",
			Help:      "1 while a room holds the process-wide session lock.",
		}),
		joinAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_attempts_total",
			Help:      "Join requests by outcome.",
		}, []string{"result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_messages_total",
			Help:      "Negotiation frames relayed between peers.",
		}, []string{"type", "result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Client addresses locked out after repeated failed joins.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Locked sessions torn down by the expiration sweeper.",
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open signaling WebSocket connections.",
		}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped without being handled or delivered.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.roomsActive,
		m.peersActive,
		m.sessionLocked,
		m.joinAttempts,
		m.relayed,
		m.lockouts,
		m.sessionsExpired,
		m.wsConnections,
		m.droppedFrames,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetRoomState publishes the room table and lock gauges.
func (m *Metrics) SetRoomState(rooms, peers int, locked bool) {
	if m == nil {
		return
	}
	m.roomsActive.Set(float64(rooms))
	m.peersActive.Set(float64(peers))
	if locked {
		m.sessionLocked.Set(1)
	} else {
		m.sessionLocked.Set(0)
	}
}

func (m *Metrics) JoinAttempt(result string) {
	if m == nil {
		return
	}
	m.joinAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Relayed(msgType, result string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) SessionExpired() {
	if m == nil {
		return
	}
	m.sessionsExpired.Inc()
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}

func (m *Metrics) DroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}
