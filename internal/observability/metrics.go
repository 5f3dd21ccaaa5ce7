package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the lobby's Prometheus collectors on a private registry.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	roomsOpen       prometheus.Gauge
	connectionsLive prometheus.Gauge
	sessionsBound   prometheus.Gauge
	movesRelayed    prometheus.Counter
	framesRejected  *prometheus.CounterVec
	staleReclaimed  *prometheus.CounterVec
	writeFailures   *prometheus.CounterVec
	writesDropped   prometheus.Counter
	matchmaking     *prometheus.CounterVec
	friendChanges   *prometheus.CounterVec
}

// NewMetrics registers every lobby collector plus the Go and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		roomsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby", Name: "rooms_open",
			Help: "Rooms currently open.",
		}),
		connectionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby", Name: "connections_live",
			Help: "Websocket connections currently attached.",
		}),
		sessionsBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobby", Name: "sessions_bound",
			Help: "Connections bound to an account.",
		}),
		movesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobby", Name: "moves_relayed_total",
			Help: "Moves relayed to room occupants.",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby", Name: "frames_rejected_total",
			Help: "Inbound frames rejected, by reason.",
		}, []string{"reason"}),
		staleReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby", Name: "stale_sessions_reclaimed_total",
			Help: "Stale login flags cleared, by detection path.",
		}, []string{"path"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby", Name: "durable_write_failures_total",
			Help: "Failed durable account writes, by operation.",
		}, []string{"op"}),
		writesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobby", Name: "durable_writes_dropped_total",
			Help: "Durable writes dropped because the write queue was full.",
		}),
		matchmaking: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby", Name: "matchmake_total",
			Help: "Matchmaking requests, by result.",
		}, []string{"result"}),
		friendChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby", Name: "friend_transitions_total",
			Help: "Friend state transitions, by operation.",
		}, []string{"op"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roomsOpen, m.connectionsLive, m.sessionsBound, m.movesRelayed,
		m.framesRejected, m.staleReclaimed, m.writeFailures, m.writesDropped,
		m.matchmaking, m.friendChanges,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetRooms records the number of open rooms.
func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.roomsOpen.Set(float64(n))
	}
}

// SetConnections records the live and bound connection counts.
func (m *Metrics) SetConnections(live, bound int) {
	if m != nil {
		m.connectionsLive.Set(float64(live))
		m.sessionsBound.Set(float64(bound))
	}
}

// MoveRelayed counts one relayed move.
func (m *Metrics) MoveRelayed() {
	if m != nil {
		m.movesRelayed.Inc()
	}
}

// FrameRejected counts an inbound frame rejected for reason.
func (m *Metrics) FrameRejected(reason string) {
	if m != nil {
		m.framesRejected.WithLabelValues(reason).Inc()
	}
}

// StaleReclaimed counts a stale session cleared on path ("login" or "sweep").
func (m *Metrics) StaleReclaimed(path string) {
	if m != nil {
		m.staleReclaimed.WithLabelValues(path).Inc()
	}
}

// WriteFailed counts a failed durable write for op.
func (m *Metrics) WriteFailed(op string) {
	if m != nil {
		m.writeFailures.WithLabelValues(op).Inc()
	}
}

// WriteDropped counts a durable write dropped on a full queue.
func (m *Metrics) WriteDropped() {
	if m != nil {
		m.writesDropped.Inc()
	}
}

// Matchmade counts a matchmaking request by result ("paired" or "waiting").
func (m *Metrics) Matchmade(result string) {
	if m != nil {
		m.matchmaking.WithLabelValues(result).Inc()
	}
}

// FriendTransition counts a friend state change for op.
func (m *Metrics) FriendTransition(op string) {
	if m != nil {
		m.friendChanges.WithLabelValues(op).Inc()
	}
}
