// Package metrics provides Prometheus metrics for the hub and the mesh layer
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. Each instance owns its registry so
// several can coexist in one process (tests, embedded hubs).
type Metrics struct {
	registry *prometheus.Registry

	// Hub
	StoreOpsTotal    *prometheus.CounterVec
	StoreOpDuration  *prometheus.HistogramVec
	ClientsConnected prometheus.Gauge
	Subscriptions    prometheus.Gauge
	SlowClientsTotal prometheus.Counter

	// Mesh
	PeerTransitionsTotal *prometheus.CounterVec
	SignalsSentTotal     *prometheus.CounterVec
	OpenPeers            prometheus.Gauge

	// Sessions
	MessagesTotal   *prometheus.CounterVec
	ExpiredSessions prometheus.Counter

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{registry: reg, ServerStartTime: time.Now()}

	m.StoreOpsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_store_operations_total",
			Help: "Total number of rendezvous store operations served",
		},
		[]string{"op", "status"},
	)

	m.StoreOpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshchat_store_operation_duration_seconds",
			Help:    "Duration of rendezvous store operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	m.ClientsConnected = f.NewGauge(prometheus.GaugeOpts{
		Name: "meshchat_hub_clients_connected",
		Help: "Number of websocket clients currently connected to the hub",
	})

	m.Subscriptions = f.NewGauge(prometheus.GaugeOpts{
		Name: "meshchat_hub_subscriptions",
		Help: "Number of live query subscriptions held by hub clients",
	})

	m.SlowClientsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "meshchat_hub_slow_clients_total",
		Help: "Clients disconnected because their send buffer was full",
	})

	m.PeerTransitionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_mesh_peer_transitions_total",
			Help: "Peer connection state transitions",
		},
		[]string{"state"},
	)

	m.SignalsSentTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_mesh_signals_sent_total",
			Help: "Signals written to the rendezvous store",
		},
		[]string{"kind", "status"},
	)

	m.OpenPeers = f.NewGauge(prometheus.GaugeOpts{
		Name: "meshchat_mesh_open_peers",
		Help: "Peer connections with an open data channel",
	})

	m.MessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshchat_session_messages_total",
			Help: "User messages dispatched per backend and outcome",
		},
		[]string{"backend", "status"},
	)

	m.ExpiredSessions = f.NewCounter(prometheus.CounterOpts{
		Name: "meshchat_session_expired_total",
		Help: "Sessions removed by the expiry sweep",
	})

	m.ServerUptimeSeconds = f.NewGauge(prometheus.GaugeOpts{
		Name: "meshchat_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	return m
}

// Handler exposes this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStoreOp records a served store operation.
func (m *Metrics) RecordStoreOp(op string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StoreOpsTotal.WithLabelValues(op, status).Inc()
	m.StoreOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordPeerState records a peer entering state.
func (m *Metrics) RecordPeerState(state string, open bool, wasOpen bool) {
	if m == nil {
		return
	}
	m.PeerTransitionsTotal.WithLabelValues(state).Inc()
	switch {
	case open && !wasOpen:
		m.OpenPeers.Inc()
	case !open && wasOpen:
		m.OpenPeers.Dec()
	}
}

// RecordSignal records one signal write.
func (m *Metrics) RecordSignal(kind string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SignalsSentTotal.WithLabelValues(kind, status).Inc()
}

// RecordMessage records one dispatched user message.
func (m *Metrics) RecordMessage(backend, status string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(backend, status).Inc()
}

// RecordExpired counts swept sessions.
func (m *Metrics) RecordExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredSessions.Add(float64(n))
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
}
