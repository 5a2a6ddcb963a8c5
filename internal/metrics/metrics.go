// Package metrics holds the relay's prometheus collectors. Each relay owns
// its own registry so several instances can coexist in one process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	ReasonRoutingMiss  = "routing_miss"
	ReasonProtocol     = "protocol"
	ReasonBackpressure = "backpressure"
	ReasonRateLimited  = "rate_limited"
)

type Metrics struct {
	registry *prometheus.Registry

	rooms       prometheus.Gauge
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms",
			Help: "Number of rooms with at least one member",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of open signaling connections",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound envelopes accepted, by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_total",
			Help: "Envelopes or deliveries dropped, by reason",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.rooms,
		m.connections,
		m.messages,
		m.dropped,
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// The recorders below are no-ops on a nil *Metrics.

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) Message(typ string) {
	if m != nil {
		m.messages.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Dropped(reason string, n int) {
	if m != nil && n > 0 {
		m.dropped.WithLabelValues(reason).Add(float64(n))
	}
}
