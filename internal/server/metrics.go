package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors updated by hubs and connections.
type Metrics struct {
	ActiveConnections *prometheus.GaugeVec
	Handshakes        *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	BackpressureTrips *prometheus.CounterVec
	RejectedMessages  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to get isolated counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "active_connections",
			Help:      "Connections currently registered in a room.",
		}, []string{"room"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by outcome.",
		}, []string{"room", "outcome"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "broadcasts_total",
			Help:      "Events fanned out, by event kind.",
		}, []string{"room", "kind"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "deliveries_total",
			Help:      "Frames placed in connection mailboxes.",
		}, []string{"room"}),
		BackpressureTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "backpressure_trips_total",
			Help:      "Connections closed because their mailbox was full.",
		}, []string{"room"}),
		RejectedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "rejected_messages_total",
			Help:      "Inbound frames refused, by reason.",
		}, []string{"room", "reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveConnections,
			m.Handshakes,
			m.Broadcasts,
			m.Deliveries,
			m.BackpressureTrips,
			m.RejectedMessages,
		)
	}
	return m
}
