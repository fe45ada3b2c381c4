// Package metrics defines the broker's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsCurrent tracks open websocket connections on this instance.
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycelium_connections_current",
			Help: "Open websocket connections on this instance",
		},
	)

	// ConnectionsTotal tracks accepted connections by handshake outcome.
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_connections_total",
			Help: "Accepted websocket connections by handshake outcome",
		},
		[]string{"outcome"},
	)

	// ConnectionsRejected tracks connections refused by admission control.
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_connections_rejected_total",
			Help: "Connections refused before upgrade, by limit",
		},
		[]string{"reason"},
	)
)

// Session metrics
var (
	// FramesReceived tracks inbound frames by type.
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_frames_received_total",
			Help: "Inbound client frames by frame type",
		},
		[]string{"type"},
	)

	// SessionCloses tracks session terminations by close code.
	SessionCloses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_session_closes_total",
			Help: "Session terminations by application close code",
		},
		[]string{"code"},
	)

	// SubscriptionsCurrent tracks live channel subscriptions on this instance.
	SubscriptionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycelium_subscriptions_current",
			Help: "Live channel subscriptions on this instance",
		},
	)
)

// Relay metrics
var (
	// RelayPublished tracks envelopes handed to the backplane.
	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_relay_published_total",
			Help: "Envelopes published to the backplane",
		},
	)

	// RelayDelivered tracks envelopes received from the backplane and
	// fanned out locally.
	RelayDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_relay_delivered_total",
			Help: "Envelopes received from the backplane",
		},
	)

	// RelayErrors tracks backplane publish/decode failures.
	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_relay_errors_total",
			Help: "Backplane failures by stage",
		},
		[]string{"stage"},
	)

	// SlowClientsDropped tracks connections dropped because their outbound
	// buffer stayed full during a broadcast.
	SlowClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mycelium_slow_clients_dropped_total",
			Help: "Connections dropped for not draining their send buffer",
		},
	)
)

// Circuit breaker metrics
var (
	// CircuitBreakerStateChanges tracks breaker transitions by component.
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current breaker state
	// (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mycelium_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
