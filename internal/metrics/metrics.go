// Package metrics exposes the gateway's operational counters on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lvbridge"

var (
	// SessionsLive is the number of currently registered sessions.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Number of live gateway sessions.",
	})

	// AuthFailures counts failed handshakes by reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "Failed authentication handshakes by reason.",
	}, []string{"reason"})

	// HeartbeatExpirations counts sessions evicted for going silent.
	HeartbeatExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_expirations_total",
		Help:      "Sessions force-closed after missing heartbeats.",
	})

	// RelayPublished counts outbound frames published to the bus.
	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_published_total",
		Help:      "Client frames published to the relay bus.",
	})

	// RelayDelivered counts inbound bus messages delivered to sessions.
	RelayDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_delivered_total",
		Help:      "Bus messages delivered to live sessions.",
	})

	// RelayDropped counts inbound bus messages with no live target.
	RelayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_dropped_total",
		Help:      "Bus messages dropped because the target session was gone.",
	})

	// BusDegraded is 1 while the bus is past its retry budget.
	BusDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bus_degraded",
		Help:      "Whether the relay bus is currently degraded (0 or 1).",
	})
)
