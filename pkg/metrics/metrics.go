// Package metrics exposes prometheus instrumentation for the relay
// pool. Dropped events are countable for diagnostics without ever
// surfacing in the notification stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons.
const (
	ReasonBadSignature = "bad_signature"
	ReasonIDMismatch   = "id_mismatch"
	ReasonDecode       = "decode"
	ReasonNoMatch      = "no_match"
)

var (
	EventsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolstr_events_verified_total",
		Help: "Inbound events that passed id and signature verification.",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolstr_events_dropped_total",
		Help: "Inbound events dropped before reaching consumers.",
	}, []string{"reason"})

	RelayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolstr_relay_reconnects_total",
		Help: "Reconnection attempts across all relays.",
	})

	RelaysConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolstr_relays_connected",
		Help: "Relays currently in the connected state.",
	})

	NotificationsLagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolstr_notifications_lagged_total",
		Help: "Notifications dropped because a receiver was too slow.",
	})
)
