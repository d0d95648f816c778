// Package metrics exposes the service's prometheus collectors. They are
// registered on the default registry and served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckIns counts check-in attempts by outcome: success, duplicate,
	// not_found, invalid, error.
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"status"})

	// Broadcasts counts aggregate publishes.
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_broadcasts_total",
		Help: "Aggregate snapshots published to subscribers.",
	})

	// Subscribers tracks currently connected dashboard streams.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_subscribers",
		Help: "Currently connected aggregate stream subscribers.",
	})

	// Imports counts roster rows accepted through bulk upload.
	Imports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_roster_imports_total",
		Help: "Roster rows inserted via bulk import.",
	})
)
