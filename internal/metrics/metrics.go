package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Actions counts executed network operations by kind.
	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyflock_actions_total",
			Help: "Total number of executed network actions.",
		},
		[]string{"action"},
	)

	// AuthRejections counts authorization gate rejections by reason code.
	AuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyflock_auth_rejections_total",
			Help: "Total number of rejected authorization attempts.",
		},
		[]string{"reason"},
	)

	// AutoReposts counts unattended reposts processed by the worker.
	AutoReposts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyflock_auto_reposts_total",
			Help: "Total number of automatic reposts by outcome.",
		},
		[]string{"outcome"},
	)

	// InteractionDuration observes webhook interaction handling time.
	InteractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skyflock_interaction_duration_seconds",
			Help:    "Duration of webhook interaction handling.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)
