package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts operator notifications by source, notification type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propass",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total webhook deliveries by source, notification type and HTTP status.",
	}, []string{"source", "notification_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "propass",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// ReconcileOutcomesTotal counts reconciliation results.
	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propass",
		Subsystem: "entitlement",
		Name:      "reconcile_outcomes_total",
		Help:      "Entitlement reconciliation outcomes by path and outcome.",
	}, []string{"path", "outcome"})

	// VerifierRequestsTotal counts receipt verification calls.
	VerifierRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propass",
		Subsystem: "verifier",
		Name:      "requests_total",
		Help:      "Receipt verification requests by environment and result.",
	}, []string{"environment", "result"})

	// VerifierDuration tracks receipt verification round trips.
	VerifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "propass",
		Subsystem: "verifier",
		Name:      "duration_seconds",
		Help:      "Receipt verification round trip duration in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"environment"})

	// SweepRunsTotal counts expiration sweep runs by result.
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "propass",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Expiration sweep runs by result.",
	}, []string{"result"})

	// SweepTransitionsTotal counts entitlements expired by the sweeper.
	SweepTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "propass",
		Subsystem: "sweeper",
		Name:      "transitions_total",
		Help:      "Entitlements transitioned to expired by the sweeper.",
	})

	// CatalogProducts reports the number of products currently allowed.
	CatalogProducts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "propass",
		Subsystem: "catalog",
		Name:      "products",
		Help:      "Number of allowed subscription products in the loaded catalog.",
	})
)
