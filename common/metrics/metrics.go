// Package metrics registers the Prometheus gauges/counters the dispatcher
// and health monitor publish on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountHealthScore reports risk_level as a 0..3 gauge (low..critical)
	// per account. It is set on each health transition; an account that
	// has never transitioned has no series.
	AccountHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_account_risk_level",
		Help: "Current risk level of an upstream account (0=low,1=medium,2=high,3=critical).",
	}, []string{"account_id"})

	// RateLimitDenials counts rate limit denials by layer (global/account/token).
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_denials_total",
		Help: "Count of rate limit check denials by layer.",
	}, []string{"layer"})

	// DispatchAttempts counts dispatcher attempt-loop iterations by outcome.
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dispatch_attempts_total",
		Help: "Count of dispatcher attempt-loop iterations by outcome.",
	}, []string{"provider", "outcome"})

	// RequestDuration observes end-to-end request latency by dialect.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "End-to-end request duration by dialect.",
		Buckets: prometheus.DefBuckets,
	}, []string{"dialect"})

	// LogQueueDepth reports the log sink's current batching queue length.
	LogQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_log_queue_depth",
		Help: "Number of LogRows buffered in the log sink queue.",
	})
)
