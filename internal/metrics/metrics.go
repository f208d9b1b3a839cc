package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsActive tracks executions currently in flight
	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drwave_executions_active",
			Help: "Number of executions currently in a non-terminal state",
		},
	)

	// ExecutionsTotal tracks finished executions by terminal state
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_executions_total",
			Help: "Total number of executions reaching a terminal state",
		},
		[]string{"state"},
	)

	// WavesStarted tracks waves submitted to the recovery service
	WavesStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_waves_started_total",
			Help: "Total number of waves started",
		},
		[]string{"region"},
	)

	// RetryAttempts tracks retry executor attempts per operation and outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_retry_attempts_total",
			Help: "Total number of retry executor attempts",
		},
		[]string{"operation", "outcome"},
	)

	// ThrottleWaits tracks job throttler wait outcomes
	ThrottleWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_job_throttle_waits_total",
			Help: "Total number of job throttler waits",
		},
		[]string{"region", "outcome"},
	)

	// RateLimiterTimeouts tracks rate limiter acquisition timeouts
	RateLimiterTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_rate_limiter_timeouts_total",
			Help: "Total number of rate limiter acquire timeouts",
		},
		[]string{"region"},
	)

	// ReconcileLatency tracks job status reconciliation latency
	ReconcileLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drwave_reconcile_latency_seconds",
			Help:    "Latency of one reconciliation pass per execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"region"},
	)

	// TelemetryDropped tracks telemetry events lost to queue overflow
	TelemetryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drwave_telemetry_dropped_total",
			Help: "Total number of telemetry events dropped on overflow",
		},
	)

	// CapacityQueryFailures tracks failed per-region capacity queries
	CapacityQueryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drwave_capacity_query_failures_total",
			Help: "Total number of failed account/region capacity queries",
		},
		[]string{"account", "region"},
	)

	// DBConnectionPoolUsage tracks database connection pool utilisation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drwave_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
