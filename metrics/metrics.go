package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompileAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_compile_attempts_total",
			Help: "Total number of query/detection compile attempts",
		},
		[]string{"kind", "outcome"},
	)

	RuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rule_runs_total",
			Help: "Total number of scheduled detection runs",
		},
		[]string{"rule_type", "outcome"},
	)

	AlertsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_written_total",
			Help: "Total number of alerts written",
		},
		[]string{"source"},
	)

	IncidentsUpserted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_incidents_upserted_total",
			Help: "Total number of incident upserts",
		},
	)

	StreamMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_stream_matches_total",
			Help: "Total number of streaming predicate matches",
		},
	)

	StreamAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_stream_acks_total",
			Help: "Total number of acknowledged stream envelopes",
		},
	)

	StreamEvalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_stream_eval_errors_total",
			Help: "Total number of streaming evaluation errors",
		},
	)

	StreamBackpressureEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_stream_backpressure_events_total",
			Help: "Total number of times the stream pipeline signalled backpressure",
		},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_rate_limit_denials_total",
			Help: "Total number of rate-limited checks",
		},
		[]string{"tenant", "source"},
	)

	StoreCallsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_store_calls_rejected_total",
			Help: "Total number of store calls rejected by the open circuit breaker",
		},
		[]string{"op"},
	)

	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_search_latency_seconds",
			Help:    "Ad-hoc search execution latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerRuleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "argus_scheduler_rule_duration_seconds",
			Help:    "Per-rule execution duration inside a scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rule_type"},
	)

	StreamEvalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_stream_eval_duration_seconds",
			Help:    "Per-envelope streaming evaluation duration",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)

	SchedulerWindowsBehind = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_scheduler_windows_behind",
			Help: "How many detection windows the scheduler watermark trails now",
		},
	)

	StreamPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_stream_pending",
			Help: "Envelopes queued in the stream pipeline",
		},
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
