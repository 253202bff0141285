package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsMerged counts resolver outcomes per source and action
	// (inserted, updated, conflict, skipped, error).
	RecordsMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_records_merged_total",
			Help: "Total number of staged records processed by the identity resolver",
		},
		[]string{"source", "action"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_sync_runs_finished_total",
			Help: "Total number of sync runs that reached a terminal or paused status",
		},
		[]string{"status"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adminhub_sync_batch_duration_seconds",
			Help:    "Duration of one bounded batch per source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ChainAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_chain_attempts_total",
			Help: "Continuation scheduling attempts by chain mode and result",
		},
		[]string{"mode", "result"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_provider_requests_total",
			Help: "External provider page requests by provider and result (success, failure, rejected)",
		},
		[]string{"provider", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "adminhub_circuit_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	RecordsStaged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_records_staged_total",
			Help: "Raw records staged by ingestion channel",
		},
		[]string{"source", "channel"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adminhub_jobs_processed_total",
			Help: "Continuation jobs consumed by the worker pool",
		},
		[]string{"result"},
	)
)
