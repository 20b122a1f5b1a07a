package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric registries for different subsystems

// Service API Metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_api_requests_total",
			Help: "Total number of farm service API requests",
		},
		[]string{"operation", "outcome"}, // outcome: success or error kind
	)

	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridfarm_worker_api_request_duration_seconds",
			Help:    "Duration of farm service API requests in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"operation"},
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_api_retries_total",
			Help: "Total number of retried farm service API requests",
		},
		[]string{"operation"},
	)
)

// Scheduler Metrics
var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridfarm_worker_sessions_active",
			Help: "Number of session runtimes currently assigned",
		},
	)

	ActionsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_actions_completed_total",
			Help: "Total number of session actions reaching a terminal status",
		},
		[]string{"status"}, // SUCCEEDED, FAILED, CANCELED, INTERRUPTED, NEVER_ATTEMPTED
	)

	ScheduleSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_schedule_syncs_total",
			Help: "Total number of UpdateWorkerSchedule cycles",
		},
		[]string{"outcome"}, // success, error
	)

	ActionsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridfarm_worker_actions_queued",
			Help: "Number of session actions waiting to run",
		},
	)

	DrainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_drains_total",
			Help: "Total number of drains the worker has begun",
		},
		[]string{"mode"}, // regular, expedited, service
	)
)

// Credential Metrics
var (
	CredentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_credential_refreshes_total",
			Help: "Total number of credential refresh attempts",
		},
		[]string{"scope", "outcome"}, // scope: agent, queue
	)

	QueueCredentialsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridfarm_worker_queue_credentials_active",
			Help: "Number of queues with installed job credentials",
		},
	)
)

// Entity Cache Metrics
var (
	EntityCacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_entity_cache_requests_total",
			Help: "Total number of job entity lookups",
		},
		[]string{"result"}, // hit, miss, error
	)

	EntityBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gridfarm_worker_entity_batches_total",
			Help: "Total number of BatchGetJobEntity calls issued",
		},
	)
)
