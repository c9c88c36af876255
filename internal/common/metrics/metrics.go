package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Exchange metrics

	// ExchangeRecordsCreated tracks exchange records created
	ExchangeRecordsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "exchange",
			Name:      "records_created_total",
			Help:      "Total exchange records created",
		},
		[]string{"backend", "type", "direction"},
	)

	// ExchangeTransitions tracks state machine transitions
	ExchangeTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "exchange",
			Name:      "transitions_total",
			Help:      "Total exchange record state transitions",
		},
		[]string{"from", "to"},
	)

	// ExchangePhaseDuration tracks time spent in a lifecycle phase
	ExchangePhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edirelay",
			Subsystem: "exchange",
			Name:      "phase_duration_seconds",
			Help:      "Time to run one lifecycle phase on a record",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// ExchangePhaseResults tracks phase outcomes
	ExchangePhaseResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "exchange",
			Name:      "phase_results_total",
			Help:      "Total phase runs by outcome",
		},
		[]string{"phase", "result"}, // result: success, recoverable, fatal
	)

	// ExchangeRecordsByState tracks records per state, refreshed by the scheduler
	ExchangeRecordsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "exchange",
			Name:      "records_by_state",
			Help:      "Number of exchange records per state",
		},
		[]string{"state"},
	)

	// Pool metrics

	// PoolMessagesProcessed tracks total jobs processed by a worker pool
	PoolMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "messages_processed_total",
			Help:      "Total jobs processed by worker pool",
		},
		[]string{"pool_code", "result"}, // result: success, failed, rate_limited
	)

	// PoolProcessingDuration tracks job processing duration
	PoolProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "processing_duration_seconds",
			Help:      "Time to process a job",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pool_code"},
	)

	// PoolActiveWorkers tracks number of active workers
	PoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "active_workers",
			Help:      "Number of active workers in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolQueueDepth tracks queue depth (pending jobs)
	PoolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "queue_depth",
			Help:      "Number of jobs pending in the pool queue",
		},
		[]string{"pool_code"},
	)

	// PoolRateLimitRejections tracks rate limit rejections
	PoolRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "rate_limit_rejections_total",
			Help:      "Total jobs rejected due to rate limiting",
		},
		[]string{"pool_code"},
	)

	// PoolAvailablePermits tracks available concurrency permits
	PoolAvailablePermits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "available_permits",
			Help:      "Available concurrency permits in the pool",
		},
		[]string{"pool_code"},
	)

	// PoolMessageGroupCount tracks active message groups
	PoolMessageGroupCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "pool",
			Name:      "message_group_count",
			Help:      "Number of active message groups in the pool",
		},
		[]string{"pool_code"},
	)

	// Transport metrics

	// TransportHTTPRequests tracks HTTP requests made by transport adapters
	TransportHTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "transport",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests made by transport adapters",
		},
		[]string{"status_code", "method"},
	)

	// TransportHTTPDuration tracks HTTP request duration per backend
	TransportHTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edirelay",
			Subsystem: "transport",
			Name:      "http_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	// TransportCircuitBreakerState tracks circuit breaker state
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	TransportCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// TransportCircuitBreakerTrips tracks circuit breaker trip events
	TransportCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "transport",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"backend"},
	)

	// Scheduler metrics

	// SchedulerRecordsScheduled tracks total records enqueued for a phase run
	SchedulerRecordsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "scheduler",
			Name:      "records_scheduled_total",
			Help:      "Total records enqueued for a phase run",
		},
	)

	// SchedulerRecordsReady tracks records ready for scheduling
	SchedulerRecordsReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "scheduler",
			Name:      "records_ready",
			Help:      "Number of records with a runnable phase",
		},
	)

	// SchedulerStaleRequeued tracks stale queued records recovered
	SchedulerStaleRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "scheduler",
			Name:      "stale_requeued_total",
			Help:      "Total stale queued records recovered",
		},
	)

	// SchedulerPollsTotal tracks inbound poll sweeps
	SchedulerPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "scheduler",
			Name:      "inbound_polls_total",
			Help:      "Total inbound backend poll sweeps",
		},
		[]string{"backend", "result"}, // result: success, failed
	)

	// Queue metrics

	// QueueMessagesPublished tracks messages published to queue
	QueueMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "queue",
			Name:      "messages_published_total",
			Help:      "Total messages published to queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueueMessagesConsumed tracks messages consumed from queue
	QueueMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "queue",
			Name:      "messages_consumed_total",
			Help:      "Total messages consumed from queue",
		},
		[]string{"queue_type"}, // nats, sqs
	)

	// QueuePublishErrors tracks queue publish errors
	QueuePublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "queue",
			Name:      "publish_errors_total",
			Help:      "Total queue publish errors",
		},
		[]string{"queue_type"},
	)

	// Consumer health metrics

	// ConsumerRestarts tracks consumer restart attempts
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "consumer",
			Name:      "restarts_total",
			Help:      "Total consumer restart attempts due to stall detection",
		},
	)

	// ConsumerStallEvents tracks consumer stall events
	ConsumerStallEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "consumer",
			Name:      "stall_events_total",
			Help:      "Total consumer stall events detected",
		},
	)

	// Leader election

	// LeaderElectionState tracks leader election status
	// 0 = follower, 1 = leader
	LeaderElectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "scheduler",
			Name:      "leader_election_state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edirelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edirelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPActiveConnections tracks active HTTP connections
	HTTPActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edirelay",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Number of active HTTP connections",
		},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
