package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_tasks_submitted_total",
			Help: "Total number of tasks accepted by the producer.",
		},
		[]string{"type", "tenant_id"},
	)

	DuplicateSubmissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_duplicate_submissions_total",
			Help: "Total number of submissions resolved to an existing task by idempotency key.",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state, by status and type.",
		},
		[]string{"status", "type"},
	)

	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskwire_task_duration_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_retries_total",
			Help: "Total number of task redeliveries by reason.",
		},
		[]string{"reason"}, // e.g. transient, timeout, downstream, lease_expired
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_dlq_total",
			Help: "Total number of tasks moved to the dead letter queue.",
		},
		[]string{"service"},
	)

	LeaseExpirationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_lease_expirations_total",
			Help: "Total number of leases that expired before ack.",
		},
		[]string{"service"},
	)

	QueueBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwire_queue_backlog",
			Help: "Tasks waiting in queue per service across all tenants.",
		},
		[]string{"service"},
	)

	QueueTenantBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwire_queue_tenant_backlog",
			Help: "Tasks waiting in queue per service and tenant.",
		},
		[]string{"service", "tenant_id"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_notifications_total",
			Help: "Completion notifications by delivery result.",
		},
		[]string{"result"}, // delivered, dropped, duplicate, unclaimed
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskwire_ws_connections",
			Help: "Currently open WebSocket connections.",
		},
	)

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_calls_total",
			Help: "Outbound service calls by endpoint and outcome.",
		},
		[]string{"endpoint", "code"},
	)

	CallLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskwire_call_latency_seconds",
			Help:    "Outbound service call latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	CallRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_call_retries_total",
			Help: "Outbound service call retry attempts by endpoint.",
		},
		[]string{"endpoint"},
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskwire_breaker_transitions_total",
			Help: "Circuit breaker state transitions by endpoint and new state.",
		},
		[]string{"endpoint", "state"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_call_cache_hits_total",
			Help: "Outbound call responses served from cache.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwire_call_cache_misses_total",
			Help: "Outbound call cache lookups that missed.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksSubmittedTotal,
		DuplicateSubmissionsTotal,
		TasksCompletedTotal,
		TaskDurationSeconds,
		RetriesTotal,
		DLQTotal,
		LeaseExpirationsTotal,
		QueueBacklog,
		QueueTenantBacklog,
		NotificationsTotal,
		WSConnections,
		CallsTotal,
		CallLatencySeconds,
		CallRetriesTotal,
		BreakerTransitionsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
	)
}

// RecordTaskSubmitted increments the submission counter.
func RecordTaskSubmitted(taskType, tenantID string) {
	TasksSubmittedTotal.WithLabelValues(taskType, tenantID).Inc()
}

// RecordDuplicateSubmission increments the idempotency hit counter.
func RecordDuplicateSubmission() {
	DuplicateSubmissionsTotal.Inc()
}

// RecordTaskCompleted records a terminal state with total task duration.
func RecordTaskCompleted(status, taskType string, duration time.Duration) {
	TasksCompletedTotal.WithLabelValues(status, taskType).Inc()
	TaskDurationSeconds.WithLabelValues(taskType).Observe(duration.Seconds())
}

// RecordRetry increments the redelivery counter for a failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ increments the dead letter counter for a service queue.
func RecordDLQ(service string) {
	DLQTotal.WithLabelValues(service).Inc()
}

// RecordLeaseExpired increments the lease expiry counter for a service queue.
func RecordLeaseExpired(service string) {
	LeaseExpirationsTotal.WithLabelValues(service).Inc()
}

// UpdateQueueBacklog sets the aggregate backlog gauge for a service queue.
func UpdateQueueBacklog(service string, depth float64) {
	QueueBacklog.WithLabelValues(service).Set(depth)
}

// UpdateTenantBacklog sets the per-tenant backlog gauge.
func UpdateTenantBacklog(service, tenantID string, depth float64) {
	QueueTenantBacklog.WithLabelValues(service, tenantID).Set(depth)
}

// RecordNotification counts a completion notification outcome.
func RecordNotification(result string) {
	NotificationsTotal.WithLabelValues(result).Inc()
}

// AddWSConnection and RemoveWSConnection track open gateway sockets.
func AddWSConnection()    { WSConnections.Inc() }
func RemoveWSConnection() { WSConnections.Dec() }

// RecordCall records an outbound service call outcome with latency.
func RecordCall(endpoint, code string, duration time.Duration) {
	CallsTotal.WithLabelValues(endpoint, code).Inc()
	CallLatencySeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCallRetry increments the outbound retry counter for an endpoint.
func RecordCallRetry(endpoint string) {
	CallRetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(endpoint, state string) {
	BreakerTransitionsTotal.WithLabelValues(endpoint, state).Inc()
}

// RecordCacheHit and RecordCacheMiss track the outbound response cache.
func RecordCacheHit()  { CacheHitsTotal.Inc() }
func RecordCacheMiss() { CacheMissesTotal.Inc() }
