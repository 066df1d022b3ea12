package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	// This should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()

	MustRegister(registry)

	// Record some values so metrics appear in Gather()
	RecordTaskSubmitted("single_embedding", "tenant-1")
	RecordDuplicateSubmission()
	RecordTaskCompleted("completed", "single_embedding", 200*time.Millisecond)
	RecordRetry("transient")
	RecordDLQ("embedding")
	RecordLeaseExpired("embedding")
	UpdateQueueBacklog("embedding", 4)
	UpdateTenantBacklog("embedding", "tenant-1", 2)
	RecordNotification("delivered")
	AddWSConnection()
	RecordCall("embeddings:v1/embeddings", "200", 50*time.Millisecond)
	RecordCallRetry("embeddings:v1/embeddings")
	RecordBreakerTransition("embeddings:v1/embeddings", "open")
	RecordCacheHit()
	RecordCacheMiss()

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Errorf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"taskwire_tasks_submitted_total",
		"taskwire_duplicate_submissions_total",
		"taskwire_tasks_completed_total",
		"taskwire_task_duration_seconds",
		"taskwire_retries_total",
		"taskwire_dlq_total",
		"taskwire_lease_expirations_total",
		"taskwire_queue_backlog",
		"taskwire_queue_tenant_backlog",
		"taskwire_notifications_total",
		"taskwire_ws_connections",
		"taskwire_calls_total",
		"taskwire_call_latency_seconds",
		"taskwire_call_retries_total",
		"taskwire_breaker_transitions_total",
		"taskwire_call_cache_hits_total",
		"taskwire_call_cache_misses_total",
	}

	registeredMetrics := make(map[string]bool)
	for _, mf := range metricFamilies {
		registeredMetrics[mf.GetName()] = true
	}

	for _, expected := range expectedMetrics {
		if !registeredMetrics[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordTaskSubmitted(t *testing.T) {
	TasksSubmittedTotal.Reset()

	tests := []struct {
		name     string
		taskType string
		tenantID string
		calls    int
	}{
		{
			name:     "single submission",
			taskType: "single_embedding",
			tenantID: "tenant-123",
			calls:    1,
		},
		{
			name:     "multiple submissions",
			taskType: "tool_execution",
			tenantID: "tenant-456",
			calls:    5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTaskSubmitted(tt.taskType, tt.tenantID)
			}

			counter := TasksSubmittedTotal.WithLabelValues(tt.taskType, tt.tenantID)
			value := testutil.ToFloat64(counter)
			if value != float64(tt.calls) {
				t.Errorf("RecordTaskSubmitted() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompletedTotal.Reset()
	TaskDurationSeconds.Reset()

	tests := []struct {
		name     string
		status   string
		taskType string
		duration time.Duration
		calls    int
	}{
		{
			name:     "completed tasks",
			status:   "completed",
			taskType: "single_embedding",
			duration: 150 * time.Millisecond,
			calls:    3,
		},
		{
			name:     "failed tasks",
			status:   "failed",
			taskType: "tool_execution",
			duration: 2 * time.Second,
			calls:    1,
		},
		{
			name:     "cancelled tasks",
			status:   "cancelled",
			taskType: "batch_embeddings",
			duration: 10 * time.Millisecond,
			calls:    2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordTaskCompleted(tt.status, tt.taskType, tt.duration)
			}

			counter := TasksCompletedTotal.WithLabelValues(tt.status, tt.taskType)
			value := testutil.ToFloat64(counter)
			if value != float64(tt.calls) {
				t.Errorf("RecordTaskCompleted() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestRecordRetry(t *testing.T) {
	RetriesTotal.Reset()

	tests := []struct {
		name   string
		reason string
		calls  int
	}{
		{
			name:   "transient retries",
			reason: "transient",
			calls:  4,
		},
		{
			name:   "lease expiry redeliveries",
			reason: "lease_expired",
			calls:  2,
		},
		{
			name:   "downstream retries",
			reason: "downstream",
			calls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordRetry(tt.reason)
			}

			value := testutil.ToFloat64(RetriesTotal.WithLabelValues(tt.reason))
			if value != float64(tt.calls) {
				t.Errorf("RecordRetry() counter value = %f, want %f", value, float64(tt.calls))
			}
		})
	}
}

func TestUpdateQueueBacklog(t *testing.T) {
	QueueBacklog.Reset()

	tests := []struct {
		name    string
		service string
		depth   float64
	}{
		{
			name:    "positive backlog",
			service: "embedding",
			depth:   12,
		},
		{
			name:    "zero backlog",
			service: "tools",
			depth:   0,
		},
		{
			name:    "overwrite previous value",
			service: "embedding",
			depth:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			UpdateQueueBacklog(tt.service, tt.depth)

			value := testutil.ToFloat64(QueueBacklog.WithLabelValues(tt.service))
			if value != tt.depth {
				t.Errorf("UpdateQueueBacklog() gauge value = %f, want %f", value, tt.depth)
			}
		})
	}
}

func TestWSConnectionGauge(t *testing.T) {
	WSConnections.Set(0)

	AddWSConnection()
	AddWSConnection()
	AddWSConnection()
	RemoveWSConnection()

	value := testutil.ToFloat64(WSConnections)
	if value != 2 {
		t.Errorf("WSConnections gauge = %f, want 2", value)
	}
}

func TestRecordCall(t *testing.T) {
	CallsTotal.Reset()
	CallLatencySeconds.Reset()

	RecordCall("tools:v1/tools/execute", "200", 80*time.Millisecond)
	RecordCall("tools:v1/tools/execute", "200", 120*time.Millisecond)
	RecordCall("tools:v1/tools/execute", "503", 10*time.Millisecond)

	ok := testutil.ToFloat64(CallsTotal.WithLabelValues("tools:v1/tools/execute", "200"))
	if ok != 2 {
		t.Errorf("RecordCall() 200 counter = %f, want 2", ok)
	}
	failed := testutil.ToFloat64(CallsTotal.WithLabelValues("tools:v1/tools/execute", "503"))
	if failed != 1 {
		t.Errorf("RecordCall() 503 counter = %f, want 1", failed)
	}
}

func TestRecordNotification(t *testing.T) {
	NotificationsTotal.Reset()

	RecordNotification("delivered")
	RecordNotification("delivered")
	RecordNotification("dropped")
	RecordNotification("duplicate")

	tests := []struct {
		result string
		want   float64
	}{
		{"delivered", 2},
		{"dropped", 1},
		{"duplicate", 1},
		{"unclaimed", 0},
	}

	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			value := testutil.ToFloat64(NotificationsTotal.WithLabelValues(tt.result))
			if value != tt.want {
				t.Errorf("NotificationsTotal[%s] = %f, want %f", tt.result, value, tt.want)
			}
		})
	}
}
