package task

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/quillhaven/taskwire/internal/taskerr"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Status(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending starts processing", StatusPending, StatusProcessing, true},
		{"pending can be cancelled", StatusPending, StatusCancelled, true},
		{"pending can fail on lifetime sweep", StatusPending, StatusFailed, true},
		{"pending cannot complete directly", StatusPending, StatusCompleted, false},
		{"processing completes", StatusProcessing, StatusCompleted, true},
		{"processing fails", StatusProcessing, StatusFailed, true},
		{"processing can be cancelled", StatusProcessing, StatusCancelled, true},
		{"processing falls back to pending on redelivery", StatusProcessing, StatusPending, true},
		{"completed is final", StatusCompleted, StatusPending, false},
		{"failed is final", StatusFailed, StatusProcessing, false},
		{"cancelled is final", StatusCancelled, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UTC()
	e := New("tenant-1", "single_embedding", json.RawMessage(`{"text":"hi"}`))
	after := time.Now().UTC()

	if e.TaskID == "" {
		t.Error("New() TaskID is empty, want a generated ID")
	}
	if e.Status != StatusPending {
		t.Errorf("New() Status = %q, want %q", e.Status, StatusPending)
	}
	if e.Priority != PriorityDefault {
		t.Errorf("New() Priority = %d, want %d", e.Priority, PriorityDefault)
	}
	if e.CreatedAt.Before(before) || e.CreatedAt.After(after) {
		t.Errorf("New() CreatedAt %v not between %v and %v", e.CreatedAt, before, after)
	}
	if e.AttemptCount != 0 {
		t.Errorf("New() AttemptCount = %d, want 0", e.AttemptCount)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{
			TaskID:   "task-1",
			TenantID: "tenant-1",
			Type:     "single_embedding",
			Priority: 5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr string
	}{
		{
			name:    "valid envelope",
			mutate:  func(e *Envelope) {},
			wantErr: "",
		},
		{
			name:    "missing task id",
			mutate:  func(e *Envelope) { e.TaskID = "" },
			wantErr: "task_id",
		},
		{
			name:    "missing tenant",
			mutate:  func(e *Envelope) { e.TenantID = "" },
			wantErr: "tenant_id",
		},
		{
			name:    "missing type",
			mutate:  func(e *Envelope) { e.Type = "" },
			wantErr: "type",
		},
		{
			name:    "priority above range",
			mutate:  func(e *Envelope) { e.Priority = 10 },
			wantErr: "priority",
		},
		{
			name:    "priority below range",
			mutate:  func(e *Envelope) { e.Priority = -1 },
			wantErr: "priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want error containing %q", err.Error(), tt.wantErr)
			}
			if taskerr.KindOf(err) != taskerr.KindValidation {
				t.Errorf("Validate() kind = %q, want %q", taskerr.KindOf(err), taskerr.KindValidation)
			}
		})
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	e := Envelope{
		TaskID:         "task-123",
		TenantID:       "tenant-456",
		Type:           "tool_execution",
		Status:         StatusProcessing,
		Priority:       7,
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		StartedAt:      &started,
		Metadata:       map[string]string{MetaSessionID: "sess-1", MetaSource: "api"},
		Payload:        json.RawMessage(`{"tool":"search","args":{"q":"go"}}`),
		IdempotencyKey: "idem-1",
		AttemptCount:   2,
		MaxAttempts:    3,
		TraceHeaders:   map[string]string{"traceparent": "00-abc-def-01"},
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if got.TaskID != e.TaskID {
		t.Errorf("round-trip TaskID = %q, want %q", got.TaskID, e.TaskID)
	}
	if got.Status != e.Status {
		t.Errorf("round-trip Status = %q, want %q", got.Status, e.Status)
	}
	if got.SessionID() != "sess-1" {
		t.Errorf("round-trip SessionID() = %q, want %q", got.SessionID(), "sess-1")
	}
	if string(got.Payload) != string(e.Payload) {
		t.Errorf("round-trip Payload = %s, want %s", got.Payload, e.Payload)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("round-trip CreatedAt = %v, want %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestMarkProcessingAndTerminal(t *testing.T) {
	e := New("tenant-1", "single_embedding", nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e.MarkProcessing(now)
	if e.Status != StatusProcessing {
		t.Errorf("MarkProcessing() Status = %q, want %q", e.Status, StatusProcessing)
	}
	if e.StartedAt == nil || !e.StartedAt.Equal(now) {
		t.Errorf("MarkProcessing() StartedAt = %v, want %v", e.StartedAt, now)
	}

	done := now.Add(2 * time.Second)
	e.MarkTerminal(StatusCompleted, done)
	if e.Status != StatusCompleted {
		t.Errorf("MarkTerminal() Status = %q, want %q", e.Status, StatusCompleted)
	}
	if e.CompletedAt == nil || !e.CompletedAt.Equal(done) {
		t.Errorf("MarkTerminal() CompletedAt = %v, want %v", e.CompletedAt, done)
	}
}

func TestNewDeadLetter(t *testing.T) {
	e := Envelope{
		TaskID:   "task-1",
		TenantID: "tenant-1",
		Type:     "batch_embeddings",
		Status:   StatusProcessing,
	}

	before := time.Now()
	dl := NewDeadLetter(e, 3, "connection timeout", "max attempts exceeded")
	after := time.Now()

	if dl.Type != DLQType {
		t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
	}
	if dl.Version != "v1" {
		t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
	}
	if dl.Attempt != 3 {
		t.Errorf("NewDeadLetter() Attempt = %d, want 3", dl.Attempt)
	}
	if dl.LastError != "connection timeout" {
		t.Errorf("NewDeadLetter() LastError = %q, want %q", dl.LastError, "connection timeout")
	}
	if dl.Task.TaskID != e.TaskID {
		t.Errorf("NewDeadLetter() Task.TaskID = %q, want %q", dl.Task.TaskID, e.TaskID)
	}

	parsed, err := time.Parse(time.RFC3339Nano, dl.At)
	if err != nil {
		t.Errorf("NewDeadLetter() At timestamp parse error: %v", err)
	}
	if parsed.Before(before) || parsed.After(after) {
		t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsed, before, after)
	}
}

func TestNewResultSnapshotsEnvelope(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	e := &Envelope{
		TaskID:       "task-9",
		TenantID:     "tenant-2",
		Type:         "tool_execution",
		Status:       StatusCompleted,
		AttemptCount: 2,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CompletedAt:  &completed,
	}

	r := NewResult(e)
	if r.TaskID != e.TaskID {
		t.Errorf("NewResult() TaskID = %q, want %q", r.TaskID, e.TaskID)
	}
	if r.Status != StatusCompleted {
		t.Errorf("NewResult() Status = %q, want %q", r.Status, StatusCompleted)
	}
	if r.AttemptCount != 2 {
		t.Errorf("NewResult() AttemptCount = %d, want 2", r.AttemptCount)
	}
	if r.CompletedAt == nil || !r.CompletedAt.Equal(completed) {
		t.Errorf("NewResult() CompletedAt = %v, want %v", r.CompletedAt, completed)
	}
}
