// Package task defines the envelope that travels through the queue, the
// lifecycle states a task moves through, and the dead-letter record written
// when delivery gives up. Every producer, consumer, and gateway component
// speaks in these types.
package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quillhaven/taskwire/internal/taskerr"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never move
// again; late acks and duplicate events against them are dropped.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is legal.
// pending may start, fail (lifetime sweep), or be cancelled; processing may
// reach any terminal state or fall back to pending on redelivery.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled || next == StatusPending
	}
	return false
}

// Metadata keys with platform-wide meaning. Everything else in the metadata
// map is opaque and carried verbatim.
const (
	MetaSource        = "source"
	MetaAgentID       = "agent_id"
	MetaSessionID     = "session_id"
	MetaCollectionID  = "collection_id"
	MetaCorrelationID = "correlation_id"
)

// Priority bounds. 9 is most urgent, 0 least. Submissions outside the range
// are rejected, not clamped.
const (
	PriorityMin     = 0
	PriorityMax     = 9
	PriorityDefault = 5
)

// Envelope is the unit of work. It is stored as JSON under the task key and
// referenced from the queue by ID only, so queue members stay small.
type Envelope struct {
	TaskID         string            `json:"task_id"`
	TenantID       string            `json:"tenant_id"`
	Type           string            `json:"type"`
	Status         Status            `json:"status"`
	Priority       int               `json:"priority"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	AttemptCount   int               `json:"attempt_count"`
	MaxAttempts    int               `json:"max_attempts,omitempty"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// New builds a pending envelope with a fresh ID and creation time.
func New(tenantID, taskType string, payload json.RawMessage) *Envelope {
	return &Envelope{
		TaskID:    uuid.NewString(),
		TenantID:  tenantID,
		Type:      taskType,
		Status:    StatusPending,
		Priority:  PriorityDefault,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}
}

// Validate checks the invariants every enqueued envelope must satisfy.
func (e *Envelope) Validate() error {
	if e.TaskID == "" {
		return taskerr.Validation("task_id is required")
	}
	if e.TenantID == "" {
		return taskerr.Validation("tenant_id is required")
	}
	if e.Type == "" {
		return taskerr.Validation("type is required")
	}
	if e.Priority < PriorityMin || e.Priority > PriorityMax {
		return taskerr.Validation("priority %d out of range [%d,%d]", e.Priority, PriorityMin, PriorityMax)
	}
	return nil
}

// Meta returns the metadata value for key, or "" when absent.
func (e *Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SessionID is the WebSocket session recorded at submission, if any.
func (e *Envelope) SessionID() string { return e.Meta(MetaSessionID) }

// MarkProcessing stamps the start of an attempt.
func (e *Envelope) MarkProcessing(now time.Time) {
	now = now.UTC()
	e.Status = StatusProcessing
	e.StartedAt = &now
}

// MarkTerminal stamps a final state.
func (e *Envelope) MarkTerminal(st Status, now time.Time) {
	now = now.UTC()
	e.Status = st
	e.CompletedAt = &now
}
