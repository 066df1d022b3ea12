package task

import (
	"encoding/json"
	"time"
)

// Result is the status slot readable for the retention window. It is
// written as pending at submission so a status poll never 404s for a live
// task, and overwritten on every state change.
type Result struct {
	TaskID       string          `json:"task_id"`
	TenantID     string          `json:"tenant_id"`
	Type         string          `json:"type"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewResult snapshots the envelope's current state into a status slot.
func NewResult(e *Envelope) *Result {
	return &Result{
		TaskID:       e.TaskID,
		TenantID:     e.TenantID,
		Type:         e.Type,
		Status:       e.Status,
		AttemptCount: e.AttemptCount,
		CreatedAt:    e.CreatedAt,
		CompletedAt:  e.CompletedAt,
	}
}
