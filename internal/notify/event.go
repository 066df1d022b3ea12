// Package notify carries task state events from workers to the gateways
// holding client connections, and tracks which connection is waiting on
// which task. Delivery is best effort on top of the durable status slot: a
// client that misses an event still finds the result by polling or through
// a session sync.
package notify

import (
	"encoding/json"
	"time"

	"github.com/quillhaven/taskwire/internal/task"
)

// Event announces a task state change on the event bus.
type Event struct {
	TaskID       string          `json:"task_id"`
	TenantID     string          `json:"tenant_id"`
	Type         string          `json:"type"`
	Status       task.Status     `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Source       string          `json:"source,omitempty"`
}

// FromResult builds the event announcing a task's result. Source names the
// service queue the task ran on.
func FromResult(res *task.Result, source string) Event {
	return Event{
		TaskID:       res.TaskID,
		TenantID:     res.TenantID,
		Type:         res.Type,
		Status:       res.Status,
		Result:       res.Result,
		ErrorCode:    res.ErrorCode,
		ErrorMessage: res.ErrorMessage,
		CompletedAt:  res.CompletedAt,
		Source:       source,
	}
}

// Terminal reports whether the event announces a final state.
func (e Event) Terminal() bool { return e.Status.Terminal() }
