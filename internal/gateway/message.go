// Package gateway is the WebSocket edge: it upgrades client connections,
// routes Domain/Action messages, and pushes task completions to the
// connection that is waiting on them.
//
// Reconnection is the client's job: redial with capped exponential backoff
// plus jitter and a bounded attempt budget, then surface a hard failure.
// On reconnect, session.sync replays any terminal results the drop missed.
// The server never buffers frames for a dead connection; the result slot
// is the durable fallback.
package gateway

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// SchemaVersion stamps every outbound message. Bump only with a migration
// plan for connected clients.
const SchemaVersion = "1.0"

// Message domains.
const (
	DomainChat     = "chat"
	DomainTool     = "tool"
	DomainWorkflow = "workflow"
	DomainSystem   = "system"
	DomainSession  = "session"
)

// Message actions.
const (
	ActionStream       = "stream"
	ActionCompleted    = "completed"
	ActionStatusUpdate = "status_update"
	ActionExecute      = "execute"
	ActionResult       = "result"
	ActionError        = "error"
	ActionCancel       = "cancel"
	ActionPing         = "ping"
	ActionSync         = "sync"
)

var validDomains = map[string]bool{
	DomainChat:     true,
	DomainTool:     true,
	DomainWorkflow: true,
	DomainSystem:   true,
	DomainSession:  true,
}

var validActions = map[string]bool{
	ActionStream:       true,
	ActionCompleted:    true,
	ActionStatusUpdate: true,
	ActionExecute:      true,
	ActionResult:       true,
	ActionError:        true,
	ActionCancel:       true,
	ActionPing:         true,
	ActionSync:         true,
}

// MessageType routes a message to its handler.
type MessageType struct {
	Domain string `json:"domain"`
	Action string `json:"action"`
}

func (t MessageType) String() string { return t.Domain + "." + t.Action }

// Message is the WebSocket envelope, both directions.
type Message struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Type          MessageType     `json:"type"`
	SchemaVersion string          `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SourceService string          `json:"source_service,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an outbound envelope with a fresh ID. Data is marshaled
// in place; a nil data leaves the field empty.
func NewMessage(domain, action string, data any) (*Message, error) {
	msg := &Message{
		MessageID:     uuid.NewString(),
		Type:          MessageType{Domain: domain, Action: action},
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// ParseMessage decodes and validates an inbound frame.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	if !validDomains[msg.Type.Domain] {
		return nil, taskerr.Validation("unknown message domain %q", msg.Type.Domain)
	}
	if !validActions[msg.Type.Action] {
		return nil, taskerr.Validation("unknown message action %q", msg.Type.Action)
	}
	return &msg, nil
}

// Is reports whether the message carries the given domain and action.
func (m *Message) Is(domain, action string) bool {
	return m.Type.Domain == domain && m.Type.Action == action
}

// domainForTaskType buckets task types into message domains by their naming
// convention: tool_* tasks talk on the tool domain, workflow_* on workflow,
// everything else on chat.
func domainForTaskType(taskType string) string {
	switch {
	case strings.HasPrefix(taskType, "tool"):
		return DomainTool
	case strings.HasPrefix(taskType, "workflow"):
		return DomainWorkflow
	default:
		return DomainChat
	}
}

// TypeForEvent maps a task event to the Domain/Action its watchers expect:
// completions land as tool.result / workflow.status_update / chat.completed
// by task type, failures as system.error, everything else as a status
// update on the task's domain.
func TypeForEvent(ev notify.Event) MessageType {
	domain := domainForTaskType(ev.Type)
	switch ev.Status {
	case task.StatusFailed:
		return MessageType{Domain: DomainSystem, Action: ActionError}
	case task.StatusCompleted:
		switch domain {
		case DomainTool:
			return MessageType{Domain: DomainTool, Action: ActionResult}
		case DomainWorkflow:
			return MessageType{Domain: DomainWorkflow, Action: ActionStatusUpdate}
		default:
			return MessageType{Domain: domain, Action: ActionCompleted}
		}
	default:
		return MessageType{Domain: domain, Action: ActionStatusUpdate}
	}
}

// completionData is the data block of a completion push.
type completionData struct {
	TaskID        string          `json:"task_id"`
	Type          string          `json:"type"`
	Status        task.Status     `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Severity      string          `json:"severity,omitempty"`
	IsRecoverable bool            `json:"is_recoverable,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// MessageFromEvent wraps a task event in the envelope its watchers expect.
func MessageFromEvent(ev notify.Event) (*Message, error) {
	data := completionData{
		TaskID:       ev.TaskID,
		Type:         ev.Type,
		Status:       ev.Status,
		Result:       ev.Result,
		ErrorCode:    ev.ErrorCode,
		ErrorMessage: ev.ErrorMessage,
		CompletedAt:  ev.CompletedAt,
	}
	if ev.Status == task.StatusFailed {
		data.Severity = "error"
	}

	mt := TypeForEvent(ev)
	msg, err := NewMessage(mt.Domain, mt.Action, data)
	if err != nil {
		return nil, err
	}
	msg.TenantID = ev.TenantID
	msg.SourceService = ev.Source
	return msg, nil
}
