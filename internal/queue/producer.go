package queue

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
	"github.com/quillhaven/taskwire/internal/tracing"
)

// SubmitRequest is a task submission before it becomes an envelope.
// Priority is a pointer so an explicit 0 survives; absent means the
// default.
type SubmitRequest struct {
	Type           string            `json:"type"`
	TenantID       string            `json:"tenant_id"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Priority       *int              `json:"priority,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Producer turns submissions into enqueued envelopes. It owns type
// validation, priority defaulting, and idempotency, so every entry point
// (HTTP, CLI, gateway) submits through the same path.
type Producer struct {
	store  *Store
	types  *task.Types
	cfg    config.Queue
	logger *logging.Logger
}

func NewProducer(store *Store, types *task.Types, cfg config.Queue) *Producer {
	return &Producer{
		store:  store,
		types:  types,
		cfg:    cfg,
		logger: logging.New("taskwire-producer"),
	}
}

// Submit validates the request, builds the envelope, and enqueues it on the
// type's service queue. The bool reports a duplicate: when the idempotency
// key was already used, the original task's envelope comes back instead of
// a new one and nothing is enqueued.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (*task.Envelope, bool, error) {
	service, err := p.types.ServiceFor(req.Type)
	if err != nil {
		return nil, false, err
	}
	if req.TenantID == "" {
		return nil, false, taskerr.Validation("tenant_id is required")
	}
	if err := p.types.ValidatePayload(req.Type, req.Payload); err != nil {
		return nil, false, err
	}

	ctx, span := tracing.StartSpan(ctx, "producer.submit",
		attribute.String("task_type", req.Type),
		attribute.String("tenant_id", req.TenantID),
	)
	defer span.End()

	env := task.New(req.TenantID, req.Type, req.Payload)
	env.Metadata = req.Metadata
	env.MaxAttempts = p.cfg.MaxAttempts
	env.IdempotencyKey = req.IdempotencyKey
	if req.Priority != nil {
		env.Priority = *req.Priority
	}
	env.TraceHeaders = tracing.InjectEnvelope(ctx)
	if err := env.Validate(); err != nil {
		return nil, false, err
	}

	if req.IdempotencyKey != "" {
		existingID, reserved, err := p.store.ReserveIdempotent(ctx, req.TenantID, req.IdempotencyKey, env.TaskID)
		if err != nil {
			return nil, false, err
		}
		if !reserved {
			existing, err := p.store.GetTask(ctx, req.TenantID, existingID)
			switch {
			case err == nil:
				metrics.RecordDuplicateSubmission()
				tracing.AddSpanEvent(ctx, "producer.duplicate_submission",
					attribute.String("existing_task_id", existingID))
				p.logger.WithContext(ctx).
					WithTask(existingID).
					WithTenant(req.TenantID).
					WithField("idempotency_key", req.IdempotencyKey).
					Info("duplicate submission, returning original task")
				return existing, true, nil
			case taskerr.CodeOf(err) == taskerr.CodeTaskNotFound:
				// The reservation outlived its task: an earlier submit
				// crashed between reserving and enqueueing, or retention
				// expired the envelope first. Take the key over.
				if err := p.store.OverwriteIdempotent(ctx, req.TenantID, req.IdempotencyKey, env.TaskID); err != nil {
					return nil, false, err
				}
			default:
				return nil, false, err
			}
		}
	}

	if err := p.store.Enqueue(ctx, service, env); err != nil {
		return nil, false, err
	}

	metrics.RecordTaskSubmitted(req.Type, req.TenantID)
	p.logger.WithContext(ctx).
		WithTask(env.TaskID).
		WithTaskType(env.Type).
		WithTenant(env.TenantID).
		WithQueue(service).
		WithField("priority", env.Priority).
		Info("task submitted")
	return env, false, nil
}
