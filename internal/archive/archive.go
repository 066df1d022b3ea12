// Package archive persists terminal tasks to Postgres so status lookups
// survive the Redis retention window.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

const insertTimeout = 10 * time.Second

const insertSQL = `
INSERT INTO taskwire.tasks_archive
    (task_id, tenant_id, task_type, status, priority, attempt_count,
     error_code, error_message, payload, result, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (task_id) DO NOTHING`

const lookupSQL = `
SELECT task_id, tenant_id, task_type, status, result, error_code,
       error_message, attempt_count, created_at, completed_at
FROM taskwire.tasks_archive
WHERE tenant_id = $1 AND task_id = $2`

// DB is the slice of pgxpool.Pool the archiver uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TaskSource looks up the live envelope to enrich archive rows with fields
// the completion event does not carry. May be nil.
type TaskSource interface {
	GetTask(ctx context.Context, tenantID, taskID string) (*task.Envelope, error)
}

// Archiver consumes the completion bus and writes terminal tasks to the
// archive table.
type Archiver struct {
	db     DB
	tasks  TaskSource
	logger *logging.Logger
}

func New(db DB, tasks TaskSource) *Archiver {
	return &Archiver{db: db, tasks: tasks, logger: logging.New("archive")}
}

// Run inserts terminal events until ctx is done. Insert failures are
// logged, not fatal: the archive is best-effort and the result slot stays
// authoritative for the retention window.
func (a *Archiver) Run(ctx context.Context, bus notify.Bus) error {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	a.logger.Plain().Info("archiver started")
	for ev := range events {
		if !ev.Terminal() {
			continue
		}
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), insertTimeout)
		if err := a.Insert(ictx, ev); err != nil {
			a.logger.WithContext(ictx).WithError(err).WithTask(ev.TaskID).Warn("archive insert failed")
		}
		cancel()
	}
	a.logger.Plain().Info("archiver stopped")
	return nil
}

// Insert writes one terminal event. The envelope is consulted for priority,
// attempts, payload, and creation time; when it has already expired the row
// keeps the event's fields and defaults. Replayed events no-op on the
// primary key.
func (a *Archiver) Insert(ctx context.Context, ev notify.Event) error {
	priority := task.PriorityDefault
	attempts := 0
	var payload json.RawMessage
	created := time.Now().UTC()

	if a.tasks != nil {
		if env, err := a.tasks.GetTask(ctx, ev.TenantID, ev.TaskID); err == nil {
			priority = env.Priority
			attempts = env.AttemptCount
			payload = env.Payload
			created = env.CreatedAt
		}
	}

	_, err := a.db.Exec(ctx, insertSQL,
		ev.TaskID, ev.TenantID, ev.Type, string(ev.Status), priority, attempts,
		nullable(ev.ErrorCode), nullable(ev.ErrorMessage),
		[]byte(payload), []byte(ev.Result), created, ev.CompletedAt)
	if err != nil {
		return taskerr.Transient(err)
	}
	return nil
}

// Lookup reads an archived task back as a result slot.
func (a *Archiver) Lookup(ctx context.Context, tenantID, taskID string) (*task.Result, error) {
	row := a.db.QueryRow(ctx, lookupSQL, tenantID, taskID)

	var (
		res     task.Result
		status  string
		result  []byte
		errCode *string
		errMsg  *string
	)
	err := row.Scan(&res.TaskID, &res.TenantID, &res.Type, &status, &result,
		&errCode, &errMsg, &res.AttemptCount, &res.CreatedAt, &res.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, taskerr.New(taskerr.KindValidation, taskerr.CodeTaskNotFound, "task not found")
	}
	if err != nil {
		return nil, taskerr.Transient(err)
	}

	res.Status = task.Status(status)
	res.Result = json.RawMessage(result)
	if errCode != nil {
		res.ErrorCode = *errCode
	}
	if errMsg != nil {
		res.ErrorMessage = *errMsg
	}
	return &res, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
