// Package queue implements the Redis-backed task queue: per-tenant priority
// queues, lease-based at-least-once delivery, scheduled retries, lifetime
// deadlines, and the dead letter list. One Store serves every service queue
// under a shared key prefix.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quillhaven/taskwire/internal/backoff"
	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// priorityBand separates priority levels in the queue score. It is wider
// than any plausible millisecond timestamp range, and both the band multiple
// and the sum stay exactly representable in a float64.
const priorityBand = 1e13

// sweepBatch bounds how many members a single janitor pass moves per set.
const sweepBatch = 100

// queueScore orders queue members by priority band first, submission time
// second. Priority 9 maps to the lowest band so ZPOPMIN pops the most urgent
// task; within a band the earlier submission wins.
func queueScore(priority int, createdAt time.Time) float64 {
	return float64(task.PriorityMax-priority)*priorityBand + float64(createdAt.UnixMilli())
}

// leaseMember encodes tenant and task into one member so lease, retry, and
// deadline sets carry enough to find the envelope without a second lookup.
// Task IDs are UUIDs and never contain a colon, so the last colon splits.
func leaseMember(tenantID, taskID string) string {
	return tenantID + ":" + taskID
}

func splitMember(member string) (tenantID, taskID string, ok bool) {
	i := strings.LastIndex(member, ":")
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

// dequeueScript pops the best task from a tenant queue and records its lease
// in the same atomic step, so a worker crash between the two cannot lose the
// task. KEYS[1] is the tenant queue, KEYS[2] the service lease set. ARGV[1]
// is the lease expiry in unix ms, ARGV[2] the tenant ID.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2] .. ':' .. popped[1])
return popped[1]
`)

// pruneScript removes a tenant from the active set only while its queue is
// empty, so a concurrent enqueue cannot be stranded. KEYS[1] is the tenant
// queue, KEYS[2] the active set, ARGV[1] the tenant ID.
var pruneScript = redis.NewScript(`
if redis.call('ZCARD', KEYS[1]) == 0 then
  return redis.call('SREM', KEYS[2], ARGV[1])
end
return 0
`)

// Store is the Redis-backed task queue. Queue members hold task IDs only;
// envelopes and status slots live under their own keys with the retention
// TTL, so a finished task stays readable after its queue entry is gone.
type Store struct {
	rdb     *redis.Client
	prefix  string
	cfg     config.Queue
	backoff backoff.Policy
}

// NewStore builds a store over rdb. The prefix namespaces every key; the
// policy schedules retry delays after failed attempts.
func NewStore(rdb *redis.Client, prefix string, cfg config.Queue, pol backoff.Policy) *Store {
	return &Store{rdb: rdb, prefix: prefix, cfg: cfg, backoff: pol}
}

// Client exposes the underlying Redis client for health probes.
func (s *Store) Client() *redis.Client { return s.rdb }

// Lifetime reports the configured lifetime for a task type.
func (s *Store) Lifetime(taskType string) time.Duration { return s.cfg.Lifetime(taskType) }

// LeaseTTL reports the configured lease window.
func (s *Store) LeaseTTL() time.Duration { return s.cfg.LeaseTTL }

func (s *Store) queueKey(service, tenantID string) string {
	return s.prefix + "q:" + service + ":" + tenantID
}

func (s *Store) activeKey(service string) string { return s.prefix + "active:" + service }

func (s *Store) taskKey(tenantID, taskID string) string {
	return s.prefix + "task:" + tenantID + ":" + taskID
}

func (s *Store) resultKey(tenantID, taskID string) string {
	return s.prefix + "result:" + tenantID + ":" + taskID
}

func (s *Store) idemKey(tenantID, key string) string {
	return s.prefix + "idem:" + tenantID + ":" + key
}

func (s *Store) leaseKey(service string) string    { return s.prefix + "lease:" + service }
func (s *Store) retryKey(service string) string    { return s.prefix + "retry:" + service }
func (s *Store) deadlineKey(service string) string { return s.prefix + "deadline:" + service }
func (s *Store) dlqKey(service string) string      { return s.prefix + "dlq:" + service }

func (s *Store) cancelKey(tenantID, taskID string) string {
	return s.prefix + "cancel:" + tenantID + ":" + taskID
}

func (s *Store) maxAttempts(env *task.Envelope) int {
	if env.MaxAttempts > 0 {
		return env.MaxAttempts
	}
	return s.cfg.MaxAttempts
}

func (s *Store) writeEnvelope(ctx context.Context, c redis.Cmdable, env *task.Envelope) {
	b, _ := json.Marshal(env)
	c.Set(ctx, s.taskKey(env.TenantID, env.TaskID), b, s.cfg.RetentionTTL)
}

func (s *Store) writeResult(ctx context.Context, c redis.Cmdable, res *task.Result) {
	b, _ := json.Marshal(res)
	c.Set(ctx, s.resultKey(res.TenantID, res.TaskID), b, s.cfg.RetentionTTL)
}

// Enqueue persists the envelope, seeds its status slot as pending, and makes
// the task claimable on the tenant's queue. The deadline entry starts the
// lifetime clock for the type.
func (s *Store) Enqueue(ctx context.Context, service string, env *task.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	member := leaseMember(env.TenantID, env.TaskID)
	deadline := env.CreatedAt.Add(s.cfg.Lifetime(env.Type))

	pipe := s.rdb.TxPipeline()
	s.writeEnvelope(ctx, pipe, env)
	s.writeResult(ctx, pipe, task.NewResult(env))
	pipe.ZAdd(ctx, s.queueKey(service, env.TenantID), redis.Z{
		Score:  queueScore(env.Priority, env.CreatedAt),
		Member: env.TaskID,
	})
	pipe.SAdd(ctx, s.activeKey(service), env.TenantID)
	pipe.ZAdd(ctx, s.deadlineKey(service), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return nil
}

// Dequeue claims the next task for the service, visiting tenant queues from
// a random start so no tenant can starve the others. Returns nil without
// error when every queue is empty.
func (s *Store) Dequeue(ctx context.Context, service string) (*task.Envelope, error) {
	tenants, err := s.rdb.SMembers(ctx, s.activeKey(service)).Result()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	if len(tenants) == 0 {
		return nil, nil
	}

	start := rand.Intn(len(tenants))
	for i := range tenants {
		tenant := tenants[(start+i)%len(tenants)]
		env, err := s.DequeueTenant(ctx, service, tenant)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
	}
	return nil, nil
}

// DequeueTenant claims the next task from one tenant's queue. The pop and
// the lease write happen in one script; the envelope update afterwards is
// crash-safe because an orphaned lease is reclaimed by the janitor.
func (s *Store) DequeueTenant(ctx context.Context, service, tenantID string) (*task.Envelope, error) {
	expiry := time.Now().Add(s.cfg.LeaseTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, s.rdb,
		[]string{s.queueKey(service, tenantID), s.leaseKey(service)},
		expiry, tenantID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	taskID, _ := res.(string)
	if taskID == "" {
		return nil, nil
	}

	env, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		// Envelope gone, likely past retention. Drop the orphan lease.
		if taskerr.CodeOf(err) == taskerr.CodeTaskNotFound {
			s.rdb.ZRem(ctx, s.leaseKey(service), leaseMember(tenantID, taskID))
			return nil, nil
		}
		return nil, err
	}
	if env.Status.Terminal() {
		// Cancelled or timed out while queued. Drop the claim.
		s.rdb.ZRem(ctx, s.leaseKey(service), leaseMember(tenantID, taskID))
		return nil, nil
	}

	env.AttemptCount++
	env.MarkProcessing(time.Now())

	pipe := s.rdb.TxPipeline()
	s.writeEnvelope(ctx, pipe, env)
	s.writeResult(ctx, pipe, task.NewResult(env))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return env, nil
}

// ExtendLease pushes the lease expiry forward. Returns false when the lease
// no longer exists, meaning the janitor reclaimed it and another worker may
// already hold the task.
func (s *Store) ExtendLease(ctx context.Context, service string, env *task.Envelope) (bool, error) {
	expiry := float64(time.Now().Add(s.cfg.LeaseTTL).UnixMilli())
	n, err := s.rdb.ZAddArgs(ctx, s.leaseKey(service), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: expiry, Member: leaseMember(env.TenantID, env.TaskID)}},
	}).Result()
	if err != nil {
		return false, taskerr.Transient(err)
	}
	return n > 0, nil
}

// Ack completes the task, stores its result, and releases the lease. Acking
// after the lease was reclaimed just rewrites the same terminal state, which
// at-least-once delivery tolerates.
func (s *Store) Ack(ctx context.Context, service string, env *task.Envelope, result json.RawMessage) (*task.Result, error) {
	env.MarkTerminal(task.StatusCompleted, time.Now())
	res := task.NewResult(env)
	res.Result = result

	if err := s.finishTask(ctx, service, env, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Fail marks the task permanently failed with a stable error code.
func (s *Store) Fail(ctx context.Context, service string, env *task.Envelope, code, message string) (*task.Result, error) {
	env.MarkTerminal(task.StatusFailed, time.Now())
	res := task.NewResult(env)
	res.ErrorCode = code
	res.ErrorMessage = message

	if err := s.finishTask(ctx, service, env, res); err != nil {
		return nil, err
	}
	return res, nil
}

// finishTask writes a terminal state and clears every claim the task holds.
func (s *Store) finishTask(ctx context.Context, service string, env *task.Envelope, res *task.Result) error {
	member := leaseMember(env.TenantID, env.TaskID)

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.leaseKey(service), member)
	pipe.ZRem(ctx, s.deadlineKey(service), member)
	pipe.Del(ctx, s.cancelKey(env.TenantID, env.TaskID))
	s.writeEnvelope(ctx, pipe, env)
	s.writeResult(ctx, pipe, res)
	if _, err := pipe.Exec(ctx); err != nil {
		return taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return nil
}

// Nack records a retryable failure. The task returns to the retry schedule
// with backoff, or moves to the dead letter queue once attempts are
// exhausted. The result is non-nil only when the task went dead.
func (s *Store) Nack(ctx context.Context, service string, env *task.Envelope, cause error) (*task.Result, bool, error) {
	if env.AttemptCount >= s.maxAttempts(env) {
		dl := task.NewDeadLetter(*env, env.AttemptCount, errString(cause),
			fmt.Sprintf("max attempts reached (%d)", env.AttemptCount))
		b, _ := json.Marshal(dl)
		if err := s.rdb.LPush(ctx, s.dlqKey(service), b).Err(); err != nil {
			return nil, false, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
		}
		res, err := s.Fail(ctx, service, env, taskerr.CodeAttemptsExhausted, errString(cause))
		if err != nil {
			return nil, false, err
		}
		return res, true, nil
	}

	delay := s.backoff.Delay(env.AttemptCount)
	env.Status = task.StatusPending
	res := task.NewResult(env)
	res.ErrorMessage = errString(cause)

	member := leaseMember(env.TenantID, env.TaskID)
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.leaseKey(service), member)
	pipe.ZAdd(ctx, s.retryKey(service), redis.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: member,
	})
	s.writeEnvelope(ctx, pipe, env)
	s.writeResult(ctx, pipe, res)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return nil, false, nil
}

// GetTask loads the stored envelope.
func (s *Store) GetTask(ctx context.Context, tenantID, taskID string) (*task.Envelope, error) {
	b, err := s.rdb.Get(ctx, s.taskKey(tenantID, taskID)).Bytes()
	if err == redis.Nil {
		return nil, taskerr.New(taskerr.KindValidation, taskerr.CodeTaskNotFound, "task "+taskID+" not found")
	}
	if err != nil {
		return nil, taskerr.Transient(err)
	}
	var env task.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	return &env, nil
}

// PeekStatus reads the status slot without touching the task.
func (s *Store) PeekStatus(ctx context.Context, tenantID, taskID string) (*task.Result, error) {
	b, err := s.rdb.Get(ctx, s.resultKey(tenantID, taskID)).Bytes()
	if err == redis.Nil {
		return nil, taskerr.New(taskerr.KindValidation, taskerr.CodeTaskNotFound, "task "+taskID+" not found")
	}
	if err != nil {
		return nil, taskerr.Transient(err)
	}
	var res task.Result
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	return &res, nil
}

// OwnsTask reports whether the tenant has a readable status slot for the
// task. The tenant is part of the key, so another tenant's task simply does
// not exist from this tenant's point of view.
func (s *Store) OwnsTask(ctx context.Context, tenantID, taskID string) bool {
	n, err := s.rdb.Exists(ctx, s.resultKey(tenantID, taskID)).Result()
	return err == nil && n > 0
}

// Cancel stops a task. Pending tasks are pulled from their queue and marked
// cancelled immediately; processing tasks get a cooperative cancel flag that
// the owning worker observes on its next heartbeat. The returned result
// reflects the state after the cancel took effect.
func (s *Store) Cancel(ctx context.Context, service, tenantID, taskID string) (*task.Result, error) {
	env, err := s.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if env.Status.Terminal() {
		// Late cancel is a no-op; report the final state.
		return s.PeekStatus(ctx, tenantID, taskID)
	}

	member := leaseMember(tenantID, taskID)

	if env.Status == task.StatusPending {
		removed, err := s.rdb.ZRem(ctx, s.queueKey(service, tenantID), taskID).Result()
		if err != nil {
			return nil, taskerr.Transient(err)
		}
		if removed == 0 {
			// Not on the live queue; check the retry schedule.
			removed, err = s.rdb.ZRem(ctx, s.retryKey(service), member).Result()
			if err != nil {
				return nil, taskerr.Transient(err)
			}
		}
		if removed > 0 {
			env.MarkTerminal(task.StatusCancelled, time.Now())
			res := task.NewResult(env)
			pipe := s.rdb.TxPipeline()
			pipe.ZRem(ctx, s.deadlineKey(service), member)
			s.writeEnvelope(ctx, pipe, env)
			s.writeResult(ctx, pipe, res)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
			}
			return res, nil
		}
		// A worker claimed it between our read and remove. Fall through to
		// the cooperative flag.
	}

	if err := s.rdb.Set(ctx, s.cancelKey(tenantID, taskID), "1", 2*s.cfg.LeaseTTL).Err(); err != nil {
		return nil, taskerr.Transient(err)
	}
	return s.PeekStatus(ctx, tenantID, taskID)
}

// CancelRequested reports whether a cooperative cancel flag is set.
func (s *Store) CancelRequested(ctx context.Context, tenantID, taskID string) bool {
	n, err := s.rdb.Exists(ctx, s.cancelKey(tenantID, taskID)).Result()
	return err == nil && n > 0
}

// ConfirmCancel records that the owning worker stopped the task after
// observing its cancel flag.
func (s *Store) ConfirmCancel(ctx context.Context, service string, env *task.Envelope) (*task.Result, error) {
	env.MarkTerminal(task.StatusCancelled, time.Now())
	res := task.NewResult(env)

	if err := s.finishTask(ctx, service, env, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ReserveIdempotent claims an idempotency key for taskID. When another task
// already holds the key, that task's ID is returned with reserved false.
func (s *Store) ReserveIdempotent(ctx context.Context, tenantID, key, taskID string) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.idemKey(tenantID, key), taskID, s.cfg.RetentionTTL).Result()
	if err != nil {
		return "", false, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	if ok {
		return taskID, true, nil
	}

	existing, err := s.rdb.Get(ctx, s.idemKey(tenantID, key)).Result()
	if err == redis.Nil {
		// Reservation expired between the two calls; take it now.
		return s.ReserveIdempotent(ctx, tenantID, key, taskID)
	}
	if err != nil {
		return "", false, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return existing, false, nil
}

// OverwriteIdempotent force-points an idempotency key at taskID. Used when
// a reservation is found pointing at a task that was never enqueued, the
// trace of a submit that crashed between reserving and enqueueing.
func (s *Store) OverwriteIdempotent(ctx context.Context, tenantID, key, taskID string) error {
	if err := s.rdb.Set(ctx, s.idemKey(tenantID, key), taskID, s.cfg.RetentionTTL).Err(); err != nil {
		return taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return nil
}

// Release returns a claimed task to its queue without consuming an attempt.
// Used during shutdown so a redeploy does not burn the retry budget.
func (s *Store) Release(ctx context.Context, service string, env *task.Envelope) error {
	if env.AttemptCount > 0 {
		env.AttemptCount--
	}
	env.Status = task.StatusPending
	env.StartedAt = nil

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.leaseKey(service), leaseMember(env.TenantID, env.TaskID))
	pipe.ZAdd(ctx, s.queueKey(service, env.TenantID), redis.Z{
		Score:  queueScore(env.Priority, env.CreatedAt),
		Member: env.TaskID,
	})
	pipe.SAdd(ctx, s.activeKey(service), env.TenantID)
	s.writeEnvelope(ctx, pipe, env)
	s.writeResult(ctx, pipe, task.NewResult(env))
	if _, err := pipe.Exec(ctx); err != nil {
		return taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return nil
}

// Stats is a point-in-time census of one service queue.
type Stats struct {
	Service     string           `json:"service"`
	Backlog     int64            `json:"backlog"`
	TenantDepth map[string]int64 `json:"tenant_depth,omitempty"`
	Scheduled   int64            `json:"scheduled_retries"`
	Leased      int64            `json:"leased"`
	DeadLetters int64            `json:"dead_letters"`
}

// Stats counts queued, scheduled, leased, and dead tasks for the service.
func (s *Store) Stats(ctx context.Context, service string) (*Stats, error) {
	tenants, err := s.rdb.SMembers(ctx, s.activeKey(service)).Result()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}

	st := &Stats{Service: service, TenantDepth: make(map[string]int64, len(tenants))}
	for _, tenant := range tenants {
		n, err := s.rdb.ZCard(ctx, s.queueKey(service, tenant)).Result()
		if err != nil {
			return nil, taskerr.Transient(err)
		}
		if n == 0 {
			continue
		}
		st.TenantDepth[tenant] = n
		st.Backlog += n
	}

	if st.Scheduled, err = s.rdb.ZCard(ctx, s.retryKey(service)).Result(); err != nil {
		return nil, taskerr.Transient(err)
	}
	if st.Leased, err = s.rdb.ZCard(ctx, s.leaseKey(service)).Result(); err != nil {
		return nil, taskerr.Transient(err)
	}
	if st.DeadLetters, err = s.rdb.LLen(ctx, s.dlqKey(service)).Result(); err != nil {
		return nil, taskerr.Transient(err)
	}
	return st, nil
}

// DeadLetters returns up to limit of the newest dead letter records.
func (s *Store) DeadLetters(ctx context.Context, service string, limit int64) ([]task.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.rdb.LRange(ctx, s.dlqKey(service), 0, limit-1).Result()
	if err != nil {
		return nil, taskerr.Transient(err)
	}

	out := make([]task.DeadLetter, 0, len(rows))
	for _, row := range rows {
		var dl task.DeadLetter
		if err := json.Unmarshal([]byte(row), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// RequeueDeadLetter returns a dead task to its queue with a fresh attempt
// budget. The task keeps its ID so a client polling it sees it go live
// again; CreatedAt is re-stamped so the lifetime clock restarts.
func (s *Store) RequeueDeadLetter(ctx context.Context, service, taskID string) error {
	rows, err := s.rdb.LRange(ctx, s.dlqKey(service), 0, -1).Result()
	if err != nil {
		return taskerr.Transient(err)
	}

	for _, row := range rows {
		var dl task.DeadLetter
		if err := json.Unmarshal([]byte(row), &dl); err != nil {
			continue
		}
		if dl.Task.TaskID != taskID {
			continue
		}

		if err := s.rdb.LRem(ctx, s.dlqKey(service), 1, row).Err(); err != nil {
			return taskerr.Transient(err)
		}

		env := dl.Task
		env.Status = task.StatusPending
		env.AttemptCount = 0
		env.StartedAt = nil
		env.CompletedAt = nil
		env.CreatedAt = time.Now().UTC()
		return s.Enqueue(ctx, service, &env)
	}
	return taskerr.New(taskerr.KindValidation, taskerr.CodeTaskNotFound, "task "+taskID+" not in dead letter queue")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
