package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// claimExpiredScript removes a lease member only while its expiry is still
// in the past, so a lease the worker just extended cannot be stolen.
// KEYS[1] is the lease set, ARGV[1] the member, ARGV[2] now in unix ms.
var claimExpiredScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) <= tonumber(ARGV[2]) then
  return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

// MoveDueRetries returns tasks whose backoff delay elapsed to their tenant
// queues at their original score, so a retried task keeps its place in the
// priority order.
func (s *Store) MoveDueRetries(ctx context.Context, service string) (int, error) {
	members, err := s.dueMembers(ctx, s.retryKey(service))
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, member := range members {
		tenantID, taskID, ok := splitMember(member)
		if !ok {
			s.rdb.ZRem(ctx, s.retryKey(service), member)
			continue
		}

		// Claim the member first so a concurrent cancel or second janitor
		// cannot double-handle it.
		removed, err := s.rdb.ZRem(ctx, s.retryKey(service), member).Result()
		if err != nil {
			return moved, taskerr.Transient(err)
		}
		if removed == 0 {
			continue
		}

		env, err := s.GetTask(ctx, tenantID, taskID)
		if err != nil {
			if taskerr.CodeOf(err) == taskerr.CodeTaskNotFound {
				continue
			}
			return moved, err
		}
		if env.Status.Terminal() {
			continue
		}

		pipe := s.rdb.TxPipeline()
		pipe.ZAdd(ctx, s.queueKey(service, tenantID), redis.Z{
			Score:  queueScore(env.Priority, env.CreatedAt),
			Member: taskID,
		})
		pipe.SAdd(ctx, s.activeKey(service), tenantID)
		if _, err := pipe.Exec(ctx); err != nil {
			return moved, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
		}
		moved++
	}
	return moved, nil
}

// ExpireLeases reclaims tasks whose lease ran out without an ack, the sign
// of a crashed or stalled worker. The task is requeued for another attempt,
// or dead lettered when the lost attempt was its last.
func (s *Store) ExpireLeases(ctx context.Context, service string) (requeued, dead int, err error) {
	members, err := s.dueMembers(ctx, s.leaseKey(service))
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UnixMilli()
	for _, member := range members {
		tenantID, taskID, ok := splitMember(member)
		if !ok {
			s.rdb.ZRem(ctx, s.leaseKey(service), member)
			continue
		}

		claimed, err := claimExpiredScript.Run(ctx, s.rdb,
			[]string{s.leaseKey(service)}, member, now).Int()
		if err != nil {
			return requeued, dead, taskerr.Transient(err)
		}
		if claimed == 0 {
			// Extended or acked since the scan.
			continue
		}

		env, err := s.GetTask(ctx, tenantID, taskID)
		if err != nil {
			if taskerr.CodeOf(err) == taskerr.CodeTaskNotFound {
				continue
			}
			return requeued, dead, err
		}
		if env.Status.Terminal() {
			continue
		}

		if env.AttemptCount >= s.maxAttempts(env) {
			dl := task.NewDeadLetter(*env, env.AttemptCount, "lease expired",
				fmt.Sprintf("lease expired on final attempt (%d)", env.AttemptCount))
			b, _ := json.Marshal(dl)
			if err := s.rdb.LPush(ctx, s.dlqKey(service), b).Err(); err != nil {
				return requeued, dead, taskerr.Transient(err)
			}
			if _, err := s.Fail(ctx, service, env, taskerr.CodeAttemptsExhausted, "lease expired on final attempt"); err != nil {
				return requeued, dead, err
			}
			dead++
			continue
		}

		env.Status = task.StatusPending
		pipe := s.rdb.TxPipeline()
		pipe.ZAdd(ctx, s.queueKey(service, tenantID), redis.Z{
			Score:  queueScore(env.Priority, env.CreatedAt),
			Member: taskID,
		})
		pipe.SAdd(ctx, s.activeKey(service), tenantID)
		s.writeEnvelope(ctx, pipe, env)
		s.writeResult(ctx, pipe, task.NewResult(env))
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, dead, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
		}
		requeued++
	}
	return requeued, dead, nil
}

// ExpireDeadlines fails tasks that outlived their type's lifetime while
// waiting in a queue or on the retry schedule. Leased tasks are skipped; the
// owning worker enforces the deadline through its handler context and the
// lease sweep picks up the pieces if that worker died.
func (s *Store) ExpireDeadlines(ctx context.Context, service string) (int, error) {
	members, err := s.dueMembers(ctx, s.deadlineKey(service))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, member := range members {
		tenantID, taskID, ok := splitMember(member)
		if !ok {
			s.rdb.ZRem(ctx, s.deadlineKey(service), member)
			continue
		}

		if err := s.rdb.ZScore(ctx, s.leaseKey(service), member).Err(); err == nil {
			continue
		} else if err != redis.Nil {
			return expired, taskerr.Transient(err)
		}

		removed, err := s.rdb.ZRem(ctx, s.deadlineKey(service), member).Result()
		if err != nil {
			return expired, taskerr.Transient(err)
		}
		if removed == 0 {
			continue
		}

		env, err := s.GetTask(ctx, tenantID, taskID)
		if err != nil {
			if taskerr.CodeOf(err) == taskerr.CodeTaskNotFound {
				continue
			}
			return expired, err
		}
		if env.Status.Terminal() {
			continue
		}

		pipe := s.rdb.TxPipeline()
		pipe.ZRem(ctx, s.queueKey(service, tenantID), taskID)
		pipe.ZRem(ctx, s.retryKey(service), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return expired, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
		}
		if _, err := s.Fail(ctx, service, env, taskerr.CodeTaskTimeout,
			fmt.Sprintf("exceeded %s lifetime of %s", env.Type, s.cfg.Lifetime(env.Type))); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// PruneActiveTenants drops tenants whose queues emptied. The check and the
// removal run in one script so a concurrent enqueue keeps its tenant active.
func (s *Store) PruneActiveTenants(ctx context.Context, service string) (int, error) {
	tenants, err := s.rdb.SMembers(ctx, s.activeKey(service)).Result()
	if err != nil {
		return 0, taskerr.Transient(err)
	}

	pruned := 0
	for _, tenant := range tenants {
		n, err := pruneScript.Run(ctx, s.rdb,
			[]string{s.queueKey(service, tenant), s.activeKey(service)}, tenant).Int()
		if err != nil {
			return pruned, taskerr.Transient(err)
		}
		pruned += n
	}
	return pruned, nil
}

func (s *Store) dueMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(time.Now().UnixMilli(), 10),
		Offset: 0,
		Count:  sweepBatch,
	}).Result()
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTransient, taskerr.CodeQueueUnavailable, err)
	}
	return members, nil
}

// Janitor runs the background sweeps that keep queues honest: due retries
// move back to their queues, expired leases are reclaimed, lifetime
// deadlines fire, empty tenants are pruned, and backlog gauges stay current.
type Janitor struct {
	store    *Store
	services []string
	interval time.Duration
	logger   *logging.Logger
}

// NewJanitor sweeps the given service queues every interval.
func NewJanitor(store *Store, services []string, interval time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		services: services,
		interval: interval,
		logger:   logging.New("taskwire-janitor"),
	}
}

// Run sweeps until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every service queue.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, service := range j.services {
		moved, err := j.store.MoveDueRetries(ctx, service)
		if err != nil {
			j.logger.Plain().WithQueue(service).WithError(err).Error("retry sweep failed")
		} else if moved > 0 {
			j.logger.Plain().WithQueue(service).WithField("moved", moved).Info("due retries requeued")
		}

		requeued, dead, err := j.store.ExpireLeases(ctx, service)
		if err != nil {
			j.logger.Plain().WithQueue(service).WithError(err).Error("lease sweep failed")
		}
		if requeued+dead > 0 {
			metrics.LeaseExpirationsTotal.WithLabelValues(service).Add(float64(requeued + dead))
			j.logger.Plain().WithQueue(service).WithFields(map[string]any{
				"requeued": requeued,
				"dead":     dead,
			}).Warn("expired leases reclaimed")
		}
		if dead > 0 {
			metrics.DLQTotal.WithLabelValues(service).Add(float64(dead))
		}

		expired, err := j.store.ExpireDeadlines(ctx, service)
		if err != nil {
			j.logger.Plain().WithQueue(service).WithError(err).Error("deadline sweep failed")
		} else if expired > 0 {
			j.logger.Plain().WithQueue(service).WithField("expired", expired).Warn("task lifetimes exceeded")
		}

		if _, err := j.store.PruneActiveTenants(ctx, service); err != nil {
			j.logger.Plain().WithQueue(service).WithError(err).Error("tenant prune failed")
		}

		stats, err := j.store.Stats(ctx, service)
		if err != nil {
			j.logger.Plain().WithQueue(service).WithError(err).Error("stats read failed")
			continue
		}
		metrics.UpdateQueueBacklog(service, float64(stats.Backlog))
		for tenant, depth := range stats.TenantDepth {
			metrics.UpdateTenantBacklog(service, tenant, float64(depth))
		}
	}
}
