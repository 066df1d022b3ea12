package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
	"github.com/quillhaven/taskwire/internal/tracing"
)

// HandlerFunc executes one task attempt. The context carries the task's
// remaining lifetime as a deadline; a handler that honors it never runs
// past the point where the result stops mattering. Returning nil marks the
// task completed with the returned payload as its result.
type HandlerFunc func(ctx context.Context, env *task.Envelope) (json.RawMessage, error)

// Consumer pulls tasks off one service queue and runs the registered
// handler for each type. Delivery is at least once: a crash mid-attempt
// surfaces as an expired lease and the task is retried on another worker.
type Consumer struct {
	store    *Store
	bus      notify.Bus
	service  string
	cfg      config.Worker
	handlers map[string]HandlerFunc
	logger   *logging.Logger
}

// NewConsumer builds a consumer for the named service queue. A nil bus
// disables event publishing; results are still written to status slots.
func NewConsumer(store *Store, bus notify.Bus, service string, cfg config.Worker) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Consumer{
		store:    store,
		bus:      bus,
		service:  service,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
		logger:   logging.New("taskwire-consumer"),
	}
}

// Register installs the handler for a task type. Must be called before Run.
func (c *Consumer) Register(taskType string, h HandlerFunc) {
	c.handlers[taskType] = h
}

// Run drives cfg.Concurrency dequeue loops until ctx is cancelled, then
// waits for in-flight attempts to settle. Attempts interrupted by shutdown
// are released back to their queues without burning a retry.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Plain().
		WithQueue(c.service).
		WithField("concurrency", c.cfg.Concurrency).
		Info("consumer starting")

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	c.logger.Plain().WithQueue(c.service).Info("consumer stopped")
}

func (c *Consumer) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := c.store.Dequeue(ctx, c.service)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Plain().WithQueue(c.service).WithError(err).Error("dequeue failed")
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return
			}
			continue
		}
		if env == nil {
			if !sleepCtx(ctx, c.cfg.PollInterval) {
				return
			}
			continue
		}
		c.process(ctx, env)
	}
}

func (c *Consumer) process(ctx context.Context, env *task.Envelope) {
	start := time.Now()

	tctx := tracing.ExtractEnvelope(ctx, env.TraceHeaders)
	tctx, span := tracing.StartSpan(tctx, "consumer.process",
		attribute.String("task_id", env.TaskID),
		attribute.String("tenant_id", env.TenantID),
		attribute.String("task_type", env.Type),
		attribute.Int("attempt", env.AttemptCount),
	)
	defer span.End()

	log := c.logger.WithContext(tctx).
		WithTask(env.TaskID).
		WithTaskType(env.Type).
		WithTenant(env.TenantID).
		WithField("attempt", env.AttemptCount)

	handler, ok := c.handlers[env.Type]
	if !ok {
		res, err := c.store.Fail(tctx, c.service, env, taskerr.CodeUnknownTaskType,
			"no handler registered for "+env.Type)
		if err != nil {
			log.WithError(err).Error("failed to reject unhandled task")
			return
		}
		metrics.RecordTaskCompleted("failed", env.Type, time.Since(start))
		log.Error("no handler registered, task failed")
		c.publish(tctx, res)
		return
	}

	// The attempt runs against the task's remaining lifetime, not the
	// lease: the lease is renewed below as long as the handler is alive.
	deadline := env.CreatedAt.Add(c.store.Lifetime(env.Type))
	hctx, cancel := context.WithDeadline(tctx, deadline)
	defer cancel()

	var cancelRequested, leaseLost atomic.Bool
	watchDone := make(chan struct{})
	go c.watchAttempt(hctx, cancel, env, &cancelRequested, &leaseLost, watchDone)

	result, herr := handler(hctx, env)

	cancel()
	<-watchDone

	// Terminal writes use a detached context so a shutdown that cancels
	// ctx does not lose a finished attempt's outcome.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(tctx), 5*time.Second)
	defer wcancel()

	switch {
	case herr == nil:
		res, err := c.store.Ack(wctx, c.service, env, result)
		if err != nil {
			log.WithError(err).Error("ack failed, lease will expire and task will retry")
			return
		}
		metrics.RecordTaskCompleted("completed", env.Type, time.Since(start))
		log.WithField("duration_ms", time.Since(start).Milliseconds()).Info("task completed")
		c.publish(wctx, res)

	case cancelRequested.Load():
		res, err := c.store.ConfirmCancel(wctx, c.service, env)
		if err != nil {
			log.WithError(err).Error("cancel confirmation failed")
			return
		}
		metrics.RecordTaskCompleted("cancelled", env.Type, time.Since(start))
		log.Info("task cancelled mid-attempt")
		c.publish(wctx, res)

	case leaseLost.Load():
		// Another worker owns the task now; writing anything here would
		// race its attempt.
		log.Warn("lease lost mid-attempt, dropping result")

	case errors.Is(herr, context.Canceled) && ctx.Err() != nil:
		if err := c.store.Release(wctx, c.service, env); err != nil {
			log.WithError(err).Warn("release failed on shutdown, lease will expire")
			return
		}
		log.Info("task released on shutdown")

	case errors.Is(herr, context.DeadlineExceeded) && time.Now().After(deadline):
		res, err := c.store.Fail(wctx, c.service, env, taskerr.CodeTaskTimeout,
			fmt.Sprintf("exceeded %s lifetime of %s", env.Type, c.store.Lifetime(env.Type)))
		if err != nil {
			log.WithError(err).Error("timeout fail write lost")
			return
		}
		metrics.RecordTaskCompleted("failed", env.Type, time.Since(start))
		log.Warn("task exceeded lifetime")
		c.publish(wctx, res)

	case !taskerr.Retryable(herr):
		res, err := c.store.Fail(wctx, c.service, env, taskerr.CodeOf(herr), herr.Error())
		if err != nil {
			log.WithError(err).Error("permanent fail write lost")
			return
		}
		metrics.RecordTaskCompleted("failed", env.Type, time.Since(start))
		log.WithError(herr).Error("task failed permanently")
		c.publish(wctx, res)

	default:
		res, dead, err := c.store.Nack(wctx, c.service, env, herr)
		if err != nil {
			log.WithError(err).Error("nack failed, lease will expire and task will retry")
			return
		}
		metrics.RecordRetry(string(taskerr.KindOf(herr)))
		if dead {
			metrics.RecordDLQ(c.service)
			metrics.RecordTaskCompleted("failed", env.Type, time.Since(start))
			log.WithError(herr).Error("attempts exhausted, task dead lettered")
			c.publish(wctx, res)
			return
		}
		log.WithError(herr).Warn("attempt failed, retry scheduled")
	}
}

// watchAttempt renews the lease while the handler runs and interrupts it
// when a cancel request lands or the lease slips away.
func (c *Consumer) watchAttempt(ctx context.Context, cancel context.CancelFunc, env *task.Envelope, cancelRequested, leaseLost *atomic.Bool, done chan<- struct{}) {
	defer close(done)

	interval := c.store.LeaseTTL() / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.store.CancelRequested(ctx, env.TenantID, env.TaskID) {
				cancelRequested.Store(true)
				cancel()
				return
			}
			extended, err := c.store.ExtendLease(ctx, c.service, env)
			if err != nil {
				c.logger.Plain().
					WithTask(env.TaskID).
					WithError(err).
					Warn("lease extension failed, retrying next tick")
				continue
			}
			if !extended {
				leaseLost.Store(true)
				cancel()
				return
			}
		}
	}
}

func (c *Consumer) publish(ctx context.Context, res *task.Result) {
	if c.bus == nil || res == nil {
		return
	}
	if err := c.bus.Publish(ctx, notify.FromResult(res, c.service)); err != nil {
		metrics.RecordNotification("publish_failed")
		c.logger.Plain().WithTask(res.TaskID).WithError(err).Warn("event publish failed")
		return
	}
	metrics.RecordNotification("published")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
