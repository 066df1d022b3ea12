package notify

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// Bus fans task events out from workers to every gateway instance.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe delivers events until ctx is cancelled; the returned
	// channel closes when the subscription ends.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// RedisBus carries events over a Redis pub/sub channel so gateways on other
// hosts see completions from every worker.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *logging.Logger
}

// NewRedisBus publishes and subscribes on the named channel. The client is
// owned by the caller.
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logging.New("taskwire-bus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return taskerr.Wrap(taskerr.KindValidation, taskerr.CodeValidationFailed, err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return taskerr.Transient(err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Force the SUBSCRIBE round trip so a dead connection fails here, not
	// on the first missed event.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, taskerr.Transient(err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Plain().WithError(err).Warn("dropping undecodable event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the Redis client belongs to the caller and
// subscriptions end with their contexts.
func (b *RedisBus) Close() error { return nil }

// InprocBus delivers events inside one process. It backs single-node
// deployments and tests. A slow subscriber drops events rather than block
// the publisher; the durable status slot covers anything dropped.
type InprocBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewInprocBus() *InprocBus {
	return &InprocBus{subs: make(map[int]chan Event)}
}

func (b *InprocBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return taskerr.New(taskerr.KindTransient, taskerr.CodeQueueUnavailable, "event bus closed")
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.RecordNotification("dropped")
		}
	}
	return nil
}

func (b *InprocBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, taskerr.New(taskerr.KindTransient, taskerr.CodeQueueUnavailable, "event bus closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *InprocBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
