package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quillhaven/taskwire/internal/config"
	"github.com/quillhaven/taskwire/internal/notify"
	"github.com/quillhaven/taskwire/internal/task"
)

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(nil, nil, "embedding", config.Worker{})
	if c.cfg.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", c.cfg.Concurrency)
	}
	if c.cfg.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", c.cfg.PollInterval)
	}

	c = NewConsumer(nil, nil, "embedding", config.Worker{Concurrency: 8, PollInterval: 250 * time.Millisecond})
	if c.cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", c.cfg.Concurrency)
	}
	if c.cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", c.cfg.PollInterval)
	}
}

func TestConsumer_Register(t *testing.T) {
	c := NewConsumer(nil, nil, "embedding", config.Worker{})
	c.Register("single_embedding", func(ctx context.Context, env *task.Envelope) (json.RawMessage, error) {
		return nil, nil
	})

	if _, ok := c.handlers["single_embedding"]; !ok {
		t.Error("handler not registered")
	}
	if _, ok := c.handlers["batch_embeddings"]; ok {
		t.Error("unexpected handler registered")
	}
}

func TestConsumer_PublishResult(t *testing.T) {
	bus := notify.NewInprocBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	c := NewConsumer(nil, bus, "embedding", config.Worker{})
	res := &task.Result{
		TaskID:   "task-1",
		TenantID: "tenant-1",
		Type:     "single_embedding",
		Status:   task.StatusCompleted,
	}
	c.publish(ctx, res)

	select {
	case ev := <-ch:
		if ev.TaskID != "task-1" {
			t.Errorf("TaskID = %q, want %q", ev.TaskID, "task-1")
		}
		if ev.Source != "embedding" {
			t.Errorf("Source = %q, want %q", ev.Source, "embedding")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestConsumer_PublishNilSafe(t *testing.T) {
	c := NewConsumer(nil, nil, "embedding", config.Worker{})
	c.publish(context.Background(), &task.Result{TaskID: "task-1"})

	bus := notify.NewInprocBus()
	defer bus.Close()
	c = NewConsumer(nil, bus, "embedding", config.Worker{})
	c.publish(context.Background(), nil)
}

func TestSleepCtx(t *testing.T) {
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("sleepCtx() = false on live context, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if sleepCtx(ctx, 10*time.Second) {
		t.Error("sleepCtx() = true on cancelled context, want false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleepCtx() took %v on cancelled context, want immediate return", elapsed)
	}
}
