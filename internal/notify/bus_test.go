package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"

	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func testEvent(taskID string, status task.Status) Event {
	return Event{
		TaskID:   taskID,
		TenantID: "tenant-1",
		Type:     "single_embedding",
		Status:   status,
		Source:   "embedding",
	}
}

func TestInprocBus_PublishSubscribe(t *testing.T) {
	bus := NewInprocBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sent := testEvent("task-1", task.StatusCompleted)
	sent.Result = json.RawMessage(`{"vector":[0.1,0.2]}`)
	if err := bus.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.TaskID != sent.TaskID {
			t.Errorf("TaskID = %q, want %q", got.TaskID, sent.TaskID)
		}
		if got.Status != task.StatusCompleted {
			t.Errorf("Status = %q, want %q", got.Status, task.StatusCompleted)
		}
		if string(got.Result) != string(sent.Result) {
			t.Errorf("Result = %s, want %s", got.Result, sent.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestInprocBus_MultipleSubscribers(t *testing.T) {
	bus := NewInprocBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	ch2, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := bus.Publish(ctx, testEvent("task-1", task.StatusCompleted)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.TaskID != "task-1" {
				t.Errorf("subscriber %d: TaskID = %q, want %q", i, got.TaskID, "task-1")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestInprocBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewInprocBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Publish past the buffer without draining. Publish must neither
	// block nor error; the overflow is dropped.
	total := 70
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			if err := bus.Publish(ctx, testEvent("task-1", task.StatusProcessing)); err != nil {
				t.Errorf("Publish() error = %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	cancel()

	received := 0
	for range ch {
		received++
	}
	if received >= total {
		t.Errorf("received %d events, want fewer than %d published", received, total)
	}
	if received == 0 {
		t.Error("received no events, want the buffered ones")
	}
}

func TestInprocBus_SubscribeCancelUnregisters(t *testing.T) {
	bus := NewInprocBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after cancel, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	bus.mu.Lock()
	n := len(bus.subs)
	bus.mu.Unlock()
	if n != 0 {
		t.Errorf("subscriber count after cancel = %d, want 0", n)
	}
}

func TestInprocBus_Close(t *testing.T) {
	bus := NewInprocBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after close, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus close")
	}

	if err := bus.Publish(ctx, testEvent("task-1", task.StatusCompleted)); err == nil {
		t.Error("Publish() after close returned nil error")
	}
	if _, err := bus.Subscribe(ctx); err == nil {
		t.Error("Subscribe() after close returned nil error")
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRedisBus_PublishRejectsBadPayload(t *testing.T) {
	// Marshaling fails before any network call, so no server is needed.
	client := redis.NewClient(&redis.Options{Addr: "localhost:1"})
	defer client.Close()
	bus := NewRedisBus(client, "taskwire:events")

	ev := testEvent("task-1", task.StatusCompleted)
	ev.Result = json.RawMessage(`{"truncated":`)

	err := bus.Publish(context.Background(), ev)
	if err == nil {
		t.Fatal("Publish() with invalid raw JSON returned nil error")
	}
	if got := taskerr.KindOf(err); got != taskerr.KindValidation {
		t.Errorf("KindOf(err) = %q, want %q", got, taskerr.KindValidation)
	}
}

func TestRedisBus_SubscribeUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 500 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	bus := NewRedisBus(client, "taskwire:events")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := bus.Subscribe(ctx); err == nil {
		t.Fatal("Subscribe() against unreachable server returned nil error")
	}
}

func TestFromResult(t *testing.T) {
	completed := time.Now().UTC()
	res := &task.Result{
		TaskID:       "task-9",
		TenantID:     "tenant-2",
		Type:         "tool_execution",
		Status:       task.StatusFailed,
		ErrorCode:    "downstream_error",
		ErrorMessage: "tool backend returned 502",
		CompletedAt:  &completed,
	}

	ev := FromResult(res, "tools")
	if ev.TaskID != res.TaskID || ev.TenantID != res.TenantID {
		t.Errorf("identity = (%q,%q), want (%q,%q)", ev.TaskID, ev.TenantID, res.TaskID, res.TenantID)
	}
	if ev.Status != task.StatusFailed {
		t.Errorf("Status = %q, want %q", ev.Status, task.StatusFailed)
	}
	if ev.ErrorCode != res.ErrorCode || ev.ErrorMessage != res.ErrorMessage {
		t.Errorf("error = (%q,%q), want (%q,%q)", ev.ErrorCode, ev.ErrorMessage, res.ErrorCode, res.ErrorMessage)
	}
	if ev.Source != "tools" {
		t.Errorf("Source = %q, want %q", ev.Source, "tools")
	}
	if !ev.Terminal() {
		t.Error("Terminal() = false for failed event, want true")
	}

	pending := FromResult(&task.Result{TaskID: "task-10", Status: task.StatusPending}, "tools")
	if pending.Terminal() {
		t.Error("Terminal() = true for pending event, want false")
	}
}
