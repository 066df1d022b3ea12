package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quillhaven/taskwire/internal/task"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

type captureDeliverer struct {
	mu     sync.Mutex
	events []Event
	accept bool
}

func (d *captureDeliverer) Deliver(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return d.accept
}

func (d *captureDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type ownerFunc func(ctx context.Context, tenantID, taskID string) bool

func (f ownerFunc) OwnsTask(ctx context.Context, tenantID, taskID string) bool {
	return f(ctx, tenantID, taskID)
}

func TestRegistry_SubscribeValidation(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	tests := []struct {
		name     string
		tenantID string
		connID   string
		taskID   string
	}{
		{"missing tenant", "", "conn-1", "task-1"},
		{"missing conn", "tenant-1", "", "task-1"},
		{"missing task", "tenant-1", "conn-1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Subscribe(context.Background(), tt.tenantID, tt.connID, tt.taskID, d)
			if err == nil {
				t.Fatal("Subscribe() error = nil, want validation error")
			}
			if got := taskerr.KindOf(err); got != taskerr.KindValidation {
				t.Errorf("KindOf(err) = %q, want %q", got, taskerr.KindValidation)
			}
		})
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after rejected subscribes, want 0", reg.Len())
	}
}

func TestRegistry_SubscribeOwnership(t *testing.T) {
	denyAll := ownerFunc(func(ctx context.Context, tenantID, taskID string) bool {
		return false
	})
	reg := NewRegistry(denyAll, time.Hour)
	d := &captureDeliverer{accept: true}

	err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d)
	if err == nil {
		t.Fatal("Subscribe() error = nil, want tenant mismatch")
	}
	if got := taskerr.CodeOf(err); got != taskerr.CodeTenantMismatch {
		t.Errorf("CodeOf(err) = %q, want %q", got, taskerr.CodeTenantMismatch)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d after denied subscribe, want 0", reg.Len())
	}
}

func TestRegistry_DispatchTerminalConsumesSubscription(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ev := testEvent("task-1", task.StatusCompleted)
	if got := reg.Dispatch(ev); got != 1 {
		t.Errorf("Dispatch() = %d, want 1", got)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after terminal dispatch = %d, want 0", reg.Len())
	}

	// The subscription is gone, so a replayed terminal event finds nobody.
	if got := reg.Dispatch(ev); got != 0 {
		t.Errorf("second Dispatch() = %d, want 0", got)
	}
	if got := d.count(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestRegistry_DispatchNonTerminalKeepsSubscription(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if got := reg.Dispatch(testEvent("task-1", task.StatusProcessing)); got != 1 {
		t.Errorf("Dispatch(processing) = %d, want 1", got)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() after progress event = %d, want 1", reg.Len())
	}

	if got := reg.Dispatch(testEvent("task-1", task.StatusCompleted)); got != 1 {
		t.Errorf("Dispatch(completed) = %d, want 1", got)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after terminal event = %d, want 0", reg.Len())
	}
	if got := d.count(); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

func TestRegistry_DispatchTenantIsolation(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	foreign := testEvent("task-1", task.StatusCompleted)
	foreign.TenantID = "tenant-2"
	if got := reg.Dispatch(foreign); got != 0 {
		t.Errorf("Dispatch(foreign tenant) = %d, want 0", got)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() after foreign dispatch = %d, want 1", reg.Len())
	}
	if got := d.count(); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
}

func TestRegistry_DispatchMultipleSubscribers(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d1 := &captureDeliverer{accept: true}
	d2 := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d1); err != nil {
		t.Fatalf("Subscribe(conn-1) error = %v", err)
	}
	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-2", "task-1", d2); err != nil {
		t.Fatalf("Subscribe(conn-2) error = %v", err)
	}

	if got := reg.Dispatch(testEvent("task-1", task.StatusCompleted)); got != 2 {
		t.Errorf("Dispatch() = %d, want 2", got)
	}
	if d1.count() != 1 || d2.count() != 1 {
		t.Errorf("deliveries = (%d,%d), want (1,1)", d1.count(), d2.count())
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}

func TestRegistry_DispatchRejectedDelivery(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: false}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// A refused delivery still consumes the subscription; the client
	// recovers the result from the status slot instead.
	if got := reg.Dispatch(testEvent("task-1", task.StatusCompleted)); got != 0 {
		t.Errorf("Dispatch() = %d, want 0", got)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}

func TestRegistry_ResubscribeReplacesDeliverer(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	stale := &captureDeliverer{accept: true}
	fresh := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", stale); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", fresh); err != nil {
		t.Fatalf("resubscribe error = %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() after resubscribe = %d, want 1", reg.Len())
	}

	reg.Dispatch(testEvent("task-1", task.StatusCompleted))
	if stale.count() != 0 {
		t.Errorf("stale deliveries = %d, want 0", stale.count())
	}
	if fresh.count() != 1 {
		t.Errorf("fresh deliveries = %d, want 1", fresh.count())
	}
}

func TestRegistry_UnsubscribeConn(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	for _, taskID := range []string{"task-1", "task-2", "task-3"} {
		if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", taskID, d); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", taskID, err)
		}
	}
	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-2", "task-1", d); err != nil {
		t.Fatalf("Subscribe(conn-2) error = %v", err)
	}

	reg.UnsubscribeConn("conn-1")
	if reg.Len() != 1 {
		t.Errorf("Len() after UnsubscribeConn = %d, want 1", reg.Len())
	}

	// conn-2's subscription survives.
	if got := reg.Dispatch(testEvent("task-1", task.StatusCompleted)); got != 1 {
		t.Errorf("Dispatch() = %d, want 1", got)
	}
}

func TestRegistry_Unsubscribe(t *testing.T) {
	reg := NewRegistry(nil, time.Hour)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	reg.Unsubscribe("conn-1", "task-1")
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}

	reg.Unsubscribe("conn-1", "task-unknown")
}

func TestRegistry_Sweep(t *testing.T) {
	reg := NewRegistry(nil, time.Minute)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if got := reg.Sweep(time.Now()); got != 0 {
		t.Errorf("Sweep(now) = %d, want 0", got)
	}
	if got := reg.Sweep(time.Now().Add(2 * time.Minute)); got != 1 {
		t.Errorf("Sweep(now+2m) = %d, want 1", got)
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after sweep = %d, want 0", reg.Len())
	}
}

func TestRegistry_RunSweeper(t *testing.T) {
	reg := NewRegistry(nil, time.Millisecond)
	d := &captureDeliverer{accept: true}

	if err := reg.Subscribe(context.Background(), "tenant-1", "conn-1", "task-1", d); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.RunSweeper(ctx, 5*time.Millisecond)
	}()

	deadline := time.After(2 * time.Second)
	for reg.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper never expired the subscription")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop on cancel")
	}
}
