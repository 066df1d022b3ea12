package notify

import (
	"context"
	"sync"
	"time"

	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/metrics"
	"github.com/quillhaven/taskwire/internal/taskerr"
)

// Deliverer receives events for a subscribed task. Deliver must not block;
// it reports whether the event was accepted.
type Deliverer interface {
	Deliver(ev Event) bool
}

// OwnershipChecker reports whether the tenant may watch the task. The queue
// store satisfies this: status lookups are tenant-scoped, so another
// tenant's task IDs simply do not resolve.
type OwnershipChecker interface {
	OwnsTask(ctx context.Context, tenantID, taskID string) bool
}

type entry struct {
	tenantID  string
	connID    string
	deliverer Deliverer
	expires   time.Time
}

// Registry maps waiting tasks to the connections that should hear about
// them. A terminal event consumes the subscription, so each subscriber sees
// at most one terminal notification per task; non-terminal events pass
// through without consuming it. Entries that never see an event expire.
type Registry struct {
	mu      sync.Mutex
	byTask  map[string]map[string]*entry   // taskID -> connID -> entry
	byConn  map[string]map[string]struct{} // connID -> taskIDs
	ttl     time.Duration
	checker OwnershipChecker
	logger  *logging.Logger
}

// NewRegistry builds a registry whose subscriptions expire after ttl
// without an event. A nil checker skips ownership checks; only tests and
// trusted internal callers should do that.
func NewRegistry(checker OwnershipChecker, ttl time.Duration) *Registry {
	return &Registry{
		byTask:  make(map[string]map[string]*entry),
		byConn:  make(map[string]map[string]struct{}),
		ttl:     ttl,
		checker: checker,
		logger:  logging.New("taskwire-registry"),
	}
}

// Subscribe registers connID's interest in taskID. The ownership check runs
// before anything is stored, so a tenant cannot probe for another tenant's
// task IDs. Subscribing again refreshes the expiry.
func (r *Registry) Subscribe(ctx context.Context, tenantID, connID, taskID string, d Deliverer) error {
	if tenantID == "" || connID == "" || taskID == "" {
		return taskerr.Validation("tenant_id, conn_id, and task_id are required")
	}
	if r.checker != nil && !r.checker.OwnsTask(ctx, tenantID, taskID) {
		return taskerr.Authorization(taskerr.CodeTenantMismatch, "task does not belong to tenant")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byTask[taskID]
	if conns == nil {
		conns = make(map[string]*entry)
		r.byTask[taskID] = conns
	}
	conns[connID] = &entry{
		tenantID:  tenantID,
		connID:    connID,
		deliverer: d,
		expires:   time.Now().Add(r.ttl),
	}

	tasks := r.byConn[connID]
	if tasks == nil {
		tasks = make(map[string]struct{})
		r.byConn[connID] = tasks
	}
	tasks[taskID] = struct{}{}
	return nil
}

// Unsubscribe drops one subscription.
func (r *Registry) Unsubscribe(connID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connID, taskID)
}

// UnsubscribeConn drops every subscription a connection holds. Called when
// the connection closes.
func (r *Registry) UnsubscribeConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID := range r.byConn[connID] {
		r.removeLocked(connID, taskID)
	}
}

func (r *Registry) removeLocked(connID, taskID string) {
	if conns, ok := r.byTask[taskID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byTask, taskID)
		}
	}
	if tasks, ok := r.byConn[connID]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Dispatch routes the event to every subscription waiting on its task and
// returns how many deliveries were accepted. Terminal events consume their
// subscriptions first, so a duplicate terminal event finds nothing to
// deliver to.
func (r *Registry) Dispatch(ev Event) int {
	r.mu.Lock()
	var targets []*entry
	for _, e := range r.byTask[ev.TaskID] {
		if e.tenantID != ev.TenantID {
			continue
		}
		targets = append(targets, e)
	}
	if ev.Terminal() {
		for _, e := range targets {
			r.removeLocked(e.connID, ev.TaskID)
		}
	}
	r.mu.Unlock()

	delivered := 0
	for _, e := range targets {
		if e.deliverer.Deliver(ev) {
			delivered++
			metrics.RecordNotification("delivered")
		} else {
			metrics.RecordNotification("failed")
		}
	}
	return delivered
}

// Sweep drops subscriptions that expired before now and returns the count.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for taskID, conns := range r.byTask {
		for connID, e := range conns {
			if now.After(e.expires) {
				r.removeLocked(connID, taskID)
				removed++
			}
		}
	}
	return removed
}

// RunSweeper expires unclaimed subscriptions every interval until ctx is
// cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(time.Now()); n > 0 {
				metrics.NotificationsTotal.WithLabelValues("expired").Add(float64(n))
				r.logger.Plain().WithField("expired", n).Info("unclaimed subscriptions expired")
			}
		}
	}
}

// Len reports how many live subscriptions the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, conns := range r.byTask {
		n += len(conns)
	}
	return n
}
