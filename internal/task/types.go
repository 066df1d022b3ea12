package task

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/quillhaven/taskwire/internal/taskerr"
)

// ValidateFunc checks a raw payload against the schema its task type expects.
type ValidateFunc func(json.RawMessage) error

// Registration binds a task type name to the service queue that consumes it
// and the payload validator applied at submission.
type Registration struct {
	Service  string
	Validate ValidateFunc
}

// Types is the registry of known task types. Producers consult it to route
// and validate submissions; unknown types are rejected at the edge instead
// of dead-lettering in a worker.
type Types struct {
	mu sync.RWMutex
	m  map[string]Registration
}

func NewTypes() *Types {
	return &Types{m: make(map[string]Registration)}
}

// Register adds or replaces a task type. A nil validate accepts any payload.
func (t *Types) Register(name, service string, validate ValidateFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[name] = Registration{Service: service, Validate: validate}
}

// Known reports whether name has been registered.
func (t *Types) Known(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.m[name]
	return ok
}

// ServiceFor returns the service queue that consumes name.
func (t *Types) ServiceFor(name string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reg, ok := t.m[name]
	if !ok {
		return "", taskerr.New(taskerr.KindValidation, taskerr.CodeUnknownTaskType, "unknown task type "+name)
	}
	return reg.Service, nil
}

// ValidatePayload runs the registered validator for name, rejecting unknown
// types outright.
func (t *Types) ValidatePayload(name string, payload json.RawMessage) error {
	t.mu.RLock()
	reg, ok := t.m[name]
	t.mu.RUnlock()
	if !ok {
		return taskerr.New(taskerr.KindValidation, taskerr.CodeUnknownTaskType, "unknown task type "+name)
	}
	if reg.Validate == nil {
		return nil
	}
	return reg.Validate(payload)
}

// Services returns the distinct service queues with at least one registered
// type, sorted for stable output.
func (t *Types) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, reg := range t.m {
		seen[reg.Service] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Names returns all registered type names, sorted.
func (t *Types) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.m))
	for name := range t.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
