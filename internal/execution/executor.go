package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/mqxerror/qa-guardian/internal/models"
)

// TypeExecutor runs one test type. Assertion failures belong in the returned
// result; a non-nil error means the run could not be carried out.
type TypeExecutor interface {
	Type() models.TestType
	// NeedsBrowser reports whether the orchestrator acquires a browser first
	NeedsBrowser() bool
	Execute(ctx context.Context, ec *ExecutionContext) (*models.RunResult, error)
}

// Registry maps each TestType to its executor
type Registry struct {
	mu        sync.RWMutex
	executors map[models.TestType]TypeExecutor
}

// NewRegistry creates a registry holding the given executors
func NewRegistry(executors ...TypeExecutor) *Registry {
	r := &Registry{executors: make(map[models.TestType]TypeExecutor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the executor for its type
func (r *Registry) Register(e TypeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Get returns the executor for t
func (r *Registry) Get(t models.TestType) (TypeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnsupportedTestType, t)
	}
	return e, nil
}

// Types lists registered test types
func (r *Registry) Types() []models.TestType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.TestType
	for _, t := range models.AllTestTypes() {
		if _, ok := r.executors[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
