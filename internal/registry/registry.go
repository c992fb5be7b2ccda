// Package registry holds the mapping from workflow reference strings to the
// callables a DAG task ultimately invokes. The registry is an explicit
// dependency injected into the Runner, never a process-wide singleton.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/gantryhq/gantry/pkg/schema"
)

// Workflow is the callable behind a workflow_ref. It receives the task's
// merged parameter mapping and returns the task's output mapping.
type Workflow func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry is a thread-safe workflow_ref → Workflow mapping.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		workflows: make(map[string]Workflow),
	}
}

// Register adds a workflow under the given reference. Duplicate references
// are an error.
func (r *Registry) Register(ref string, wf Workflow) error {
	if ref == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow reference is empty")
	}
	if wf == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is nil", ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[ref]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %q already registered", ref)
	}
	r.workflows[ref] = wf
	return nil
}

// Get retrieves a workflow by reference. Unknown references are a fatal
// runner error: they are never retried.
func (r *Registry) Get(ref string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownWorkflow, "workflow %q not registered", ref)
	}
	return wf, nil
}

// List returns all registered references, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]string, 0, len(r.workflows))
	for ref := range r.workflows {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
