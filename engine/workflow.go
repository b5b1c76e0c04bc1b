package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// uuidSuffixLen is the length of the "-<uuid4>" suffix NewRunID appends:
// a dash plus the 36-character canonical UUID form, which itself
// contains four dashes — too many to recover with a simple
// strings.LastIndex split.
const uuidSuffixLen = 1 + 36

// Workflow is a registered, replayable function plus the name a
// run_id's prefix resolves back to it by.
type Workflow struct {
	ID string
	Fn WorkflowFunc
}

// Registry resolves a run_id to the Workflow that must replay it. A
// run_id is always "<workflow_id>-<uuid4>"; the workflow_id portion is
// looked up verbatim, so workflow IDs must not themselves contain a
// trailing "-<uuid>" that could be mistaken for another entry's.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register adds w, keyed by its ID. Registering the same ID twice
// replaces the prior entry.
func (r *Registry) Register(w Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.ID] = w
}

// NewRunID mints a run_id for workflowID: "<workflow_id>-<uuid4>".
func NewRunID(workflowID string) string {
	return fmt.Sprintf("%s-%s", workflowID, uuid.NewString())
}

// WorkflowIDFromRunID strips the trailing "-<uuid4>" suffix a run_id
// was minted with, recovering the workflow_id that produced it. The
// suffix is a fixed 37 characters (a dash plus a canonical UUID), so
// this strips a fixed length rather than splitting on the last dash —
// a canonical UUID contains four dashes of its own, so LastIndex would
// land inside the UUID instead of at the workflow_id boundary.
func WorkflowIDFromRunID(runID string) (string, error) {
	if len(runID) <= uuidSuffixLen {
		return "", fmt.Errorf("engine: run_id %q has no workflow prefix", runID)
	}
	return runID[:len(runID)-uuidSuffixLen], nil
}

// Has reports whether workflowID is registered.
func (r *Registry) Has(workflowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[workflowID]
	return ok
}

// Resolve looks up the Workflow registered for run_id's workflow
// prefix.
func (r *Registry) Resolve(runID string) (Workflow, error) {
	workflowID, err := WorkflowIDFromRunID(runID)
	if err != nil {
		return Workflow{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[workflowID]
	if !ok {
		return Workflow{}, fmt.Errorf("engine: no workflow registered for %q", workflowID)
	}
	return w, nil
}

// Typed wraps a typed workflow function (kwargs and result as Go
// structs instead of json.RawMessage) into a WorkflowFunc, decoding
// kwargs and re-encoding the result at the boundary so workflow
// authors never touch JSON directly.
func Typed[In, Out any](fn func(ctx context.Context, rc *Context, in In) (Out, error)) WorkflowFunc {
	return func(ctx context.Context, rc *Context, kwargs json.RawMessage) (any, error) {
		var in In
		if len(kwargs) > 0 {
			if err := json.Unmarshal(kwargs, &in); err != nil {
				return nil, fmt.Errorf("engine: decode workflow input: %w", err)
			}
		}
		return fn(ctx, rc, in)
	}
}
