// Package conductor is the client-facing facade over the engine: it
// registers workflows, starts and signals runs, and waits on their
// results. It does no replaying itself — that is an Agent's job — but
// it owns the Registry an Agent replays against.
package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skeenode/agent"
	"skeenode/engine"
	"skeenode/pkg/storage"
)

// Conductor is a registry of workflows bound to one backend and
// default queue.
type Conductor struct {
	Backend  storage.Backend
	Registry *engine.Registry
	Queue    string
}

// New builds a Conductor. queue defaults to engine.DefaultQueue when
// empty.
func New(backend storage.Backend, queue string) *Conductor {
	if queue == "" {
		queue = engine.DefaultQueue
	}
	return &Conductor{Backend: backend, Registry: engine.NewRegistry(), Queue: queue}
}

// Register makes w resolvable by Agents replaying runs minted from
// Start.
func (c *Conductor) Register(w engine.Workflow) {
	c.Registry.Register(w)
}

// Agent builds an Agent that replays runs from this Conductor's
// registry against this Conductor's backend.
func (c *Conductor) Agent(id string, cfg agent.Config) *agent.Agent {
	if cfg.Queue == "" {
		cfg.Queue = c.Queue
	}
	return agent.New(id, c.Backend, c.Registry, cfg)
}

// Start mints a run_id for workflowID, records its Start event,
// schedules its first replay, and links it under workflowID for later
// discovery (ReadWorkflowLinks).
func (c *Conductor) Start(ctx context.Context, workflowID string, kwargs any) (*Handle, error) {
	if !c.Registry.Has(workflowID) {
		return nil, fmt.Errorf("conductor: workflow %q is not registered", workflowID)
	}

	runID := engine.NewRunID(workflowID)
	run := engine.NewRun(runID, c.Queue, c.Backend)
	if err := run.Start(ctx, kwargs); err != nil {
		return nil, err
	}
	if err := c.Backend.WriteWorkflowLink(ctx, workflowID, runID); err != nil {
		return nil, err
	}
	return &Handle{run: run}, nil
}

// Resume rebuilds a Handle for a run_id that was started in an earlier
// process (e.g. to Send or poll Result on a run this process didn't
// Start).
func (c *Conductor) Resume(runID string) *Handle {
	return &Handle{run: engine.NewRun(runID, c.Queue, c.Backend)}
}

// Links returns every run_id ever started for workflowID.
func (c *Conductor) Links(ctx context.Context, workflowID string) ([]string, error) {
	return c.Backend.ReadWorkflowLinks(ctx, workflowID)
}

// Handle is a reference to one started run.
type Handle struct {
	run *engine.Run
}

// RunID returns the run's identifier.
func (h *Handle) RunID() string { return h.run.RunID }

// Send folds an external event into the run.
func (h *Handle) Send(ctx context.Context, name string, value any) error {
	return h.run.Send(ctx, name, value)
}

// Peek reads the run's current status without blocking: done is false
// if it is still in flight.
func (h *Handle) Peek(ctx context.Context) (ok json.RawMessage, runErr error, done bool, err error) {
	return h.run.Result(ctx)
}

// Result blocks, polling every interval, until the run stops or ctx is
// done. It returns the decoded Ok value into out, or the run's
// recorded error.
func (h *Handle) Result(ctx context.Context, interval time.Duration, out any) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, runErr, done, err := h.run.Result(ctx)
		if err != nil {
			return err
		}
		if done {
			if runErr != nil {
				return runErr
			}
			if out != nil && len(ok) > 0 {
				return json.Unmarshal(ok, out)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
