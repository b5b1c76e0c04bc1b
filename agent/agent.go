// Package agent implements the lease-based worker loop: a pool of
// Agents polls a queue's schedule for the next due run, takes an
// exclusive time-bounded lease on it, and replays it while a heartbeat
// goroutine renews the lease for as long as the replay keeps running.
package agent

import (
	"context"
	"log"
	"time"

	"skeenode/engine"
	"skeenode/pkg/metrics"
	"skeenode/pkg/storage"
)

// Config controls one Agent's polling and lease behavior.
type Config struct {
	Queue        string
	LeaseSeconds int
	PollInterval time.Duration
	HeartbeatEvery time.Duration
}

// DefaultConfig returns the polling cadence used when none is given:
// a 10 second lease renewed every 3 seconds, polling idle queues once
// a second.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:          queue,
		LeaseSeconds:   10,
		PollInterval:   1 * time.Second,
		HeartbeatEvery: 3 * time.Second,
	}
}

// Agent polls Backend for due runs in Config.Queue and replays them
// through Registry.
type Agent struct {
	ID       string
	Backend  storage.Backend
	Registry *engine.Registry
	Config   Config
}

// New builds an Agent identified by id.
func New(id string, backend storage.Backend, registry *engine.Registry, cfg Config) *Agent {
	return &Agent{ID: id, Backend: backend, Registry: registry, Config: cfg}
}

// Run blocks, polling Config.Queue until ctx is cancelled. Each due
// run is leased and replayed in turn; a run already leased by another
// agent is skipped, not waited on.
func (a *Agent) Run(ctx context.Context) {
	log.Printf("[Agent %s] polling queue %q", a.ID, a.Config.Queue)
	ticker := time.NewTicker(a.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Agent %s] shutting down", a.ID)
			return
		case <-ticker.C:
			for a.pollOnce(ctx) {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// pollOnce claims and replays at most one due run. It returns true if
// a run was found (whether or not its lease was won), so callers can
// drain a backlog before waiting for the next tick.
func (a *Agent) pollOnce(ctx context.Context) bool {
	metrics.AgentPollsTotal.Inc()
	excludes, err := a.Backend.ActiveLeases(ctx, a.Config.LeaseSeconds)
	if err != nil {
		log.Printf("[Agent %s] active_leases error: %v", a.ID, err)
		return false
	}

	runID, scheduleTime, ok, err := a.Backend.NextRun(ctx, a.Config.Queue, excludes)
	if err != nil {
		log.Printf("[Agent %s] next_run error: %v", a.ID, err)
		return false
	}
	if !ok {
		return false
	}

	acquired, err := a.Backend.AcquireLease(ctx, runID, a.Config.LeaseSeconds)
	if err != nil {
		log.Printf("[Agent %s] acquire_lease(%s) error: %v", a.ID, runID, err)
		return true
	}
	if !acquired {
		metrics.LeaseContention.Inc()
		return true
	}

	metrics.LeasesHeld.Inc()
	defer metrics.LeasesHeld.Dec()
	a.leaseAndReplay(ctx, runID, scheduleTime)
	return true
}

// leaseAndReplay runs the heartbeat-vs-replay race: a renewal
// goroutine keeps the lease alive while the replay proceeds, and
// whichever finishes first (replay completing, or a renewal
// discovering the lease was lost) ends the other. The lease is always
// released on the way out, and the replay goroutine is always awaited
// before releasing it — a dangling replay that outlives the lease
// could still write to a run another agent has since picked up.
func (a *Agent) leaseAndReplay(ctx context.Context, runID string, scheduleTime time.Time) {
	hbCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	lost := make(chan struct{}, 1)
	go a.heartbeat(hbCtx, runID, lost)

	replayCtx, cancelReplay := context.WithCancel(ctx)
	defer cancelReplay()

	replayDone := make(chan error, 1)
	go func() {
		workflow, err := a.Registry.Resolve(runID)
		if err != nil {
			replayDone <- err
			return
		}
		run := engine.NewRun(runID, a.Config.Queue, a.Backend)
		replayDone <- run.Replay(replayCtx, scheduleTime, workflow.Fn)
	}()

	select {
	case err := <-replayDone:
		if err != nil {
			log.Printf("[Agent %s] replay(%s) error: %v", a.ID, runID, err)
		}
	case <-lost:
		log.Printf("[Agent %s] lease lost mid-replay for %s", a.ID, runID)
		cancelReplay()
		<-replayDone
	case <-ctx.Done():
		cancelReplay()
		<-replayDone
	}

	cancelHeartbeat()
	if err := a.Backend.RemoveLease(context.Background(), runID); err != nil {
		log.Printf("[Agent %s] remove_lease(%s) error: %v", a.ID, runID, err)
	}
}

func (a *Agent) heartbeat(ctx context.Context, runID string, lost chan<- struct{}) {
	ticker := time.NewTicker(a.Config.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := a.Backend.RenewLease(ctx, runID, a.Config.LeaseSeconds)
			if err != nil {
				log.Printf("[Agent] renew_lease(%s) error: %v", runID, err)
				continue
			}
			if !renewed {
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}
