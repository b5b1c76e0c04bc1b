// Package sweep runs an optional, leader-elected periodic job over a
// backend's schedule store: each tick samples the queue's depth into
// the QueueDepth gauge and the age of its earliest pending entry into
// ScheduleLag. It only reads the store and is not on the critical path
// of any replay — an agent's own active_leases/next_run calls are
// always backend-native and correct without it.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"skeenode/pkg/coordination"
	"skeenode/pkg/metrics"
	"skeenode/pkg/storage"
)

// Sweeper runs its sweep on Schedule whenever it holds Election's
// leadership, so a fleet of agents can enable this without each one
// running it redundantly.
type Sweeper struct {
	Backend   storage.Backend
	Queue     string
	Election  coordination.Election
	Schedule  string // robfig/cron spec: 5-field expression or a descriptor such as "@every 30s"
	NodeID    string
}

// NewSweeper builds a Sweeper with the default schedule (every 30
// seconds) when schedule is empty.
func NewSweeper(backend storage.Backend, queue string, election coordination.Election, nodeID, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &Sweeper{Backend: backend, Queue: queue, Election: election, Schedule: schedule, NodeID: nodeID}
}

// Run blocks until ctx is cancelled, running the sweep on Schedule.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.Schedule, func() { s.tick(ctx) })
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if err := s.Election.Campaign(ctx, s.NodeID); err != nil {
		log.Printf("[Sweep] campaign error: %v", err)
		return
	}
	leader, err := s.Election.Leader(ctx)
	if err != nil || leader != s.NodeID {
		return
	}

	depth, err := s.queueDepth(ctx)
	if err != nil {
		log.Printf("[Sweep] queue depth error: %v", err)
		return
	}
	metrics.QueueDepth.WithLabelValues(s.Queue).Set(float64(depth))
	if _, earliest, ok, err := s.Backend.NextRun(ctx, s.Queue, nil); err == nil && ok {
		if lag := time.Since(earliest); lag > 0 {
			metrics.ScheduleLag.Observe(lag.Seconds())
		}
	}
}

// queueDepth counts the runs with at least one pending entry, due or
// not, by draining next_run against a
// growing exclude set; it is an O(n) approximation used only for the
// gauge, never for scheduling decisions.
func (s *Sweeper) queueDepth(ctx context.Context) (int, error) {
	excludes := map[string]struct{}{}
	count := 0
	for {
		runID, _, ok, err := s.Backend.NextRun(ctx, s.Queue, excludes)
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		excludes[runID] = struct{}{}
		count++
		if count > 100_000 {
			return count, nil
		}
	}
}
