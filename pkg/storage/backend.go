// Package storage defines the durable store contract the engine
// requires (events, metadata, schedules, leases, workflow links) and
// is implemented by the filesystem backend (pkg/storage/fsbackend, for
// tests and small deployments) and the Redis backend
// (pkg/storage/redis, for production).
package storage

import (
	"context"
	"errors"
	"time"

	"skeenode/engine"
)

// ErrNotFound is returned when a read addresses a run, schedule entry,
// or lease that does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict names a compare-and-swap style mutation losing a race to
// a concurrent writer. Neither backend in this module returns it: a
// lease already held is reported as false by AcquireLease/RenewLease.
var ErrConflict = errors.New("storage: conflict")

// ErrIntegrity is returned when a backend observes its own indexes
// disagreeing with each other (e.g. a lease reference present in the
// leases index but missing its expiration key) — a backend bug or
// manual tampering, never a normal runtime condition.
var ErrIntegrity = errors.New("storage: integrity failure")

// Backend is the capability set the engine needs from a durable store.
// It is deliberately a flat interface rather than several narrower
// ones: every concrete backend (filesystem, Redis) implements all of
// it, and callers (Run, Agent) never need less than the whole set.
type Backend interface {
	// ReadEvents returns the full event log for run_id. ErrNotFound if
	// the run has never been started.
	ReadEvents(ctx context.Context, runID string) ([]engine.Event, error)
	// WriteEvents overwrites the full event log for run_id.
	WriteEvents(ctx context.Context, runID string, events []engine.Event) error

	// ReadAllMetadata returns every Metadata record for run_id, oldest
	// first.
	ReadAllMetadata(ctx context.Context, runID string) ([]engine.Metadata, error)
	// AppendMetadata records one Metadata entry keyed by the schedule
	// instant that triggered the replay producing it.
	AppendMetadata(ctx context.Context, runID string, schedule time.Time, m engine.Metadata) error

	// AddSchedule inserts a priority-queue entry (schedule, run_id) with
	// the given payload (nil means a bare replay). If payload is
	// non-nil, any earlier bare-replay entries for run_id are closed
	// first (schedule fusing).
	AddSchedule(ctx context.Context, queue, runID string, schedule time.Time, payload *engine.Event) error
	// ReadSchedule returns the payload at (queue, run_id, schedule).
	// ErrNotFound if the slot does not exist.
	ReadSchedule(ctx context.Context, queue, runID string, schedule time.Time) (*engine.Event, error)
	// CloseSchedule removes the (queue, run_id, schedule) entry.
	CloseSchedule(ctx context.Context, queue, runID string, schedule time.Time) error
	// NextRun returns the earliest (run_id, schedule) in queue whose
	// run_id is not in excludes. ok is false if the queue has no
	// eligible entry.
	NextRun(ctx context.Context, queue string, excludes map[string]struct{}) (runID string, schedule time.Time, ok bool, err error)

	// ActiveLeases returns the set of run_ids currently held by an
	// unexpired lease (expiration computed as last-renewal +
	// leaseSeconds).
	ActiveLeases(ctx context.Context, leaseSeconds int) (map[string]struct{}, error)
	// AcquireLease attempts to take an exclusive, time-bounded claim on
	// run_id. false means a contender already holds it.
	AcquireLease(ctx context.Context, runID string, leaseSeconds int) (bool, error)
	// RenewLease extends a held lease. false means it was lost (expired
	// and reaped, or never held).
	RenewLease(ctx context.Context, runID string, leaseSeconds int) (bool, error)
	// RemoveLease releases a held lease. Removing a lease that is not
	// held is not an error.
	RemoveLease(ctx context.Context, runID string) error

	// ReadWorkflowLinks returns every run_id ever started for
	// workflowID.
	ReadWorkflowLinks(ctx context.Context, workflowID string) ([]string, error)
	// WriteWorkflowLink appends run_id to workflowID's link set (set
	// semantics: idempotent).
	WriteWorkflowLink(ctx context.Context, workflowID, runID string) error

	// Close releases any resources (connections, file handles) held by
	// the backend.
	Close() error
}
