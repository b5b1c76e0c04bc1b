// Package fsbackend implements the storage.Backend contract on the
// local filesystem. It exists for tests and small single-node
// deployments: directory listings are loaded into memory and sorted
// rather than streamed, since POSIX readdir order is unspecified and
// the schedule priority queue needs a total order on the ISO-8601
// timestamp directory name.
package fsbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"skeenode/engine"
	"skeenode/pkg/storage"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Backend is the filesystem-backed storage.Backend.
type Backend struct {
	root string
}

// New creates the directory skeleton under root and returns a Backend
// rooted there.
func New(root string) (*Backend, error) {
	b := &Backend{root: root}
	for _, d := range []string{"runs", "schedules", "leases", "links"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("fsbackend: mkdir %s: %w", d, err)
		}
	}
	return b, nil
}

// Close is a no-op for the filesystem backend; it holds no persistent
// handles between calls.
func (b *Backend) Close() error { return nil }

func (b *Backend) runDir(runID string) string { return filepath.Join(b.root, "runs", runID) }

// ReadEvents implements storage.Backend.
func (b *Backend) ReadEvents(_ context.Context, runID string) ([]engine.Event, error) {
	f := filepath.Join(b.runDir(runID), "events")
	raw, err := os.ReadFile(f)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("fsbackend: read events: %w", err)
	}
	var events []engine.Event
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("fsbackend: decode events: %w", err)
		}
	}
	return events, nil
}

// WriteEvents implements storage.Backend. It overwrites the whole log,
// matching the Run's whole-log-overwrite persistence model.
func (b *Backend) WriteEvents(_ context.Context, runID string, events []engine.Event) error {
	dir := b.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsbackend: mkdir run: %w", err)
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("fsbackend: encode events: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "events"), raw, 0o644); err != nil {
		return fmt.Errorf("fsbackend: write events: %w", err)
	}
	return nil
}

// ReadAllMetadata implements storage.Backend.
func (b *Backend) ReadAllMetadata(_ context.Context, runID string) ([]engine.Metadata, error) {
	dir := filepath.Join(b.runDir(runID), "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsbackend: read logs dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]engine.Metadata, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("fsbackend: read metadata %s: %w", name, err)
		}
		var m engine.Metadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("fsbackend: decode metadata %s: %w", name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AppendMetadata implements storage.Backend.
func (b *Backend) AppendMetadata(_ context.Context, runID string, schedule time.Time, m engine.Metadata) error {
	dir := filepath.Join(b.runDir(runID), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsbackend: mkdir logs: %w", err)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("fsbackend: encode metadata: %w", err)
	}
	name := schedule.UTC().Format(timeLayout)
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		return fmt.Errorf("fsbackend: write metadata: %w", err)
	}
	return nil
}

func (b *Backend) queueDir(queue string) string { return filepath.Join(b.root, "schedules", queue) }

func (b *Backend) queueLock(queue string) *flock.Flock {
	return flock.New(filepath.Join(b.queueDir(queue), ".lock"))
}

// AddSchedule implements storage.Backend, including schedule fusing:
// a new non-bare entry closes any earlier bare-replay entries for the
// same run_id first.
func (b *Backend) AddSchedule(_ context.Context, queue, runID string, schedule time.Time, payload *engine.Event) error {
	qdir := b.queueDir(queue)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return fmt.Errorf("fsbackend: mkdir queue: %w", err)
	}
	lock := b.queueLock(queue)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("fsbackend: lock queue: %w", err)
	}
	defer lock.Unlock()

	if payload != nil {
		if err := b.closeBareReplaysLocked(qdir, runID, schedule); err != nil {
			return err
		}
	}

	entryDir := filepath.Join(qdir, schedule.UTC().Format(timeLayout))
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return fmt.Errorf("fsbackend: mkdir schedule entry: %w", err)
	}
	var content []byte
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("fsbackend: encode schedule payload: %w", err)
		}
		content = raw
	}
	if err := os.WriteFile(filepath.Join(entryDir, runID), content, 0o644); err != nil {
		return fmt.Errorf("fsbackend: write schedule: %w", err)
	}
	return nil
}

// closeBareReplaysLocked must be called with the queue lock held.
func (b *Backend) closeBareReplaysLocked(qdir, runID string, before time.Time) error {
	dirs, err := os.ReadDir(qdir)
	if err != nil {
		return fmt.Errorf("fsbackend: read queue dir: %w", err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		ts, err := time.Parse(timeLayout, d.Name())
		if err != nil || !ts.Before(before) {
			continue
		}
		entry := filepath.Join(qdir, d.Name(), runID)
		content, err := os.ReadFile(entry)
		if err != nil {
			continue // no entry for this run at this time
		}
		if len(content) == 0 {
			if err := os.Remove(entry); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("fsbackend: close bare replay: %w", err)
			}
		}
	}
	return nil
}

// ReadSchedule implements storage.Backend.
func (b *Backend) ReadSchedule(_ context.Context, queue, runID string, schedule time.Time) (*engine.Event, error) {
	f := filepath.Join(b.queueDir(queue), schedule.UTC().Format(timeLayout), runID)
	raw, err := os.ReadFile(f)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("fsbackend: read schedule: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var e engine.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("fsbackend: decode schedule: %w", err)
	}
	return &e, nil
}

// CloseSchedule implements storage.Backend.
func (b *Backend) CloseSchedule(_ context.Context, queue, runID string, schedule time.Time) error {
	lock := b.queueLock(queue)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("fsbackend: lock queue: %w", err)
	}
	defer lock.Unlock()

	dir := filepath.Join(b.queueDir(queue), schedule.UTC().Format(timeLayout))
	f := filepath.Join(dir, runID)
	if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsbackend: close schedule: %w", err)
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}

// NextRun implements storage.Backend. It loads every schedule entry
// and sorts it, since filesystem directory order is unspecified.
func (b *Backend) NextRun(_ context.Context, queue string, excludes map[string]struct{}) (string, time.Time, bool, error) {
	qdir := b.queueDir(queue)
	dirs, err := os.ReadDir(qdir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("fsbackend: read queue dir: %w", err)
	}
	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ts, err := time.Parse(timeLayout, name)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(qdir, name))
		if err != nil {
			continue
		}
		runIDs := make([]string, 0, len(entries))
		for _, e := range entries {
			runIDs = append(runIDs, e.Name())
		}
		sort.Strings(runIDs)
		for _, runID := range runIDs {
			if _, excluded := excludes[runID]; excluded {
				continue
			}
			return runID, ts, true, nil
		}
	}
	return "", time.Time{}, false, nil
}

func (b *Backend) leasePath(runID string) string { return filepath.Join(b.root, "leases", runID) }

func (b *Backend) leaseLock(runID string) *flock.Flock {
	return flock.New(b.leasePath(runID) + ".lock")
}

func leaseHeld(path string, leaseSeconds int) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return time.Since(info.ModTime()) < time.Duration(leaseSeconds)*time.Second, nil
}

// ActiveLeases implements storage.Backend.
func (b *Backend) ActiveLeases(_ context.Context, leaseSeconds int) (map[string]struct{}, error) {
	dir := filepath.Join(b.root, "leases")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("fsbackend: read leases dir: %w", err)
	}
	active := map[string]struct{}{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".lock") {
			continue
		}
		held, err := leaseHeld(filepath.Join(dir, name), leaseSeconds)
		if err != nil {
			return nil, err
		}
		if held {
			active[name] = struct{}{}
		}
	}
	return active, nil
}

// AcquireLease implements storage.Backend as a check-then-write under
// a per-lease flock: it stats the lease file and, when no unexpired
// lease is there, writes a fresh nonce to it in place. No witness file
// or rename is used; the flock alone makes the sequence exclusive,
// since Go's os.Rename (unlike Python's Path.rename) does not fail when
// the destination already exists.
func (b *Backend) AcquireLease(_ context.Context, runID string, leaseSeconds int) (bool, error) {
	lock := b.leaseLock(runID)
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("fsbackend: lock lease: %w", err)
	}
	defer lock.Unlock()

	path := b.leasePath(runID)
	held, err := leaseHeld(path, leaseSeconds)
	if err != nil {
		return false, fmt.Errorf("fsbackend: stat lease: %w", err)
	}
	if held {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(uuid.NewString()), 0o644); err != nil {
		return false, fmt.Errorf("fsbackend: write lease: %w", err)
	}
	return true, nil
}

// RenewLease implements storage.Backend.
func (b *Backend) RenewLease(_ context.Context, runID string, leaseSeconds int) (bool, error) {
	lock := b.leaseLock(runID)
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("fsbackend: lock lease: %w", err)
	}
	defer lock.Unlock()

	path := b.leasePath(runID)
	held, err := leaseHeld(path, leaseSeconds)
	if err != nil {
		return false, fmt.Errorf("fsbackend: stat lease: %w", err)
	}
	if !held {
		return false, nil
	}
	if err := os.WriteFile(path, []byte(uuid.NewString()), 0o644); err != nil {
		return false, fmt.Errorf("fsbackend: renew lease: %w", err)
	}
	return true, nil
}

// RemoveLease implements storage.Backend.
func (b *Backend) RemoveLease(_ context.Context, runID string) error {
	lock := b.leaseLock(runID)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("fsbackend: lock lease: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(b.leasePath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsbackend: remove lease: %w", err)
	}
	return nil
}

func (b *Backend) linksPath(workflowID string) string {
	return filepath.Join(b.root, "links", workflowID)
}

// ReadWorkflowLinks implements storage.Backend.
func (b *Backend) ReadWorkflowLinks(_ context.Context, workflowID string) ([]string, error) {
	raw, err := os.ReadFile(b.linksPath(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsbackend: read links: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

// WriteWorkflowLink implements storage.Backend with set semantics: a
// run_id already present is not duplicated.
func (b *Backend) WriteWorkflowLink(ctx context.Context, workflowID, runID string) error {
	lock := flock.New(b.linksPath(workflowID) + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("fsbackend: lock links: %w", err)
	}
	defer lock.Unlock()

	existing, err := b.ReadWorkflowLinks(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, id := range existing {
		if id == runID {
			return nil
		}
	}
	f, err := os.OpenFile(b.linksPath(workflowID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fsbackend: open links: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(runID + "\n"); err != nil {
		return fmt.Errorf("fsbackend: append link: %w", err)
	}
	return nil
}

var _ storage.Backend = (*Backend)(nil)
