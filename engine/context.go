package engine

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// LogFunc receives breadcrumb-level replay commentary (the kind of
// "reused previous save", "waiting on condition" notes a workflow
// author might want surfaced in debug logs). It is never the source of
// truth for replay decisions; the event log is. A nil LogFunc is a
// valid no-op.
type LogFunc func(msg string, fields ...any)

// Context is the per-replay object a workflow function uses to invoke
// the durable primitives. It is constructed fresh for every replay
// attempt over the run's prior event list; calling its primitives in
// the same order on every replay is what makes the workflow
// deterministic.
type Context struct {
	runID   string
	clock   clock.Clock
	log     LogFunc
	events  []Event
	nextID  uint32
	compensationStack []func(context.Context) (any, error)
}

// NewContext builds a Context over the prior events of a run. Newly
// produced events (via Save/Sleep) are appended to the same slice the
// Run later persists in full.
func NewContext(runID string, prior []Event, clk clock.Clock, log LogFunc) *Context {
	if clk == nil {
		clk = clock.RealClock{}
	}
	events := make([]Event, len(prior))
	copy(events, prior)
	return &Context{runID: runID, clock: clk, log: log, events: events}
}

// Events returns the full event list accumulated so far this replay
// (prior events plus anything appended by primitives invoked up to
// this point).
func (c *Context) Events() []Event {
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Context) now() time.Time { return c.clock.Now().UTC() }

func (c *Context) logf(msg string, fields ...any) {
	if c.log != nil {
		c.log(msg, fields...)
	}
}

func (c *Context) source(e Event) {
	c.events = append(c.events, e)
}

func (c *Context) allocID() uint32 {
	c.nextID++
	return c.nextID
}

func (c *Context) findSave(id uint32) *SavePayload {
	var resolved *SavePayload
	var highest *SavePayload
	for i := range c.events {
		e := &c.events[i]
		if e.Kind != EventSave || e.Save == nil || e.Save.ID != id {
			continue
		}
		if e.Save.Counter == -1 {
			resolved = e.Save
			continue
		}
		if highest == nil || e.Save.Counter > highest.Counter {
			highest = e.Save
		}
	}
	if resolved != nil {
		return resolved
	}
	return highest
}

func (c *Context) findSleep(id uint32) *SleepPayload {
	for i := range c.events {
		e := &c.events[i]
		if e.Kind == EventSleep && e.Sleep != nil && e.Sleep.ID == id {
			return e.Sleep
		}
	}
	return nil
}

func (c *Context) pushCompensation(f func(context.Context) (any, error)) {
	c.compensationStack = append(c.compensationStack, f)
}

// SaveOptions configures one save call site.
type SaveOptions struct {
	Timeout        *time.Duration
	RetryStrategy  *RetryStrategy
	CompensateWith func(context.Context) (any, error)
}

// SaveOption applies one setting to SaveOptions.
type SaveOption func(*SaveOptions)

// WithTimeout bounds how long the activity's callable may run.
func WithTimeout(d time.Duration) SaveOption {
	return func(o *SaveOptions) { o.Timeout = &d }
}

// WithRetryStrategy overrides the default retry strategy (3 attempts,
// 0 to 10s linear backoff) for this save call.
func WithRetryStrategy(s RetryStrategy) SaveOption {
	return func(o *SaveOptions) { o.RetryStrategy = &s }
}

// WithCompensation registers a compensating action pushed onto the
// Context's LIFO compensation stack before the activity runs.
func WithCompensation(f func(context.Context) (any, error)) SaveOption {
	return func(o *SaveOptions) { o.CompensateWith = f }
}

// Save forces idempotency on f: the first replay to reach this call
// site executes f and durably records its result; every later replay
// returns the recorded value without invoking f again. Save is generic
// over the callable's return type so callers get back a typed value
// instead of an untyped JSON blob.
func Save[T any](c *Context, f func(context.Context) (T, error), opts ...SaveOption) (T, error) {
	var zero T
	var options SaveOptions
	for _, opt := range opts {
		opt(&options)
	}

	id := c.allocID()
	existing := c.findSave(id)

	if existing != nil && existing.Counter == -1 {
		var v T
		if len(existing.Value) > 0 && string(existing.Value) != "null" {
			if err := json.Unmarshal(existing.Value, &v); err != nil {
				return zero, fmt.Errorf("engine: decode save %d: %w", id, err)
			}
		}
		c.logf("reused save", "id", id)
		return v, nil
	}

	var priorCounter *int32
	if existing != nil {
		ctr := existing.Counter
		priorCounter = &ctr
	}

	wrapped := func(ctx context.Context) (any, error) { return f(ctx) }

	val, err := evaluate(c, wrapped, options.Timeout, options.RetryStrategy, options.CompensateWith, id, priorCounter)
	if err != nil {
		return zero, err
	}
	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("engine: save %d produced unexpected type %T", id, val)
	}
	return typed, nil
}

// Sleep suspends the run until duration has elapsed, recorded durably
// so the elapsed interval survives crashes and reschedules. It signals
// ErrDelayMode until the recorded end instant has passed.
func (c *Context) Sleep(duration time.Duration) error {
	if duration <= 0 {
		return fmt.Errorf("engine: invalid sleep duration: %s", duration)
	}
	id := c.allocID()
	if rec := c.findSleep(id); rec != nil {
		if !c.now().Before(rec.End) {
			return nil
		}
		c.logf("sleep in progress", "id", id, "end", rec.End)
		return ErrDelayMode
	}
	now := c.now()
	end := now.Add(duration)
	c.source(SleepEvent(now, id, now, end))
	return ErrDelayMode
}

// Handle scans the event log for the first Send matching eventName and
// invokes callback with its decoded payload. It is a replay-time view
// computation: it never itself appends an event, since the
// authoritative record is the Send that Run.Replay already folded into
// the log from the schedule entry Run.Send created.
func (c *Context) Handle(eventName string, callback func(json.RawMessage) (any, error)) (any, error) {
	for _, e := range c.events {
		if e.Kind == EventSend && e.Send != nil && e.Send.Name == eventName {
			return callback(e.Send.Value)
		}
	}
	return nil, nil
}

// Receive is a convenience wrapper around Handle + Ensure: it captures
// the first matching Send's payload and blocks replay (via Interrupt)
// until one has arrived.
func (c *Context) Receive(eventName string) (json.RawMessage, error) {
	var payload json.RawMessage
	have := false
	if _, err := c.Handle(eventName, func(p json.RawMessage) (any, error) {
		payload = p
		have = true
		return nil, nil
	}); err != nil {
		return nil, err
	}
	if err := c.Ensure(func() bool { return have }); err != nil {
		return nil, err
	}
	return payload, nil
}

// Ensure gates replay on predicate: if predicate is already true it
// returns nil immediately; otherwise it signals ErrInterrupt so the Run
// reschedules a later re-evaluation. Ensure never reads or writes
// durable events itself.
func (c *Context) Ensure(predicate func() bool) error {
	if predicate() {
		return nil
	}
	return ErrInterrupt
}

// CancelRun signals CancelWorkflow: a terminal outcome for which no
// Stop record is written automatically.
func (c *Context) CancelRun() error {
	return ErrCancelWorkflow
}

// Utils exposes the three nondeterministic call wrappers (now, random,
// uuid4), each itself a save so later replays observe the first-run
// value.
type Utils struct{ c *Context }

// Utils returns the utility namespace bound to this Context.
func (c *Context) Utils() Utils { return Utils{c: c} }

// Now returns the current UTC instant, durable across replays.
func (u Utils) Now() (time.Time, error) {
	return Save(u.c, func(context.Context) (time.Time, error) {
		return u.c.now(), nil
	})
}

// Random returns a durable random integer in [a, b].
func (u Utils) Random(a, b int) (int, error) {
	return Save(u.c, func(context.Context) (int, error) {
		if b < a {
			return 0, fmt.Errorf("engine: random bounds reversed: %d > %d", a, b)
		}
		return a + mathrand.IntN(b-a+1), nil
	})
}

// UUID4 returns a durable random UUID.
func (u Utils) UUID4() (uuid.UUID, error) {
	return Save(u.c, func(context.Context) (uuid.UUID, error) {
		return uuid.New(), nil
	})
}
