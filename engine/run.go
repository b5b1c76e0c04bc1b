package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"skeenode/pkg/metrics"
	"skeenode/pkg/storage"
)

var tracer = otel.Tracer("skeenode/engine")

// DefaultQueue is the default schedule queue name used when a workflow's
// options don't name one explicitly.
const DefaultQueue = "default"

// successDelay and interruptDelay are the fixed bare-replay backoffs
// for the outcomes that carry no delay of their own.
const (
	successDelay   = 500 * time.Millisecond
	interruptDelay = 10 * time.Second
)

// WorkflowFunc is the deterministic function a Run replays: it is
// invoked once per replay attempt over a fresh Context built from the
// prior event log, and must reach the same sequence of Context calls
// every time given the same events.
type WorkflowFunc func(ctx context.Context, rc *Context, kwargs json.RawMessage) (any, error)

// Run drives one workflow run's replay loop against a Backend: each
// call to Replay performs exactly one replay attempt and reschedules
// (or terminates) according to the outcome.
type Run struct {
	RunID   string
	Queue   string
	Backend storage.Backend
	Clock   clock.Clock
	Log     LogFunc
}

// NewRun builds a Run bound to runID over backend. queue defaults to
// DefaultQueue when empty.
func NewRun(runID, queue string, backend storage.Backend) *Run {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Run{RunID: runID, Queue: queue, Backend: backend, Clock: clock.RealClock{}}
}

// Start records the Start event and schedules the first bare replay.
// It is the single call site that writes the Start record, so callers
// (the conductor) must not invoke it more than once per run_id.
func (r *Run) Start(ctx context.Context, kwargs any) error {
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return fmt.Errorf("engine: encode start kwargs: %w", err)
	}
	now := r.Clock.Now().UTC()
	events := []Event{StartEvent(now, raw)}
	if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
		return err
	}
	return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, now, nil)
}

// Send schedules an entry at the current time carrying the external
// event as its payload; the Replay of that entry folds the event into
// the run's log so the workflow observes it. Sends arriving after the
// run has stopped are still scheduled (so agents don't error) but are
// never folded into the log: Replay checks Stopped before reading
// schedule payloads.
func (r *Run) Send(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("engine: encode send payload: %w", err)
	}
	now := r.Clock.Now().UTC()
	payload := SendEvent(now, name, raw)
	return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, now, &payload)
}

// Result reads the current event log once and reports the run's
// terminal value from its last Stop record, with true; when no Stop
// record is present yet it returns false. It does not block: callers
// re-poll until the run has stopped.
func (r *Run) Result(ctx context.Context) (json.RawMessage, error, bool, error) {
	events, err := r.Backend.ReadEvents(ctx, r.RunID)
	if err != nil {
		return nil, nil, false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == EventStop && events[i].Stop != nil {
			stop := events[i].Stop
			if len(stop.Err) > 0 {
				return nil, errors.New(string(stop.Err)), true, nil
			}
			return stop.Ok, nil, true, nil
		}
	}
	return nil, nil, false, nil
}

// Replay performs exactly one replay attempt: it closes the schedule
// slot at scheduleTime, reads the prior event log, and — unless the
// run is already stopped — runs f over a fresh Context, classifies the
// outcome, persists the updated log, and reschedules (or terminates).
func (r *Run) Replay(ctx context.Context, scheduleTime time.Time, f WorkflowFunc) error {
	ctx, span := tracer.Start(ctx, "engine.Replay", trace.WithAttributes(
		attribute.String("run_id", r.RunID),
		attribute.String("queue", r.Queue),
	))
	defer span.End()

	payload, err := r.Backend.ReadSchedule(ctx, r.Queue, r.RunID, scheduleTime)
	if err != nil {
		return err
	}
	if err := r.Backend.CloseSchedule(ctx, r.Queue, r.RunID, scheduleTime); err != nil {
		return err
	}

	prior, err := r.Backend.ReadEvents(ctx, r.RunID)
	if err != nil {
		return err
	}

	stopped, err := Stopped(r.RunID, prior)
	if err != nil {
		return err
	}
	if stopped {
		return nil
	}

	if payload != nil {
		prior = append(prior, *payload)
	}

	var kwargs json.RawMessage
	for _, e := range prior {
		if e.Kind == EventStart && e.Start != nil {
			kwargs = e.Start.Kwargs
			break
		}
	}

	rc := NewContext(r.RunID, prior, r.Clock, r.Log)
	replayStart := time.Now()
	value, werr := f(ctx, rc, kwargs)
	events := rc.Events()

	outcome := classify(werr)
	metrics.RecordReplay(outcome.kind.String(), time.Since(replayStart).Seconds())
	switch outcome.kind {
	case outcomeSuccess:
		raw, merr := json.Marshal(value)
		if merr != nil {
			return fmt.Errorf("engine: encode result: %w", merr)
		}
		events = append(events, StopEvent(r.Clock.Now().UTC(), raw, nil))
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(successDelay), nil)

	case outcomeInterrupt:
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(interruptDelay), nil)

	case outcomeDelay:
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		delay := nextSleepDelay(events, r.Clock.Now().UTC())
		return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(delay), nil)

	case outcomeRetry:
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(outcome.delta), nil)

	case outcomeFail:
		raw, _ := json.Marshal(outcome.err.Error())
		events = append(events, StopEvent(r.Clock.Now().UTC(), nil, raw))
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		return r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(successDelay), nil)

	case outcomeCancel:
		return r.Backend.WriteEvents(ctx, r.RunID, events)

	default: // outcomeError: an ordinary workflow-function error
		m := Metadata{
			At:   r.Clock.Now().UTC(),
			Info: "replay failed",
			Error: &MetadataError{
				Message: outcome.err.Error(),
				Kind:    fmt.Sprintf("%T", outcome.err),
			},
		}
		if merr := r.Backend.AppendMetadata(ctx, r.RunID, scheduleTime, m); merr != nil {
			return merr
		}
		if err := r.Backend.WriteEvents(ctx, r.RunID, events); err != nil {
			return err
		}
		if err := r.Backend.AddSchedule(ctx, r.Queue, r.RunID, r.Clock.Now().UTC().Add(successDelay), nil); err != nil {
			return err
		}
		span.RecordError(outcome.err)
		return outcome.err
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeInterrupt
	outcomeDelay
	outcomeRetry
	outcomeFail
	outcomeCancel
	outcomeError
)

type outcome struct {
	kind  outcomeKind
	delta time.Duration
	err   error
}

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeInterrupt:
		return "interrupt"
	case outcomeDelay:
		return "delay"
	case outcomeRetry:
		return "retry"
	case outcomeFail:
		return "fail"
	case outcomeCancel:
		return "cancel"
	default:
		return "error"
	}
}

func classify(err error) outcome {
	if err == nil {
		return outcome{kind: outcomeSuccess}
	}
	if errors.Is(err, ErrInterrupt) {
		return outcome{kind: outcomeInterrupt}
	}
	if errors.Is(err, ErrDelayMode) {
		return outcome{kind: outcomeDelay}
	}
	if errors.Is(err, ErrCancelWorkflow) {
		return outcome{kind: outcomeCancel}
	}
	var retryMode *RetryModeError
	if errors.As(err, &retryMode) {
		return outcome{kind: outcomeRetry, delta: retryMode.Delta}
	}
	var retryFail *RetryFailError
	if errors.As(err, &retryFail) {
		return outcome{kind: outcomeFail, err: retryFail}
	}
	var compFailed *CompensationFailedError
	if errors.As(err, &compFailed) {
		return outcome{kind: outcomeFail, err: compFailed}
	}
	return outcome{kind: outcomeError, err: err}
}

// nextSleepDelay returns how long until the nearest still-pending
// Sleep record elapses, capped at 500ms: a DelayMode reschedule need
// never wait longer than the sleep itself requires.
func nextSleepDelay(events []Event, now time.Time) time.Duration {
	const cap = 500 * time.Millisecond
	best := cap
	for _, e := range events {
		if e.Kind != EventSleep || e.Sleep == nil {
			continue
		}
		if !now.Before(e.Sleep.End) {
			continue
		}
		remaining := e.Sleep.End.Sub(now)
		if remaining < best {
			best = remaining
		}
	}
	return best
}
