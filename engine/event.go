// Package engine implements the durable replay engine: the Event log,
// the per-replay Context, the activity evaluator, and the Run state
// machine that drives one replay attempt.
package engine

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventKind discriminates the variant carried by an Event.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventSave         EventKind = "save"
	EventSleep        EventKind = "sleep"
	EventSend         EventKind = "send"
	EventStop         EventKind = "stop"
	EventCompensation EventKind = "compensation"
)

// Event is a single durable record in a run's append-only log. Exactly
// one of the payload fields is populated, selected by Kind.
type Event struct {
	At           time.Time             `json:"at"`
	Kind         EventKind              `json:"kind"`
	Start        *StartPayload         `json:"start,omitempty"`
	Save         *SavePayload          `json:"save,omitempty"`
	Sleep        *SleepPayload         `json:"sleep,omitempty"`
	Send         *SendPayload          `json:"send,omitempty"`
	Stop         *StopPayload          `json:"stop,omitempty"`
	Compensation *CompensationPayload  `json:"compensation,omitempty"`
}

// StartPayload carries the initial arguments of a run.
type StartPayload struct {
	Kwargs json.RawMessage `json:"kwargs,omitempty"`
}

// SavePayload is a durable checkpoint for one save call site.
// Counter == -1 means resolved; Counter >= 2 means attempt Counter-1
// failed and the next replay makes attempt number Counter.
type SavePayload struct {
	ID      uint32          `json:"id"`
	Value   json.RawMessage `json:"value,omitempty"`
	Counter int32           `json:"counter"`
}

// SleepPayload is a scheduled suspension. Presence with now >= End means
// the sleep has elapsed.
type SleepPayload struct {
	ID    uint32    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SendPayload is an externally delivered signal.
type SendPayload struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StopPayload is the terminal record of a run lifecycle. Exactly one of
// Ok/Err is populated.
type StopPayload struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err json.RawMessage `json:"err,omitempty"`
}

// CompensationPayload records a compensating action triggered by a
// terminal failure.
type CompensationPayload struct {
	SaveID uint32          `json:"save_id"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result,omitempty"`
}

func newEvent(kind EventKind, at time.Time) Event {
	return Event{At: at, Kind: kind}
}

// StartEvent builds a Start record.
func StartEvent(at time.Time, kwargs json.RawMessage) Event {
	e := newEvent(EventStart, at)
	e.Start = &StartPayload{Kwargs: kwargs}
	return e
}

// SaveEvent builds a Save record.
func SaveEvent(at time.Time, id uint32, value json.RawMessage, counter int32) Event {
	e := newEvent(EventSave, at)
	e.Save = &SavePayload{ID: id, Value: value, Counter: counter}
	return e
}

// SleepEvent builds a Sleep record.
func SleepEvent(at time.Time, id uint32, start, end time.Time) Event {
	e := newEvent(EventSleep, at)
	e.Sleep = &SleepPayload{ID: id, Start: start, End: end}
	return e
}

// SendEvent builds a Send record.
func SendEvent(at time.Time, name string, value json.RawMessage) Event {
	e := newEvent(EventSend, at)
	e.Send = &SendPayload{Name: name, Value: value}
	return e
}

// StopEvent builds a terminal Stop record.
func StopEvent(at time.Time, ok, errValue json.RawMessage) Event {
	e := newEvent(EventStop, at)
	e.Stop = &StopPayload{Ok: ok, Err: errValue}
	return e
}

// CompensationEvent builds a Compensation record.
func CompensationEvent(at time.Time, saveID uint32, errMsg string, result json.RawMessage) Event {
	e := newEvent(EventCompensation, at)
	e.Compensation = &CompensationPayload{SaveID: saveID, Error: errMsg, Result: result}
	return e
}

// Metadata is a per-replay human-readable log entry, append-only, keyed
// by run_id and the schedule timestamp that triggered the replay.
type Metadata struct {
	At    time.Time      `json:"at"`
	Info  string         `json:"info,omitempty"`
	Error *MetadataError `json:"error,omitempty"`
}

// MetadataError is the error payload of a Metadata record.
type MetadataError struct {
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace,omitempty"`
	Kind       string `json:"kind"`
}

// LifeCounterError marks event-stream corruption: a Start while a
// lifecycle is already open, or a Stop while none is.
type LifeCounterError struct {
	RunID string
	Index int
	Kind  EventKind
}

func (e *LifeCounterError) Error() string {
	return "engine: corrupt event log for " + e.RunID + " at index " +
		strconv.Itoa(e.Index) + ": unexpected " + string(e.Kind)
}

// Stopped walks events and computes the life-counter shape invariant
// (Start · * · Stop)*, asserting the counter never leaves {0,1}. It
// returns whether the run is currently stopped (counter == 0 having
// seen at least one Start) and an error if the log is corrupt.
func Stopped(runID string, events []Event) (bool, error) {
	counter := 0
	started := false
	for i, e := range events {
		switch e.Kind {
		case EventStart:
			if counter == 1 {
				return false, &LifeCounterError{RunID: runID, Index: i, Kind: e.Kind}
			}
			counter++
			started = true
		case EventStop:
			if counter == 0 {
				return false, &LifeCounterError{RunID: runID, Index: i, Kind: e.Kind}
			}
			counter--
		}
	}
	return counter == 0 && started, nil
}
