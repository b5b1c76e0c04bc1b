package engine

import (
	"errors"
	"fmt"
	"time"
)

// Control-flow signals returned by Context primitives and classified
// exactly once by Run.Replay. None of these represent a workflow bug;
// they describe why this replay attempt stopped short of a result.
var (
	// ErrInterrupt means a call site is not yet satisfiable (an ensure
	// or receive whose condition is still false).
	ErrInterrupt = errors.New("engine: interrupt")

	// ErrDelayMode means a sleep is still in progress.
	ErrDelayMode = errors.New("engine: delay")

	// ErrCancelWorkflow is terminal; no Stop record is written for it.
	ErrCancelWorkflow = errors.New("engine: cancelled")
)

// RetryModeError signals that a save failed but remains within its
// retry budget; the Run reschedules the replay after Delta.
type RetryModeError struct {
	Delta time.Duration
	Hint  string
}

func (e *RetryModeError) Error() string {
	return fmt.Sprintf("engine: retry after %s", e.Delta)
}

// RetryFailError is terminal: retries (and any compensation) are
// exhausted.
type RetryFailError struct {
	Message string
}

func (e *RetryFailError) Error() string { return e.Message }

// CompensationFailedError wraps both the original failure and the
// error raised while compensating for it; remaining compensations are
// skipped once one fails.
type CompensationFailedError struct {
	OriginalError    error
	CompensationError error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("engine: compensation failed: %v (original: %v)", e.CompensationError, e.OriginalError)
}

func (e *CompensationFailedError) Unwrap() error { return e.CompensationError }

// ConfigError is raised eagerly at construction boundaries (e.g. an
// invalid RetryStrategy) rather than during a replay.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "engine: config: " + e.Message }

// RetryStrategy bounds how an activity is retried on failure.
type RetryStrategy struct {
	MaxRetries             int
	InitialBackoffInterval time.Duration
	MaxBackoffInterval     time.Duration
	CompensateOnFirstFail  bool

	hasInitial bool
	hasMax     bool
}

// NewRetryStrategy validates and derives a RetryStrategy the same way
// the bounds are reconciled at construction: max_retries >= 1; if both
// bounds are given, initial < max and initial >= 0; if only one bound
// is given, the other is derived with a fixed 10 second offset.
func NewRetryStrategy(maxRetries int, initial, max *time.Duration, compensateOnFirstFail bool) (RetryStrategy, error) {
	if maxRetries < 1 {
		return RetryStrategy{}, &ConfigError{Message: "max_retries < 1"}
	}

	s := RetryStrategy{MaxRetries: maxRetries, CompensateOnFirstFail: compensateOnFirstFail}

	switch {
	case initial != nil && max != nil:
		if *initial >= *max {
			return RetryStrategy{}, &ConfigError{Message: "initial_backoff_interval >= max_backoff_interval"}
		}
		if *initial < 0 {
			return RetryStrategy{}, &ConfigError{Message: "initial_backoff_interval < 0"}
		}
		s.InitialBackoffInterval = *initial
		s.MaxBackoffInterval = *max
	case initial != nil && max == nil:
		s.InitialBackoffInterval = *initial
		s.MaxBackoffInterval = *initial + 10*time.Second
	case initial == nil && max != nil:
		s.MaxBackoffInterval = *max
		derived := *max - 10*time.Second
		if derived < 0 {
			derived = 0
		}
		s.InitialBackoffInterval = derived
	default:
		// both absent: the evaluator's default strategy (3, 0, 10s)
		s.InitialBackoffInterval = 0
		s.MaxBackoffInterval = 10 * time.Second
	}
	s.hasInitial = initial != nil
	s.hasMax = max != nil
	return s, nil
}

// DefaultRetryStrategy mirrors the evaluator's fallback when no
// RetryStrategy is supplied to save.
func DefaultRetryStrategy() RetryStrategy {
	s, _ := NewRetryStrategy(3, nil, nil, false)
	return s
}

// Linear computes the backoff delay for the given retries_left, using
// the same integer-truncated-seconds formula as the source evaluator:
// delta = ((max_retries - retries_left) * (max - initial)) / max_retries.
func (s RetryStrategy) Linear(retriesLeft int) (time.Duration, error) {
	if retriesLeft <= 0 {
		return 0, fmt.Errorf("engine: retries_left <= 0")
	}
	span := s.MaxBackoffInterval - s.InitialBackoffInterval
	secs := int64((s.MaxRetries - retriesLeft)) * int64(span/time.Second) / int64(s.MaxRetries)
	return time.Duration(secs) * time.Second, nil
}
