package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"skeenode/pkg/metrics"
)

// evaluate runs one activity: f is invoked at most once per call and
// its result (or failure) is classified against strategy. A success is
// recorded as a resolved Save record; a failure with retries left is
// recorded as a Save record carrying the next attempt number and
// returned as RetryModeError; a terminal failure writes no Save record,
// runs the compensation stack, and returns RetryFailError or
// CompensationFailedError.
func evaluate(
	c *Context,
	f func(context.Context) (any, error),
	timeout *time.Duration,
	strategy *RetryStrategy,
	compensate func(context.Context) (any, error),
	saveID uint32,
	priorCounter *int32,
) (any, error) {
	st := DefaultRetryStrategy()
	if strategy != nil {
		st = *strategy
	}

	if compensate != nil {
		c.pushCompensation(compensate)
	}

	val, err := callWithTimeout(context.Background(), f, timeout)
	if err == nil {
		raw, merr := json.Marshal(val)
		if merr != nil {
			return nil, fmt.Errorf("engine: marshal save %d result: %w", saveID, merr)
		}
		c.source(SaveEvent(c.now(), saveID, raw, -1))
		metrics.RecordSave("ok")
		return val, nil
	}

	if st.CompensateOnFirstFail {
		if cerr := c.triggerCompensation(saveID, err); cerr != nil {
			metrics.RecordSave("fail")
			return nil, cerr
		}
		metrics.RecordSave("fail")
		return nil, &RetryFailError{Message: failMessage(err)}
	}

	attempt := int32(1)
	if priorCounter != nil {
		attempt = *priorCounter
	}
	retriesLeft := st.MaxRetries - int(attempt)
	if retriesLeft > 0 {
		c.source(SaveEvent(c.now(), saveID, []byte("null"), attempt+1))
		delta, derr := st.Linear(retriesLeft)
		if derr != nil {
			return nil, derr
		}
		metrics.RecordSave("retry")
		return nil, &RetryModeError{Delta: delta}
	}

	if cerr := c.triggerCompensation(saveID, err); cerr != nil {
		metrics.RecordSave("fail")
		return nil, cerr
	}
	metrics.RecordSave("fail")
	return nil, &RetryFailError{Message: failMessage(err)}
}

// triggerCompensation runs the Context's compensation stack LIFO. Each
// compensation is invoked in turn; the first one to fail aborts the
// remaining ones and is reported as a CompensationFailedError.
func (c *Context) triggerCompensation(saveID uint32, originalErr error) error {
	stack := make([]func(context.Context) (any, error), len(c.compensationStack))
	copy(stack, c.compensationStack)

	for i := len(stack) - 1; i >= 0; i-- {
		result, err := stack[i](context.Background())
		if err != nil {
			metrics.RecordCompensation("failed")
			return &CompensationFailedError{OriginalError: originalErr, CompensationError: err}
		}
		raw, merr := json.Marshal(result)
		if merr != nil {
			raw = []byte("null")
		}
		c.source(CompensationEvent(c.now(), saveID, originalErr.Error(), raw))
		metrics.RecordCompensation("ok")
	}
	return nil
}

func failMessage(err error) string {
	return fmt.Sprintf("%T: %v", err, err)
}

// callWithTimeout invokes f, bounding it by timeout when one is given.
// A nil timeout means f runs to completion however long it takes, same
// as a plain function call.
func callWithTimeout(ctx context.Context, f func(context.Context) (any, error), timeout *time.Duration) (any, error) {
	if timeout == nil {
		return f(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := f(cctx)
		done <- result{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-cctx.Done():
		return nil, fmt.Errorf("engine: activity timed out: %w", cctx.Err())
	}
}
