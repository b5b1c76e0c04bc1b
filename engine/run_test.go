package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/engine"
	"skeenode/pkg/storage/fsbackend"
)

func newBackend(t *testing.T) *fsbackend.Backend {
	t.Helper()
	b, err := fsbackend.New(t.TempDir())
	require.NoError(t, err)
	return b
}

// drive polls queue until runID stops or attempts is exhausted,
// replaying fn on every due entry it finds. It mirrors what an Agent
// does, minus leasing, for single-threaded deterministic tests.
func drive(t *testing.T, b *fsbackend.Backend, queue, runID string, fn engine.WorkflowFunc, attempts int) {
	t.Helper()
	ctx := context.Background()
	run := engine.NewRun(runID, queue, b)
	for i := 0; i < attempts; i++ {
		stopped, err := runStopped(ctx, b, runID)
		require.NoError(t, err)
		if stopped {
			return
		}
		_, scheduleTime, ok, err := b.NextRun(ctx, run.Queue, nil)
		require.NoError(t, err)
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		_ = run.Replay(ctx, scheduleTime, fn)
	}
}

func runStopped(ctx context.Context, b *fsbackend.Backend, runID string) (bool, error) {
	events, err := b.ReadEvents(ctx, runID)
	if err != nil {
		return false, nil
	}
	return engine.Stopped(runID, events)
}

func TestRun_SimpleChain(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	runID := "greet-" + t.Name()
	run := engine.NewRun(runID, "", b)
	require.NoError(t, run.Start(ctx, map[string]any{"name": "ada"}))

	fn := func(_ context.Context, rc *engine.Context, kwargs json.RawMessage) (any, error) {
		var in struct{ Name string }
		require.NoError(t, json.Unmarshal(kwargs, &in))

		greeting, err := engine.Save(rc, func(context.Context) (string, error) {
			return "hello, " + in.Name, nil
		})
		if err != nil {
			return nil, err
		}
		shout, err := engine.Save(rc, func(context.Context) (string, error) {
			return greeting + "!", nil
		})
		if err != nil {
			return nil, err
		}
		return shout, nil
	}

	drive(t, b, "", runID, fn, 10)

	events, err := b.ReadEvents(ctx, runID)
	require.NoError(t, err)
	stopped, err := engine.Stopped(runID, events)
	require.NoError(t, err)
	require.True(t, stopped)

	var result string
	for _, e := range events {
		if e.Kind == engine.EventStop {
			require.NoError(t, json.Unmarshal(e.Stop.Ok, &result))
		}
	}
	require.Equal(t, "hello, ada!", result)
}

func TestRun_RetryExhaustion(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	runID := "flaky-" + t.Name()
	run := engine.NewRun(runID, "", b)
	require.NoError(t, run.Start(ctx, nil))

	strategy, err := engine.NewRetryStrategy(2, nil, nil, false)
	require.NoError(t, err)

	fn := func(_ context.Context, rc *engine.Context, _ json.RawMessage) (any, error) {
		_, err := engine.Save(rc, func(context.Context) (string, error) {
			return "", fmt.Errorf("always fails")
		}, engine.WithRetryStrategy(strategy))
		return nil, err
	}

	drive(t, b, "", runID, fn, 20)

	events, err := b.ReadEvents(ctx, runID)
	require.NoError(t, err)
	stopped, err := engine.Stopped(runID, events)
	require.NoError(t, err)
	require.True(t, stopped)

	var sawFail bool
	for _, e := range events {
		if e.Kind == engine.EventStop && len(e.Stop.Err) > 0 {
			sawFail = true
		}
	}
	require.True(t, sawFail, "expected a Stop record carrying the exhausted-retry error")
}

func TestRun_EventSleepCancel(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	runID := "wait-" + t.Name()
	run := engine.NewRun(runID, "", b)
	require.NoError(t, run.Start(ctx, nil))

	fn := func(_ context.Context, rc *engine.Context, _ json.RawMessage) (any, error) {
		if err := rc.Sleep(20 * time.Millisecond); err != nil {
			return nil, err
		}
		if _, err := rc.Receive("go"); err != nil {
			return nil, err
		}
		return nil, rc.CancelRun()
	}

	// Drive a few rounds so the sleep elapses, then send the event.
	drive(t, b, "", runID, fn, 10)
	time.Sleep(30 * time.Millisecond)
	drive(t, b, "", runID, fn, 5)

	require.NoError(t, run.Send(ctx, "go", "now"))
	drive(t, b, "", runID, fn, 10)

	events, err := b.ReadEvents(ctx, runID)
	require.NoError(t, err)
	var sawSend bool
	for _, e := range events {
		if e.Kind == engine.EventSend {
			sawSend = true
		}
	}
	require.True(t, sawSend)
	// CancelRun is terminal and writes no Stop record.
	for _, e := range events {
		require.NotEqual(t, engine.EventStop, e.Kind)
	}
}

func TestRun_UtilityDeterminism(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	runID := "rand-" + t.Name()
	run := engine.NewRun(runID, "", b)
	require.NoError(t, run.Start(ctx, nil))

	var observed []int
	fn := func(_ context.Context, rc *engine.Context, _ json.RawMessage) (any, error) {
		n, err := rc.Utils().Random(1, 1_000_000)
		if err != nil {
			return nil, err
		}
		observed = append(observed, n)
		if len(observed) < 3 {
			return nil, rc.Ensure(func() bool { return false })
		}
		return n, nil
	}

	drive(t, b, "", runID, fn, 30)

	require.GreaterOrEqual(t, len(observed), 3)
	for _, n := range observed {
		require.Equal(t, observed[0], n, "Utils().Random must replay to the same value every attempt")
	}
}

func TestRun_ParallelRunsIndependence(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	const n = 5
	runIDs := make([]string, n)
	for i := 0; i < n; i++ {
		runIDs[i] = fmt.Sprintf("job-%d-%s", i, t.Name())
		run := engine.NewRun(runIDs[i], "", b)
		require.NoError(t, run.Start(ctx, map[string]any{"n": i}))
	}

	fn := func(_ context.Context, rc *engine.Context, kwargs json.RawMessage) (any, error) {
		var in struct{ N int }
		require.NoError(t, json.Unmarshal(kwargs, &in))
		return engine.Save(rc, func(context.Context) (int, error) { return in.N * in.N, nil })
	}

	for _, runID := range runIDs {
		drive(t, b, "", runID, fn, 10)
	}

	for i, runID := range runIDs {
		events, err := b.ReadEvents(ctx, runID)
		require.NoError(t, err)
		var result int
		for _, e := range events {
			if e.Kind == engine.EventStop {
				require.NoError(t, json.Unmarshal(e.Stop.Ok, &result))
			}
		}
		require.Equal(t, i*i, result)
	}
}

func TestRun_BankingCompensation(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	runID := "transfer-" + t.Name()
	run := engine.NewRun(runID, "", b)
	require.NoError(t, run.Start(ctx, nil))

	var debited, credited, refunded bool

	fn := func(_ context.Context, rc *engine.Context, _ json.RawMessage) (any, error) {
		_, err := engine.Save(rc, func(context.Context) (string, error) {
			debited = true
			return "debited", nil
		}, engine.WithCompensation(func(context.Context) (any, error) {
			refunded = true
			return "refunded", nil
		}))
		if err != nil {
			return nil, err
		}

		strategy, serr := engine.NewRetryStrategy(1, nil, nil, true)
		if serr != nil {
			return nil, serr
		}
		_, err = engine.Save(rc, func(context.Context) (string, error) {
			return "", fmt.Errorf("destination account rejected credit")
		}, engine.WithRetryStrategy(strategy))
		if err != nil {
			return nil, err
		}
		credited = true
		return "done", nil
	}

	drive(t, b, "", runID, fn, 10)

	require.True(t, debited)
	require.False(t, credited)
	require.True(t, refunded, "compensation must run when the second leg fails")

	events, err := b.ReadEvents(ctx, runID)
	require.NoError(t, err)
	var sawCompensation bool
	for _, e := range events {
		if e.Kind == engine.EventCompensation {
			sawCompensation = true
		}
	}
	require.True(t, sawCompensation)
}
