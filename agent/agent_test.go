package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/agent"
	"skeenode/conductor"
	"skeenode/engine"
	"skeenode/pkg/storage/fsbackend"
	"skeenode/workflows"
)

func newConductor(t *testing.T) *conductor.Conductor {
	t.Helper()
	backend, err := fsbackend.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	cond := conductor.New(backend, "")
	workflows.RegisterAll(cond)
	return cond
}

func TestAgent_RunsGreetingToCompletion(t *testing.T) {
	cond := newConductor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := cond.Start(ctx, "greeting", workflows.GreetingInput{Name: "ava"})
	require.NoError(t, err)

	worker := cond.Agent("test-agent", agent.Config{
		Queue:          "",
		LeaseSeconds:   5,
		PollInterval:   10 * time.Millisecond,
		HeartbeatEvery: 2 * time.Second,
	})
	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		sendErr := handle.Send(ctx, "do_print", " — printed")
		return sendErr == nil
	}, time.Second, 10*time.Millisecond)

	var result string
	require.NoError(t, handle.Result(ctx, 10*time.Millisecond, &result))
	require.Contains(t, result, "hello, ava")
}

func TestAgent_CompensatesFailedTransfer(t *testing.T) {
	cond := newConductor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := cond.Start(ctx, "transfer", workflows.TransferInput{
		FromAccount: "acct-1",
		ToAccount:   "acct-2",
		AmountCents: 1000,
		FailCredit:  true,
	})
	require.NoError(t, err)

	worker := cond.Agent("test-agent", agent.DefaultConfig(""))
	go worker.Run(ctx)

	var result workflows.TransferResult
	err = handle.Result(ctx, 20*time.Millisecond, &result)
	require.Error(t, err)
}

func TestAgent_SkipsLeaseHeldByAnotherAgent(t *testing.T) {
	cond := newConductor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	handle, err := cond.Start(ctx, "greeting", workflows.GreetingInput{Name: "lease-test"})
	require.NoError(t, err)

	acquired, err := cond.Backend.AcquireLease(ctx, handle.RunID(), 5)
	require.NoError(t, err)
	require.True(t, acquired)

	worker := cond.Agent("second-agent", agent.Config{
		Queue:          "",
		LeaseSeconds:   5,
		PollInterval:   10 * time.Millisecond,
		HeartbeatEvery: 2 * time.Second,
	})
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()
	<-done

	events, err := cond.Backend.ReadEvents(context.Background(), handle.RunID())
	require.NoError(t, err)
	for _, e := range events {
		require.NotEqual(t, engine.EventStop, e.Kind)
	}

	require.NoError(t, cond.Backend.RemoveLease(context.Background(), handle.RunID()))
}
