package fsbackend_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/engine"
	"skeenode/pkg/storage"
	"skeenode/pkg/storage/fsbackend"
)

func newBackend(t *testing.T) *fsbackend.Backend {
	t.Helper()
	b, err := fsbackend.New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestEvents_RoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.ReadEvents(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	now := time.Now().UTC()
	events := []engine.Event{engine.StartEvent(now, nil)}
	require.NoError(t, b.WriteEvents(ctx, "r1", events))

	got, err := b.ReadEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, engine.EventStart, got[0].Kind)
}

func TestMetadata_OrderedByScheduleTime(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, b.AppendMetadata(ctx, "r1", base.Add(2*time.Second), engine.Metadata{Info: "second"}))
	require.NoError(t, b.AppendMetadata(ctx, "r1", base, engine.Metadata{Info: "first"}))
	require.NoError(t, b.AppendMetadata(ctx, "r1", base.Add(time.Second), engine.Metadata{Info: "middle"}))

	all, err := b.ReadAllMetadata(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "first", all[0].Info)
	require.Equal(t, "middle", all[1].Info)
	require.Equal(t, "second", all[2].Info)
}

func TestSchedule_BareReplayThenClose(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, b.AddSchedule(ctx, "q", "r1", now, nil))

	payload, err := b.ReadSchedule(ctx, "q", "r1", now)
	require.NoError(t, err)
	require.Nil(t, payload)

	runID, ts, ok, err := b.NextRun(ctx, "q", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r1", runID)
	require.WithinDuration(t, now, ts, time.Millisecond)

	require.NoError(t, b.CloseSchedule(ctx, "q", "r1", now))
	_, _, ok, err = b.NextRun(ctx, "q", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSchedule_ExcludesFilterNextRun(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, b.AddSchedule(ctx, "q", "r1", base, nil))
	require.NoError(t, b.AddSchedule(ctx, "q", "r2", base.Add(time.Millisecond), nil))

	runID, _, ok, err := b.NextRun(ctx, "q", map[string]struct{}{"r1": {}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r2", runID)
}

func TestSchedule_FusingClosesEarlierBareReplay(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, b.AddSchedule(ctx, "q", "r1", base, nil))

	later := base.Add(time.Second)
	sendEvent := engine.SendEvent(later, "go", []byte(`"payload"`))
	require.NoError(t, b.AddSchedule(ctx, "q", "r1", later, &sendEvent))

	_, err := b.ReadSchedule(ctx, "q", "r1", base)
	require.ErrorIs(t, err, storage.ErrNotFound, "the earlier bare-replay slot must be closed by fusing")

	payload, err := b.ReadSchedule(ctx, "q", "r1", later)
	require.NoError(t, err)
	require.NotNil(t, payload)
	require.Equal(t, engine.EventSend, payload.Kind)
}

func TestLease_AcquireRenewRemove(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	acquired, err := b.AcquireLease(ctx, "r1", 1)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = b.AcquireLease(ctx, "r1", 1)
	require.NoError(t, err)
	require.False(t, acquired, "a held lease cannot be re-acquired")

	active, err := b.ActiveLeases(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, active, "r1")

	renewed, err := b.RenewLease(ctx, "r1", 1)
	require.NoError(t, err)
	require.True(t, renewed)

	require.NoError(t, b.RemoveLease(ctx, "r1"))
	active, err = b.ActiveLeases(ctx, 1)
	require.NoError(t, err)
	require.NotContains(t, active, "r1")

	renewed, err = b.RenewLease(ctx, "r1", 1)
	require.NoError(t, err)
	require.False(t, renewed, "renewing a released lease must fail")
}

func TestLease_ExpiresAndCanBeReacquired(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	acquired, err := b.AcquireLease(ctx, "r1", 0)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(5 * time.Millisecond)
	acquired, err = b.AcquireLease(ctx, "r1", 0)
	require.NoError(t, err)
	require.True(t, acquired, "an expired lease must be re-acquirable")
}

func TestWorkflowLinks_SetSemantics(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteWorkflowLink(ctx, "wf", "run-1"))
	require.NoError(t, b.WriteWorkflowLink(ctx, "wf", "run-2"))
	require.NoError(t, b.WriteWorkflowLink(ctx, "wf", "run-1"))

	links, err := b.ReadWorkflowLinks(ctx, "wf")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"run-1", "run-2"}, links)
}
