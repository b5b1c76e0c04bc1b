package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/engine"
)

func TestStopped_EmptyLogIsNotStopped(t *testing.T) {
	stopped, err := engine.Stopped("r1", nil)
	require.NoError(t, err)
	require.False(t, stopped)
}

func TestStopped_StartWithoutStop(t *testing.T) {
	events := []engine.Event{engine.StartEvent(time.Now(), nil)}
	stopped, err := engine.Stopped("r1", events)
	require.NoError(t, err)
	require.False(t, stopped)
}

func TestStopped_StartThenStop(t *testing.T) {
	now := time.Now()
	events := []engine.Event{
		engine.StartEvent(now, nil),
		engine.StopEvent(now, []byte(`"ok"`), nil),
	}
	stopped, err := engine.Stopped("r1", events)
	require.NoError(t, err)
	require.True(t, stopped)
}

func TestStopped_DoubleStartIsCorrupt(t *testing.T) {
	now := time.Now()
	events := []engine.Event{
		engine.StartEvent(now, nil),
		engine.StartEvent(now, nil),
	}
	_, err := engine.Stopped("r1", events)
	require.Error(t, err)
	var lce *engine.LifeCounterError
	require.ErrorAs(t, err, &lce)
	require.Equal(t, 1, lce.Index)
}

func TestStopped_StopWithoutStartIsCorrupt(t *testing.T) {
	now := time.Now()
	events := []engine.Event{engine.StopEvent(now, []byte(`"ok"`), nil)}
	_, err := engine.Stopped("r1", events)
	require.Error(t, err)
}

func TestStopped_RestartAfterStopIsFine(t *testing.T) {
	now := time.Now()
	events := []engine.Event{
		engine.StartEvent(now, nil),
		engine.StopEvent(now, []byte(`"ok"`), nil),
		engine.StartEvent(now, nil),
	}
	stopped, err := engine.Stopped("r1", events)
	require.NoError(t, err)
	require.False(t, stopped)
}
