package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/engine"
)

func dur(s int) *time.Duration {
	d := time.Duration(s) * time.Second
	return &d
}

func TestNewRetryStrategy_BothBoundsGiven(t *testing.T) {
	s, err := engine.NewRetryStrategy(5, dur(1), dur(9), false)
	require.NoError(t, err)
	require.Equal(t, time.Second, s.InitialBackoffInterval)
	require.Equal(t, 9*time.Second, s.MaxBackoffInterval)
}

func TestNewRetryStrategy_InitialOnly(t *testing.T) {
	s, err := engine.NewRetryStrategy(3, dur(2), nil, false)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, s.InitialBackoffInterval)
	require.Equal(t, 12*time.Second, s.MaxBackoffInterval)
}

func TestNewRetryStrategy_MaxOnly(t *testing.T) {
	s, err := engine.NewRetryStrategy(3, nil, dur(15), false)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, s.InitialBackoffInterval)
	require.Equal(t, 15*time.Second, s.MaxBackoffInterval)
}

func TestNewRetryStrategy_MaxOnlyClampsToZero(t *testing.T) {
	s, err := engine.NewRetryStrategy(3, nil, dur(5), false)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), s.InitialBackoffInterval)
	require.Equal(t, 5*time.Second, s.MaxBackoffInterval)
}

func TestNewRetryStrategy_Defaults(t *testing.T) {
	s, err := engine.NewRetryStrategy(3, nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), s.InitialBackoffInterval)
	require.Equal(t, 10*time.Second, s.MaxBackoffInterval)
}

func TestNewRetryStrategy_RejectsInvertedBounds(t *testing.T) {
	_, err := engine.NewRetryStrategy(3, dur(10), dur(5), false)
	require.Error(t, err)
}

func TestNewRetryStrategy_RejectsZeroRetries(t *testing.T) {
	_, err := engine.NewRetryStrategy(0, nil, nil, false)
	require.Error(t, err)
}

func TestRetryStrategy_Linear(t *testing.T) {
	s, err := engine.NewRetryStrategy(5, dur(0), dur(10), false)
	require.NoError(t, err)

	d, err := s.Linear(5)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), d)

	d, err = s.Linear(1)
	require.NoError(t, err)
	require.Equal(t, 8*time.Second, d)
}

func TestRetryStrategy_Linear_RejectsExhausted(t *testing.T) {
	s := engine.DefaultRetryStrategy()
	_, err := s.Linear(0)
	require.Error(t, err)
}

func TestCompensationFailedError_Unwrap(t *testing.T) {
	original := &engine.RetryFailError{Message: "boom"}
	compErr := &engine.RetryFailError{Message: "compensation boom"}
	wrapped := &engine.CompensationFailedError{OriginalError: original, CompensationError: compErr}
	require.Equal(t, compErr, wrapped.Unwrap())
}
