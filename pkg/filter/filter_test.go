package filter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"skeenode/pkg/filter"
)

func okResult(v any) filter.SearchResult {
	return filter.SearchResult{RunID: "r1", Result: &filter.Ok{Value: v}}
}

func errResult(v any) filter.SearchResult {
	return filter.SearchResult{RunID: "r1", Result: &filter.Err{Value: v}}
}

func eval(t *testing.T, sr filter.SearchResult, query map[string]any) bool {
	t.Helper()
	// evalExpr/evalTerm are unexported and Search needs a backend; the
	// query logic is pure, so these tests reach it through Match, which
	// evaluates one SearchResult without any backend.
	ok, err := filter.Match(sr, query)
	require.NoError(t, err)
	return ok
}

func TestMatch_Eq(t *testing.T) {
	require.True(t, eval(t, okResult(float64(42)), map[string]any{"eq": float64(42)}))
	require.False(t, eval(t, okResult(float64(42)), map[string]any{"eq": float64(43)}))
}

func TestMatch_EqDistinguishesOkFromErr(t *testing.T) {
	require.False(t, eval(t, errResult(float64(42)), map[string]any{"eq": float64(42)}))
}

func TestMatch_Ordering(t *testing.T) {
	require.True(t, eval(t, okResult(float64(10)), map[string]any{"gt": float64(5)}))
	require.True(t, eval(t, okResult(float64(10)), map[string]any{"gte": float64(10)}))
	require.True(t, eval(t, okResult(float64(10)), map[string]any{"lt": float64(20)}))
	require.True(t, eval(t, okResult(float64(10)), map[string]any{"lte": float64(10)}))
	require.False(t, eval(t, okResult(float64(10)), map[string]any{"lte": float64(9)}))
}

func TestMatch_InContains(t *testing.T) {
	require.True(t, eval(t, okResult("hello"), map[string]any{"contains": "ell"}))
	require.True(t, eval(t, okResult(float64(1)), map[string]any{"in": []any{float64(1), float64(2)}}))
	require.False(t, eval(t, okResult(float64(3)), map[string]any{"in": []any{float64(1), float64(2)}}))
}

func TestMatch_AndOr(t *testing.T) {
	q := map[string]any{
		"and": []any{
			map[string]any{"gt": float64(0)},
			map[string]any{"lt": float64(100)},
		},
	}
	require.True(t, eval(t, okResult(float64(50)), q))
	require.False(t, eval(t, okResult(float64(150)), q))

	orQ := map[string]any{
		"or": []any{
			map[string]any{"eq": float64(1)},
			map[string]any{"eq": float64(2)},
		},
	}
	require.True(t, eval(t, okResult(float64(2)), orQ))
	require.False(t, eval(t, okResult(float64(3)), orQ))
}

func TestMatch_Not(t *testing.T) {
	q := map[string]any{"not": map[string]any{"eq": float64(1)}}
	require.True(t, eval(t, okResult(float64(2)), q))
	require.False(t, eval(t, okResult(float64(1)), q))
}

func TestMatch_StartedAt(t *testing.T) {
	start := time.Now().UTC()
	sr := filter.SearchResult{RunID: "r1", StartedAt: &start, Result: &filter.Ok{Value: float64(1)}}
	q := map[string]any{"started_at": map[string]any{"eq": start}}
	ok, err := filter.Match(sr, q)
	require.NoError(t, err)
	require.True(t, ok)
}
