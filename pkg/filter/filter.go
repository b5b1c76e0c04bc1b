// Package filter implements the read-only search DSL run over a
// workflow's related runs: a small boolean-expression-over-JSON
// query language matched against each run's terminal Ok/Err/None
// result and its start/end timestamps.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"skeenode/engine"
	"skeenode/pkg/storage"
)

// Ok wraps a run's successful terminal value.
type Ok struct{ Value any }

// Err wraps a run's failing terminal value.
type Err struct{ Value any }

// Result is the outcome of one run: *Ok, *Err, or nil (no terminal
// record yet — the run hasn't stopped).
type Result any

// SearchResult is one related run's terminal snapshot.
type SearchResult struct {
	RunID     string
	Result    Result
	StartedAt *time.Time
	EndedAt   *time.Time
}

// Filter runs searches over the runs related to one workflow.
type Filter struct {
	Backend storage.Backend
}

// New builds a Filter over backend.
func New(backend storage.Backend) *Filter {
	return &Filter{Backend: backend}
}

// RelatedRuns returns every run_id ever started for workflowID.
func (f *Filter) RelatedRuns(ctx context.Context, workflowID string) ([]string, error) {
	return f.Backend.ReadWorkflowLinks(ctx, workflowID)
}

// ListResults builds a SearchResult for every run related to
// workflowID.
func (f *Filter) ListResults(ctx context.Context, workflowID string) ([]SearchResult, error) {
	runIDs, err := f.RelatedRuns(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(runIDs))
	for _, runID := range runIDs {
		events, err := f.Backend.ReadEvents(ctx, runID)
		if err != nil {
			if err == storage.ErrNotFound || len(events) == 0 {
				results = append(results, SearchResult{RunID: runID})
				continue
			}
			return nil, err
		}
		if len(events) == 0 {
			results = append(results, SearchResult{RunID: runID})
			continue
		}

		var startedAt *time.Time
		stopped := false
		for _, e := range events {
			if e.Kind == engine.EventStart {
				at := e.At
				startedAt = &at
			}
			if e.Kind == engine.EventStop && e.Stop != nil {
				endedAt := e.At
				sr := SearchResult{RunID: runID, StartedAt: startedAt, EndedAt: &endedAt}
				if len(e.Stop.Err) > 0 {
					var v any
					_ = json.Unmarshal(e.Stop.Err, &v)
					sr.Result = &Err{Value: v}
				} else {
					var v any
					_ = json.Unmarshal(e.Stop.Ok, &v)
					sr.Result = &Ok{Value: v}
				}
				results = append(results, sr)
				stopped = true
				break
			}
		}
		if !stopped {
			results = append(results, SearchResult{RunID: runID, StartedAt: startedAt})
		}
	}
	return results, nil
}

// Search runs query over every run related to workflowID.
func (f *Filter) Search(ctx context.Context, workflowID string, query map[string]any) ([]SearchResult, error) {
	results, err := f.ListResults(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	filtered := make([]SearchResult, 0, len(results))
	for _, r := range results {
		match, err := evalExpr(r, query)
		if err != nil {
			return nil, err
		}
		if match {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// Match evaluates query against a single SearchResult. Search calls
// this once per related run; it is also the entry point for testing
// the query language in isolation.
func Match(sr SearchResult, query map[string]any) (bool, error) {
	return evalExpr(sr, query)
}

func unliftR(r Result) any {
	switch v := r.(type) {
	case *Ok:
		return v.Value
	case *Err:
		return v.Value
	default:
		return nil
	}
}

func isResult(v any) bool {
	switch v.(type) {
	case *Ok, *Err, nil:
		return true
	default:
		return false
	}
}

func same(a, b Result) (bool, error) {
	if !isResult(a) {
		return false, fmt.Errorf("filter: %v is not of type Ok, Err or nil", a)
	}
	if !isResult(b) {
		return false, fmt.Errorf("filter: %v is not of type Ok, Err or nil", b)
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false, nil
	}
	ua, ub := unliftR(a), unliftR(b)
	if ua == nil || ub == nil {
		return ua == ub, nil
	}
	return reflect.TypeOf(ua) == reflect.TypeOf(ub), nil
}

func evalExpr(s SearchResult, query map[string]any) (bool, error) {
	for op, value := range query {
		switch op {
		case "and", "or":
			subs, ok := value.([]any)
			if !ok {
				return false, fmt.Errorf("filter: %q expects a list, got %T", op, value)
			}
			matchAll := op == "and"
			any_ := false
			all := true
			for _, sub := range subs {
				if sub == nil {
					return false, fmt.Errorf("filter: %q operand cannot be null", op)
				}
				subMap, ok := sub.(map[string]any)
				if !ok {
					return false, fmt.Errorf("filter: %q operand must be an object", op)
				}
				ok2, err := evalExpr(s, subMap)
				if err != nil {
					return false, err
				}
				if ok2 {
					any_ = true
				} else {
					all = false
				}
			}
			if matchAll && !all {
				return false, nil
			}
			if !matchAll && !any_ {
				return false, nil
			}
		case "not":
			subMap, ok := value.(map[string]any)
			if !ok {
				return false, fmt.Errorf("filter: \"not\" expects an object, got %T", value)
			}
			match, err := evalExpr(s, subMap)
			if err != nil {
				return false, err
			}
			if match {
				return false, nil
			}
		case "started_at", "ended_at":
			var discr *time.Time
			if op == "started_at" {
				discr = s.StartedAt
			} else {
				discr = s.EndedAt
			}
			term := SearchResult{RunID: s.RunID}
			if discr != nil {
				term.Result = &Ok{Value: *discr}
			}
			sub, ok := value.(map[string]any)
			if !ok {
				return false, fmt.Errorf("filter: %q expects an object, got %T", op, value)
			}
			return evalTerm(term, sub)
		default:
			if ok, err := evalTerm(s, query); err != nil || !ok {
				return ok, err
			}
			return true, nil
		}
	}
	return true, nil
}

func evalTerm(s SearchResult, query map[string]any) (bool, error) {
	result := s.Result
	for op, raw := range query {
		var term Result
		if isResult(raw) && raw != nil {
			term = raw.(Result)
		} else if m, ok := raw.(map[string]any); ok && (isOkShape(m) || isErrShape(m)) {
			term = decodeResultShape(m)
		} else {
			term = &Ok{Value: raw}
		}

		switch op {
		case "eq":
			eq, err := same(result, term)
			if err != nil {
				return false, err
			}
			if !eq || !deepEqual(unliftR(result), unliftR(term)) {
				return false, nil
			}
		case "gt", "gte", "lt", "lte":
			ok, err := compareOp(op, result, term)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case "in", "contains":
			u := unliftR(result)
			res := result
			if t, ok := u.(time.Time); ok {
				res = &Ok{Value: t.Format(time.RFC3339Nano)}
			}
			var val, container any
			if op == "contains" {
				val, container = unliftR(term), unliftR(res)
			} else {
				val, container = unliftR(res), unliftR(term)
			}
			if !genericIncludes(val, container) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("filter: unknown terminal operator %q, must be eq, gt, gte, lt, lte, in or contains", op)
		}
	}
	return true, nil
}

// isOkShape/isErrShape let a query encode an explicit Ok/Err term as
// {"ok": value} / {"err": value}, since JSON has no native tagged-union
// syntax for Result.
func isOkShape(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	_, ok := m["ok"]
	return ok
}

func isErrShape(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	_, ok := m["err"]
	return ok
}

func decodeResultShape(m map[string]any) Result {
	if v, ok := m["ok"]; ok {
		return &Ok{Value: v}
	}
	return &Err{Value: m["err"]}
}

func compareOp(op string, result, term Result) (bool, error) {
	eq, err := same(result, term)
	if err != nil {
		return false, err
	}
	if !eq {
		return false, nil
	}
	cmp, ok := compareValues(unliftR(result), unliftR(term))
	if !ok {
		return false, fmt.Errorf("filter: %q is not orderable between %v and %v", op, result, term)
	}
	switch op {
	case "gt":
		return cmp > 0, nil
	case "gte":
		return cmp >= 0, nil
	case "lt":
		return cmp < 0, nil
	case "lte":
		return cmp <= 0, nil
	}
	return false, nil
}

func compareValues(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case av.Before(bv):
			return -1, true
		case av.After(bv):
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func genericIncludes(val, container any) bool {
	switch c := container.(type) {
	case []any:
		for _, item := range c {
			if deepEqual(item, val) {
				return true
			}
		}
		return false
	case map[string]any:
		valMap, ok := val.(map[string]any)
		if ok {
			for k, v := range valMap {
				cv, present := c[k]
				if !present || !deepEqual(v, cv) {
					return false
				}
			}
			return true
		}
		return false
	case string:
		sv, ok := val.(string)
		if !ok {
			return false
		}
		return strings.Contains(c, sv)
	default:
		return false
	}
}
