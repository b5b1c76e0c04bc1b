package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"skeenode/engine"
)

func TestWorkflowIDFromRunID_RecoversPrefixDespiteUUIDDashes(t *testing.T) {
	runID := engine.NewRunID("greeting")
	workflowID, err := engine.WorkflowIDFromRunID(runID)
	require.NoError(t, err)
	require.Equal(t, "greeting", workflowID)
}

func TestWorkflowIDFromRunID_RejectsTooShort(t *testing.T) {
	_, err := engine.WorkflowIDFromRunID("not-a-run-id")
	require.Error(t, err)
}

func TestRegistry_ResolveByRunID(t *testing.T) {
	r := engine.NewRegistry()
	r.Register(engine.Workflow{
		ID: "greeting",
		Fn: func(ctx context.Context, rc *engine.Context, kwargs json.RawMessage) (any, error) {
			return nil, nil
		},
	})

	runID := engine.NewRunID("greeting")
	w, err := r.Resolve(runID)
	require.NoError(t, err)
	require.Equal(t, "greeting", w.ID)
}
