package ops_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/ops"
)

func TestIsFullState(t *testing.T) {
	t.Parallel()

	full := []ops.OpType{ops.OpSyncImport, ops.OpBackupImport, ops.OpRepair}
	for _, ot := range full {
		assert.True(t, ot.IsFullState(), "%s should be full-state", ot)
	}

	partial := []ops.OpType{ops.OpCreate, ops.OpUpdate, ops.OpDelete, ops.OpMove, ops.OpBatch, ops.OpLWWUpdate}
	for _, ot := range partial {
		assert.False(t, ot.IsFullState(), "%s should not be full-state", ot)
	}
}

func TestNewIDTimeSortable(t *testing.T) {
	t.Parallel()

	a := ops.NewID()
	b := ops.NewID()

	require.NotEqual(t, a, b)
	// UUIDv7 string form sorts lexicographically with creation order.
	assert.Less(t, a, b)
}

func TestUnwrapFullStateAcceptsBothForms(t *testing.T) {
	t.Parallel()

	bare := ops.Operation{Payload: json.RawMessage(`{"tasks":[]}`)}
	got, err := bare.UnwrapFullState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tasks":[]}`, string(got))

	wrapped := ops.Operation{Payload: json.RawMessage(`{"appDataComplete":{"tasks":[]}}`)}
	got, err = wrapped.UnwrapFullState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"tasks":[]}`, string(got))
}

func TestActionLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[TASK] LWW Update", ops.ActionLabel(ops.EntityTask, ops.OpLWWUpdate))
	assert.Equal(t, "[PROJECT] Delete", ops.ActionLabel(ops.EntityProject, ops.OpDelete))
}
