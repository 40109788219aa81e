package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/ops"
)

func makeLogOp(id string, ts int64, entityID string, payload string) ops.Operation {
	return ops.Operation{
		ID:         id,
		ClientID:   "client-a",
		Timestamp:  ts,
		EntityType: ops.EntityTask,
		EntityID:   entityID,
		OpType:     ops.OpLWWUpdate,
		ActionType: ops.ActionLabel(ops.EntityTask, ops.OpLWWUpdate),
		Payload:    json.RawMessage(payload),
	}
}

func TestBuildLogRowsOrdersPendingNewestFirst(t *testing.T) {
	t.Parallel()

	unsynced := []ops.Operation{
		makeLogOp("u1", 100, "t1", `{"title":"a"}`),
		makeLogOp("u2", 200, "t2", `{"title":"b"}`),
	}
	synced := []ops.Operation{
		makeLogOp("s1", 50, "t3", `{"title":"c"}`),
	}

	rows := buildLogRows(unsynced, synced)
	require.Len(t, rows, 3)

	// Pending ops come first, newest first, then the synced tail.
	assert.Equal(t, "u2", rows[0].ID)
	assert.False(t, rows[0].Synced)
	assert.Equal(t, "u1", rows[1].ID)
	assert.Equal(t, "s1", rows[2].ID)
	assert.True(t, rows[2].Synced)
}

func TestBuildLogRowsCarriesPayloadSize(t *testing.T) {
	t.Parallel()

	rows := buildLogRows(nil, []ops.Operation{makeLogOp("s1", 1, "t1", `{"x":1}`)})
	require.Len(t, rows, 1)
	assert.Equal(t, int64(len(`{"x":1}`)), rows[0].Size)
	assert.Equal(t, "[TASK] LWW Update", rows[0].ActionType)
}

func TestBuildLogRowsEmpty(t *testing.T) {
	t.Parallel()

	assert.Empty(t, buildLogRows(nil, nil))
}
