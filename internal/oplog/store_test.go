package oplog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/ops"
)

// testWriter adapts testing.T to io.Writer for slog output.
type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), ":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func makeOp(t *testing.T, clientID, entityID string, vc clock.VectorClock) ops.Operation {
	t.Helper()

	f := ops.NewFactory(clientID, fixedSource{vc})
	op, err := f.LWWUpdate(ops.EntityTask, entityID, map[string]string{"title": entityID})
	require.NoError(t, err)

	return op
}

type fixedSource struct{ vc clock.VectorClock }

func (f fixedSource) Current() clock.VectorClock { return f.vc }

func TestOpen(t *testing.T) {
	store := newTestStore(t)
	assert.NotNil(t, store.db)
}

func TestAppendAndGetUnsynced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op1 := makeOp(t, "A", "t1", clock.VectorClock{"A": 1})
	op2 := makeOp(t, "A", "t2", clock.VectorClock{"A": 2})

	require.NoError(t, store.Append(ctx, op1))
	require.NoError(t, store.Append(ctx, op2))

	unsynced, err := store.GetUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, op1.ID, unsynced[0].ID, "insertion order preserved")
	assert.Equal(t, op2.ID, unsynced[1].ID)
	assert.Equal(t, clock.VectorClock{"A": 1}, unsynced[0].VectorClock)
}

func TestAppendDuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op := makeOp(t, "A", "t1", clock.VectorClock{"A": 1})
	require.NoError(t, store.Append(ctx, op))

	err := store.Append(ctx, op)
	assert.ErrorIs(t, err, ErrDuplicateID)

	unsynced, err := store.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, unsynced, 1, "duplicate append must not create a second row")
}

func TestMarkSyncedAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op1 := makeOp(t, "A", "t1", clock.VectorClock{"A": 1})
	op2 := makeOp(t, "A", "t2", clock.VectorClock{"A": 2})
	require.NoError(t, store.Append(ctx, op1))
	require.NoError(t, store.Append(ctx, op2))

	require.NoError(t, store.MarkSynced(ctx, []string{op1.ID, op2.ID}))

	unsynced, err := store.GetUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	recent, err := store.GetRecentSynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, op2.ID, recent[0].ID, "newest first")
}

func TestHasAppliedAndRecordApplied(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	remoteOp := makeOp(t, "B", "t9", clock.VectorClock{"B": 1})

	applied, err := store.HasApplied(ctx, remoteOp.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, store.RecordApplied(ctx, []ops.Operation{remoteOp}))

	applied, err = store.HasApplied(ctx, remoteOp.ID)
	require.NoError(t, err)
	assert.True(t, applied)

	// Re-recording the same id (e.g. a retried download) must not duplicate the row.
	require.NoError(t, store.RecordApplied(ctx, []ops.Operation{remoteOp}))

	recent, err := store.GetRecentSynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestRecordAppliedOnLocallyOwnedOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op := makeOp(t, "A", "t1", clock.VectorClock{"A": 1})
	require.NoError(t, store.Append(ctx, op))

	// The op comes back piggybacked on a later upload response; it must be
	// flagged appliedRemote without being re-inserted or losing its
	// unsynced state.
	require.NoError(t, store.RecordApplied(ctx, []ops.Operation{op}))

	applied, err := store.HasApplied(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.GetCursor(ctx, "fileAdapter")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetCursor(ctx, "fileAdapter", "v:7"))

	value, ok, err := store.GetCursor(ctx, "fileAdapter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v:7", value)

	require.NoError(t, store.SetCursor(ctx, "fileAdapter", "v:8"))
	value, _, err = store.GetCursor(ctx, "fileAdapter")
	require.NoError(t, err)
	assert.Equal(t, "v:8", value)
}

func TestClientIDGeneratedOnceAndPersisted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id1, err := store.GetClientID(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := store.GetClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "client id must not regenerate on subsequent reads")
}

func TestSetClientIDOverridesForCleanSlate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetClientID(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SetClientID(ctx, "explicit-new-id"))

	id, err := store.GetClientID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "explicit-new-id", id)
}

func TestCompactKeepsRecentSyncedRegardlessOfAge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	op := makeOp(t, "A", "t1", clock.VectorClock{"A": 1})
	require.NoError(t, store.Append(ctx, op))
	require.NoError(t, store.MarkSynced(ctx, []string{op.ID}))
	require.NoError(t, store.RecordApplied(ctx, []ops.Operation{op}))

	// retentionMs of 0 means "everything synced is eligible", but keeping
	// the most recent 10 synced ops must still protect this single row.
	n, err := store.Compact(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	recent, err := store.GetRecentSynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestCompactDropsOldSyncedBeyondKeepWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		op := makeOp(t, "A", "t", clock.VectorClock{"A": int64(i + 1)})
		require.NoError(t, store.Append(ctx, op))
		ids = append(ids, op.ID)
	}
	require.NoError(t, store.MarkSynced(ctx, ids))
	remoteEcho := make([]ops.Operation, 0, len(ids))
	unsynced, err := store.GetRecentSynced(ctx, 5)
	require.NoError(t, err)
	remoteEcho = append(remoteEcho, unsynced...)
	require.NoError(t, store.RecordApplied(ctx, remoteEcho))

	n, err := store.Compact(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	recent, err := store.GetRecentSynced(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
