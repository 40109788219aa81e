package entitystore

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/clock"
)

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

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), Key{Type: "TASK", ID: "t1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	payload, err := json.Marshal(map[string]string{"title": "buy milk"})
	require.NoError(t, err)

	e := Entity{
		Type:        "TASK",
		ID:          "t1",
		VectorClock: clock.VectorClock{"A": 3},
		LastUpdate:  1000,
		Payload:     payload,
	}
	require.NoError(t, store.Put(ctx, e))

	got, err := store.Get(ctx, Key{Type: "TASK", ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{"A": 3}, got.VectorClock)
	assert.Equal(t, int64(1000), got.LastUpdate)
	assert.False(t, got.Tombstone)
	assert.JSONEq(t, `{"title":"buy milk"}`, string(got.Payload))
}

func TestPutOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e1 := Entity{Type: "TASK", ID: "t1", VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 100, Payload: json.RawMessage(`{}`)}
	require.NoError(t, store.Put(ctx, e1))

	e2 := Entity{Type: "TASK", ID: "t1", VectorClock: clock.VectorClock{"A": 2}, LastUpdate: 200, Payload: json.RawMessage(`{"title":"v2"}`)}
	require.NoError(t, store.Put(ctx, e2))

	got, err := store.Get(ctx, Key{Type: "TASK", ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{"A": 2}, got.VectorClock)
	assert.JSONEq(t, `{"title":"v2"}`, string(got.Payload))
}

func TestListActiveExcludesTombstones(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	live := Entity{Type: "TAG", ID: "tag1", VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1, Payload: json.RawMessage(`{}`)}
	dead := Entity{Type: "TAG", ID: "tag2", VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1, Payload: json.RawMessage(`{}`), Tombstone: true}

	require.NoError(t, store.Put(ctx, live))
	require.NoError(t, store.Put(ctx, dead))

	active, err := store.ListActive(ctx, "TAG")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tag1", active[0].ID)

	all, err := store.ListByType(ctx, "TAG")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteAllClearsEveryEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, Entity{Type: "TASK", ID: "t1", VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1, Payload: json.RawMessage(`{}`)}))
	require.NoError(t, store.Put(ctx, Entity{Type: "PROJECT", ID: "p1", VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1, Payload: json.RawMessage(`{}`)}))

	require.NoError(t, store.DeleteAll(ctx))

	_, err := store.Get(ctx, Key{Type: "TASK", ID: "t1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, Key{Type: "PROJECT", ID: "p1"})
	assert.ErrorIs(t, err, ErrNotFound)
}
