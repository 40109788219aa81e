package merge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/ops"
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

// memStore is a minimal in-memory EntityStore for resolver tests, so these
// tests exercise only the merge algorithm, not SQL. Guarded by a mutex since
// Resolver.ApplyRemote applies distinct entities' ops concurrently.
type memStore struct {
	mu   sync.Mutex
	rows map[entitystore.Key]entitystore.Entity
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[entitystore.Key]entitystore.Entity)}
}

func (m *memStore) Get(_ context.Context, key entitystore.Key) (entitystore.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rows[key]
	if !ok {
		return entitystore.Entity{}, entitystore.ErrNotFound
	}
	return e, nil
}

func (m *memStore) Put(_ context.Context, e entitystore.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows[entitystore.Key{Type: e.Type, ID: e.ID}] = e
	return nil
}

func (m *memStore) ListByType(_ context.Context, entityType string) ([]entitystore.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []entitystore.Entity
	for k, e := range m.rows {
		if k.Type == entityType {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) ListActive(ctx context.Context, entityType string) ([]entitystore.Entity, error) {
	all, _ := m.ListByType(ctx, entityType)
	var out []entitystore.Entity
	for _, e := range all {
		if !e.Tombstone {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = make(map[entitystore.Key]entitystore.Entity)
	return nil
}

// memLog is a minimal in-memory OpAppender.
type memLog struct {
	appended []ops.Operation
}

func (m *memLog) Append(_ context.Context, op ops.Operation) error {
	m.appended = append(m.appended, op)
	return nil
}

type fixedClockSource struct{ vc clock.VectorClock }

func (f fixedClockSource) Current() clock.VectorClock { return f.vc }

func newTestResolver(t *testing.T, cascade CascadeHook) (*Resolver, *memStore, *memLog) {
	t.Helper()

	store := newMemStore()
	log := &memLog{}
	factory := ops.NewFactory("LOCAL", fixedClockSource{vc: clock.VectorClock{"LOCAL": 1}})

	return NewResolver(store, log, factory, cascade, testLogger(t)), store, log
}

func taskPayload(title string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"title": title})
	return b
}

func TestApplyRemoteCreatesNewEntity(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	remote := ops.Operation{
		ID: "op1", ClientID: "B", Timestamp: 100,
		VectorClock: clock.VectorClock{"B": 1},
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpCreate, Payload: taskPayload("buy milk"),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{remote}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"buy milk"}`, string(got.Payload))
	assert.Equal(t, clock.VectorClock{"B": 1}, got.VectorClock)
}

func TestApplyRemoteDropsCausallyStaleOp(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"A": 2, "B": 1}, LastUpdate: 500,
		Payload: taskPayload("current"),
	}))

	stale := ops.Operation{
		ID: "op-stale", ClientID: "A", Timestamp: 100,
		VectorClock: clock.VectorClock{"A": 1},
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpUpdate, Payload: taskPayload("stale"),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{stale}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"current"}`, string(got.Payload), "causally stale op must not overwrite newer local state")
}

func TestApplyRemoteConcurrentTieBreakByTimestamp(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 100, LastWriterClientID: "A",
		Payload: taskPayload("from A"),
	}))

	remote := ops.Operation{
		ID: "op-b", ClientID: "B", Timestamp: 200, // newer timestamp wins
		VectorClock: clock.VectorClock{"B": 1},     // concurrent with {"A":1}
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpUpdate, Payload: taskPayload("from B"),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{remote}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"from B"}`, string(got.Payload))
	assert.Equal(t, clock.VectorClock{"A": 1, "B": 1}, got.VectorClock, "clocks merge even on tiebreak acceptance")
}

func TestApplyRemoteConcurrentTieBreakByClientIDOnEqualTimestamp(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 100, LastWriterClientID: "A",
		Payload: taskPayload("from A"),
	}))

	remote := ops.Operation{
		ID: "op-z", ClientID: "Z", Timestamp: 100, // same timestamp, "Z" > "A" lexicographically
		VectorClock: clock.VectorClock{"Z": 1},
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpUpdate, Payload: taskPayload("from Z"),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{remote}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"from Z"}`, string(got.Payload))
}

func TestApplyRemoteDeleteBeatsConcurrentNonDelete(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 999, LastWriterClientID: "A",
		Payload: taskPayload("from A"),
	}))

	del := ops.Operation{
		ID: "op-del", ClientID: "B", Timestamp: 1, // earlier timestamp, concurrent clock
		VectorClock: clock.VectorClock{"B": 1},
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpDelete, Payload: json.RawMessage(`{}`),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{del}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.True(t, got.Tombstone, "delete beats concurrent non-delete regardless of timestamp")
}

func TestApplyRemoteIdempotentApply(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	op := ops.Operation{
		ID: "op1", ClientID: "B", Timestamp: 100,
		VectorClock: clock.VectorClock{"B": 1},
		EntityType:  ops.EntityTask, EntityID: "t1",
		OpType: ops.OpCreate, Payload: taskPayload("buy milk"),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{op}))
	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{op}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, clock.VectorClock{"B": 1}, got.VectorClock, "re-applying the same op is a no-op")
}

func TestApplyRemoteBatchAppliesEachSubOp(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	sub1 := ops.Operation{
		ID: "s1", ClientID: "B", Timestamp: 1, VectorClock: clock.VectorClock{"B": 1},
		EntityType: ops.EntityTask, EntityID: "t1", OpType: ops.OpCreate, Payload: taskPayload("a"),
	}
	sub2 := ops.Operation{
		ID: "s2", ClientID: "B", Timestamp: 1, VectorClock: clock.VectorClock{"B": 1},
		EntityType: ops.EntityTask, EntityID: "t2", OpType: ops.OpCreate, Payload: taskPayload("b"),
	}
	subsJSON, err := json.Marshal([]ops.Operation{sub1, sub2})
	require.NoError(t, err)

	batch := ops.Operation{
		ID: "batch1", ClientID: "B", Timestamp: 1, VectorClock: clock.VectorClock{"B": 1},
		OpType: ops.OpBatch, Payload: subsJSON,
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{batch}))

	_, err = store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	_, err = store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t2"})
	require.NoError(t, err)
}

// fakeCascade strips a tag reference from any task payload that has one.
type fakeCascade struct{}

func (fakeCascade) Cascade(ctx context.Context, store EntityReader, removedType ops.EntityType, removedID string) ([]CascadeChange, error) {
	if removedType != ops.EntityTag {
		return nil, nil
	}

	tasks, err := store.ListByType(ctx, string(ops.EntityTask))
	if err != nil {
		return nil, err
	}

	var changes []CascadeChange
	for _, task := range tasks {
		var body map[string]any
		if err := json.Unmarshal(task.Payload, &body); err != nil {
			return nil, err
		}

		tags, _ := body["tags"].([]any)
		var kept []any
		changed := false
		for _, tg := range tags {
			if tg == removedID {
				changed = true
				continue
			}
			kept = append(kept, tg)
		}

		if !changed {
			continue
		}

		body["tags"] = kept
		newPayload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}

		changes = append(changes, CascadeChange{
			Key:     entitystore.Key{Type: string(ops.EntityTask), ID: task.ID},
			Payload: newPayload,
		})
	}

	return changes, nil
}

func TestApplyRemoteTagDeleteCascadesToReferencingTasks(t *testing.T) {
	ctx := context.Background()
	r, store, log := newTestResolver(t, fakeCascade{})

	taskBody, err := json.Marshal(map[string]any{"title": "laundry", "tags": []string{"tag1", "tag2"}})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1,
		Payload: taskBody,
	}))
	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTag), ID: "tag1",
		VectorClock: clock.VectorClock{"A": 1}, LastUpdate: 1,
		Payload: json.RawMessage(`{"name":"urgent"}`),
	}))

	del := ops.Operation{
		ID: "op-del-tag", ClientID: "B", Timestamp: 5,
		VectorClock: clock.VectorClock{"B": 1, "A": 1},
		EntityType:  ops.EntityTag, EntityID: "tag1",
		OpType: ops.OpDelete, Payload: json.RawMessage(`{}`),
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{del}))

	tag, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTag), ID: "tag1"})
	require.NoError(t, err)
	assert.True(t, tag.Tombstone)

	task, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(task.Payload, &body))
	tags, _ := body["tags"].([]any)
	assert.ElementsMatch(t, []any{"tag2"}, tags, "cascade must strip the deleted tag but keep unrelated references")

	require.Len(t, log.appended, 1, "cascade must stamp and persist a local op")
	assert.Equal(t, ops.OpLWWUpdate, log.appended[0].OpType)
	assert.Equal(t, "LOCAL", log.appended[0].ClientID)
}

func TestApplySnapshotKeepsConcurrentLocalEdit(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	require.NoError(t, store.Put(ctx, entitystore.Entity{
		Type: string(ops.EntityTask), ID: "t1",
		VectorClock: clock.VectorClock{"LOCAL": 5}, LastUpdate: 1000, LastWriterClientID: "LOCAL",
		Payload: taskPayload("local concurrent edit"),
	}))

	snapshot := FullStateSnapshot{
		Entities: []entitystore.Entity{
			{
				Type: string(ops.EntityTask), ID: "t1",
				VectorClock: clock.VectorClock{"PEER": 3}, LastUpdate: 1, LastWriterClientID: "PEER",
				Payload: taskPayload("peer's old snapshot value"),
			},
		},
	}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)

	importOp := ops.Operation{
		ID: "import1", ClientID: "NEW", Timestamp: 2000,
		VectorClock: clock.VectorClock{"PEER": 3, "LOCAL": 5, "NEW": 1},
		OpType:      ops.OpSyncImport, Payload: payload,
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{importOp}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"local concurrent edit"}`, string(got.Payload),
		"a concurrent but older snapshot row must not erase a newer local edit")
}

func TestApplySnapshotAddsEntityAbsentLocally(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestResolver(t, nil)

	snapshot := FullStateSnapshot{
		Entities: []entitystore.Entity{
			{
				Type: string(ops.EntityTask), ID: "t9",
				VectorClock: clock.VectorClock{"PEER": 1}, LastUpdate: 1,
				Payload: taskPayload("only peer knows this"),
			},
		},
	}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)

	importOp := ops.Operation{
		ID: "import1", ClientID: "NEW", Timestamp: 2000,
		VectorClock: clock.VectorClock{"PEER": 1, "NEW": 1},
		OpType:      ops.OpSyncImport, Payload: payload,
	}

	require.NoError(t, r.ApplyRemote(ctx, []ops.Operation{importOp}))

	got, err := store.Get(ctx, entitystore.Key{Type: string(ops.EntityTask), ID: "t9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"only peer knows this"}`, string(got.Payload))
}
