// Package e2e drives two or three full stacks (operation log, entity store,
// merge resolver, orchestrator) against the shared in-memory fakes in
// internal/providertest, proving the core multi-client scenarios converge
// the way a real multi-client deployment would — not just that each
// component passes in isolation.
package e2e

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/envelope"
	"github.com/tonimelisma/synccore/internal/fileadapter"
	"github.com/tonimelisma/synccore/internal/merge"
	"github.com/tonimelisma/synccore/internal/oplog"
	"github.com/tonimelisma/synccore/internal/ops"
	"github.com/tonimelisma/synccore/internal/opsync"
	"github.com/tonimelisma/synccore/internal/orchestrator"
	"github.com/tonimelisma/synccore/internal/providertest"
)

// testClient bundles one simulated client's stack: its own :memory: oplog
// and entity store (a distinct client identity, exactly like a distinct
// on-disk profile in stack.go's buildStack), wired to whichever shared fake
// back-end the scenario under test uses.
type testClient struct {
	t *testing.T

	ClientID string
	Log      *oplog.Store
	Entities *entitystore.Store
	Clocks   *orchestrator.ClockService
	Factory  *ops.Factory
	Resolver *merge.Resolver
	Orch     *orchestrator.Orchestrator
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// testWriter discards everything; scenario tests assert on converged state,
// not log output, and a silent logger keeps `go test -v` output readable.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// newBaseClient opens a fresh :memory: oplog+entitystore pair and wires the
// clock service, op factory, and cascade-aware resolver common to every
// adapter back-end — mirroring stack.go's buildStack up to the point it
// picks an adapter.
func newBaseClient(t *testing.T) *testClient {
	t.Helper()

	ctx := context.Background()
	logger := testLogger()

	log, err := oplog.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	entities, err := entitystore.Open(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { entities.Close() })

	clientID, err := log.GetClientID(ctx)
	require.NoError(t, err)

	clocks := orchestrator.NewClockService(clientID, log)
	require.NoError(t, clocks.Prime(ctx))

	factory := ops.NewFactory(clientID, clocks)
	resolver := merge.NewResolver(entities, log, factory, merge.TaskReferenceCascade{}, logger)
	orch := orchestrator.New(log, resolver, clocks, nil, logger)

	return &testClient{
		t:        t,
		ClientID: clientID,
		Log:      log,
		Entities: entities,
		Clocks:   clocks,
		Factory:  factory,
		Resolver: resolver,
		Orch:     orch,
	}
}

// newFileClient builds a client whose adapter is a fileadapter.Adapter over
// the shared store at containerPath — the way buildFileAdapter
// wires LocalFile/Dropbox/WebDAV profiles in stack.go.
func newFileClient(t *testing.T, store *providertest.MemoryFileStore, containerPath string) *testClient {
	t.Helper()

	c := newBaseClient(t)
	adapter := fileadapter.New(store, containerPath, c.Clocks, envelope.Options{}, testLogger())
	adapter.SetClientID(c.ClientID)
	c.Orch.SetAdapter(adapter)

	return c
}

type staticTokenSource struct{ token string }

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token}, nil
}

// newOpSyncClient builds a client whose adapter talks to the shared
// providertest.OpSyncServer — the way buildOpSyncAdapter wires
// the OpSync profile in stack.go.
func newOpSyncClient(t *testing.T, server *providertest.OpSyncServer) *testClient {
	t.Helper()

	c := newBaseClient(t)
	httpClient := opsync.NewClient(server.URL(), server.Server.Client(), staticTokenSource{token: "tok"}, testLogger())
	adapter := opsync.New(httpClient, c.ClientID, envelope.Options{})
	c.Orch.SetAdapter(adapter)

	return c
}

// localEdit simulates an embedding application's local write: it builds an
// LWWUpdate op at the client's current clock, applies it to local entity
// state immediately (so the edit is visible before the next sync cycle, the
// way cmd_serve.go's debouncer.Trigger assumes happens upstream), and appends
// it to the log as unsynced, ready for the next upload.
func (c *testClient) localEdit(entityType ops.EntityType, entityID string, state any) ops.Operation {
	c.t.Helper()

	ctx := context.Background()

	op, err := c.Factory.LWWUpdate(entityType, entityID, state)
	require.NoError(c.t, err)

	require.NoError(c.t, c.Resolver.ApplyRemote(ctx, []ops.Operation{op}))
	require.NoError(c.t, c.Log.Append(ctx, op))

	return op
}

// localDelete simulates a local tombstone write, the same way localEdit
// simulates an update.
func (c *testClient) localDelete(entityType ops.EntityType, entityID string) ops.Operation {
	c.t.Helper()

	ctx := context.Background()

	op, err := c.Factory.Delete(entityType, entityID)
	require.NoError(c.t, err)

	require.NoError(c.t, c.Resolver.ApplyRemote(ctx, []ops.Operation{op}))
	require.NoError(c.t, c.Log.Append(ctx, op))

	return op
}

// sync runs one full download+upload cycle, the same call the serve loop's
// SIGHUP handler and ticker both make.
func (c *testClient) sync(ctx context.Context) orchestrator.CycleResult {
	c.t.Helper()

	result, err := c.Orch.TriggerSync(ctx)
	require.NoError(c.t, err)

	return result
}

// entity fetches entityType/entityID's materialized view from this client's
// entity store, failing the test if it's missing.
func (c *testClient) entity(entityType ops.EntityType, entityID string) entitystore.Entity {
	c.t.Helper()

	e, err := c.Entities.Get(context.Background(), entitystore.Key{Type: string(entityType), ID: entityID})
	require.NoError(c.t, err)

	return e
}

// activeCount returns how many non-tombstoned entities of entityType this
// client currently has.
func (c *testClient) activeCount(entityType ops.EntityType) int {
	c.t.Helper()

	list, err := c.Entities.ListActive(context.Background(), string(entityType))
	require.NoError(c.t, err)

	return len(list)
}
