package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/synccore/internal/ops"
	"github.com/tonimelisma/synccore/internal/providertest"
)

// TestFreshClientDedupesSnapshotOps: A has synced 3 tasks
// through the op-sync server. Fresh client B syncs once (receiving the
// bootstrap snapshot plus any ops after it), syncs again with nothing new on
// the wire, then uploads a task of its own. A must end with exactly 4 tasks
// and no duplicates, and B's second, no-op sync must not re-apply anything.
func TestFreshClientDedupesSnapshotOps(t *testing.T) {
	ctx := context.Background()
	server := providertest.NewOpSyncServer()
	t.Cleanup(server.Close)

	a := newOpSyncClient(t, server)

	for i := 0; i < 3; i++ {
		id := "seed-" + string(rune('0'+i))
		a.localEdit(ops.EntityTask, id, taskState{Title: id})

		result := a.sync(ctx)
		require.Empty(t, result.RejectedOps)
	}

	b := newOpSyncClient(t, server)

	first := b.sync(ctx)
	assert.Equal(t, 3, first.AppliedRemote, "B's first sync should apply all 3 seeded ops")
	assert.Equal(t, 3, b.activeCount(ops.EntityTask))

	second := b.sync(ctx)
	assert.Equal(t, 0, second.AppliedRemote, "B's second sync has nothing new to apply")
	assert.Equal(t, 3, b.activeCount(ops.EntityTask), "no duplicates from re-applying the snapshot")

	b.localEdit(ops.EntityTask, "from-b", taskState{Title: "from-b"})
	result := b.sync(ctx)
	require.Empty(t, result.RejectedOps)

	a.sync(ctx)

	assert.Equal(t, 4, a.activeCount(ops.EntityTask))
	assert.Equal(t, 4, b.activeCount(ops.EntityTask))
}

// TestTwoClientLWWConvergesOverOpSync mirrors the file-based two-client
// scenario over the sequence-numbered server protocol: the same merge rules
// must produce the same converged state regardless of transport.
func TestTwoClientLWWConvergesOverOpSync(t *testing.T) {
	ctx := context.Background()
	server := providertest.NewOpSyncServer()
	t.Cleanup(server.Close)

	a := newOpSyncClient(t, server)
	b := newOpSyncClient(t, server)

	a.localEdit(ops.EntityTask, "t1", taskState{Title: "x"})
	a.sync(ctx)

	b.sync(ctx)
	assert.Equal(t, "x", taskTitle(t, b.entity(ops.EntityTask, "t1").Payload))

	b.localEdit(ops.EntityTask, "t1", taskState{Title: "y"})
	b.sync(ctx)

	a.sync(ctx)

	assert.Equal(t, "y", taskTitle(t, a.entity(ops.EntityTask, "t1").Payload))
	assert.Equal(t, "y", taskTitle(t, b.entity(ops.EntityTask, "t1").Payload))
}
