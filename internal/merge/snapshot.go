package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/ops"
)


// FullStateSnapshot is the payload shape this implementation uses for every
// full-state op (SyncImport, BackupImport, Repair): a flat list of entity
// rows, each carrying its own per-entity vector clock and last-writer
// metadata exactly as entitystore.Entity already models it. Reusing
// entitystore.Entity as the wire shape means a
// snapshot round-trips through the same merge rules as any other op,
// entity by entity, with no separate code path to keep in sync.
type FullStateSnapshot struct {
	Entities []entitystore.Entity `json:"entities"`
}

// applyFullState merges every entity row in a full-state op's payload
// against local state using the same per-entity LWW rule as an ordinary
// op (decide), so an import never erases concurrent peer edits: a row whose
// own clock is dominated by the local entity's clock
// is dropped (the local, causally-later edit survives), except a tombstone
// row over a live entity, which decide keeps sticky; a row that is
// CONCURRENT with local state is resolved by the normal tiebreak rather
// than unconditionally overwritten. Entities absent from the snapshot are
// left untouched, so anything produced locally since the exporter's
// snapshot was taken is never erased.
func (r *Resolver) applyFullState(ctx context.Context, op ops.Operation) error {
	payload, err := op.UnwrapFullState()
	if err != nil {
		return fmt.Errorf("unwrapping full-state payload: %w", err)
	}

	var snapshot FullStateSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("unmarshaling full-state snapshot: %w", err)
	}

	for _, row := range snapshot.Entities {
		if err := r.applySnapshotRow(ctx, row); err != nil {
			return fmt.Errorf("applying snapshot row %s/%s: %w", row.Type, row.ID, err)
		}
	}

	return nil
}

func (r *Resolver) applySnapshotRow(ctx context.Context, row entitystore.Entity) error {
	key := entitystore.Key{Type: row.Type, ID: row.ID}

	existing, err := r.store.Get(ctx, key)
	if err == entitystore.ErrNotFound {
		return r.store.Put(ctx, row)
	}
	if err != nil {
		return fmt.Errorf("reading current state: %w", err)
	}

	cmp := clock.Compare(row.VectorClock, existing.VectorClock)

	if !decide(cmp, row.Tombstone, row.LastUpdate, row.LastWriterClientID, existing) {
		return nil
	}

	row.VectorClock = clock.Merge(row.VectorClock, existing.VectorClock)

	return r.store.Put(ctx, row)
}
