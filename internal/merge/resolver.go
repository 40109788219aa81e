// Package merge implements the LWW conflict resolver: applying a batch of
// remote operations against local entity state, with CONCURRENT-clock
// tiebreaks and cross-entity cascade deletes.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/ops"
)

// maxApplyConcurrency bounds the worker pool that applies a remote batch's
// distinct (entityType, entityId) groups concurrently — per-entity LWW is
// order-independent across entities. Capped at
// NumCPU so a large batch never oversubscribes the entity store's
// connection pool.
var maxApplyConcurrency = runtime.NumCPU()

// EntityStore is the subset of entitystore.Store the resolver needs.
// *entitystore.Store satisfies this directly.
type EntityStore interface {
	Get(ctx context.Context, key entitystore.Key) (entitystore.Entity, error)
	Put(ctx context.Context, e entitystore.Entity) error
	ListByType(ctx context.Context, entityType string) ([]entitystore.Entity, error)
	ListActive(ctx context.Context, entityType string) ([]entitystore.Entity, error)
	DeleteAll(ctx context.Context) error
}

// OpAppender is the subset of oplog.Store the resolver needs to persist the
// extra local ops a cascade produces. *oplog.Store satisfies this directly.
type OpAppender interface {
	Append(ctx context.Context, op ops.Operation) error
}

// cascadeEntityTypes are the entity types whose deletion can reference other
// entities and therefore trigger a cascade.
var cascadeEntityTypes = map[ops.EntityType]bool{
	ops.EntityTag:     true,
	ops.EntityProject: true,
}

// Resolver applies remote operations against local entity state.
type Resolver struct {
	store   EntityStore
	log     OpAppender
	factory *ops.Factory
	cascade CascadeHook
	logger  *slog.Logger
}

// NewResolver builds a Resolver. cascade may be NoopCascadeHook{} when the
// caller manages references outside this core.
func NewResolver(store EntityStore, log OpAppender, factory *ops.Factory, cascade CascadeHook, logger *slog.Logger) *Resolver {
	if cascade == nil {
		cascade = NoopCascadeHook{}
	}

	return &Resolver{store: store, log: log, factory: factory, cascade: cascade, logger: logger}
}

// ApplyRemote applies every op in batch (full-state ops first, in batch
// order, then the remaining ops grouped by entity, see
// applyEntityOpsConcurrently), then runs cross-entity
// cascades once for every TAG/PROJECT deletion accepted during the batch.
// The caller is responsible for filtering already-applied ids (oplog's
// appliedRemote set) before calling this, and for recording every id in
// batch as appliedRemote afterward, even ops this method dropped as stale.
func (r *Resolver) ApplyRemote(ctx context.Context, batch []ops.Operation) error {
	// Full-state ops replace the entire local view; they must not race with
	// concurrent per-entity applies, so they run first, strictly in order.
	var entityOps []ops.Operation

	for _, op := range batch {
		switch {
		case op.IsFullState():
			if err := r.applyFullState(ctx, op); err != nil {
				return fmt.Errorf("merge: applying full-state op %s: %w", op.ID, err)
			}
		case op.OpType == ops.OpBatch:
			var subs []ops.Operation
			if err := json.Unmarshal(op.Payload, &subs); err != nil {
				return fmt.Errorf("merge: unmarshaling batch op %s: %w", op.ID, err)
			}

			entityOps = append(entityOps, subs...)
		default:
			entityOps = append(entityOps, op)
		}
	}

	deletedRefs, err := r.applyEntityOpsConcurrently(ctx, entityOps)
	if err != nil {
		return err
	}

	for _, deleted := range deletedRefs {
		if err := r.runCascade(ctx, deleted.EntityType, deleted.EntityID); err != nil {
			return fmt.Errorf("merge: cascading delete of %s/%s: %w", deleted.EntityType, deleted.EntityID, err)
		}
	}

	return nil
}

// applyEntityOpsConcurrently groups entityOps by (entityType, entityId) and
// applies each group's ops, in arrival order, on its own goroutine — groups
// are independent entities so running them concurrently is safe; ops within
// a group are kept sequential since they may be causally related updates to
// the same entity. Concurrency is bounded by maxApplyConcurrency via
// errgroup.Group.SetLimit.
func (r *Resolver) applyEntityOpsConcurrently(ctx context.Context, entityOps []ops.Operation) ([]ops.Operation, error) {
	groups := make(map[entitystore.Key][]ops.Operation, len(entityOps))
	order := make([]entitystore.Key, 0, len(entityOps))

	for _, op := range entityOps {
		key := entitystore.Key{Type: string(op.EntityType), ID: op.EntityID}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}

		groups[key] = append(groups[key], op)
	}

	var (
		mu          sync.Mutex
		deletedRefs []ops.Operation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxApplyConcurrency)

	for _, key := range order {
		groupOps := groups[key]

		g.Go(func() error {
			for _, op := range groupOps {
				accepted, err := r.applyEntityOp(gctx, op)
				if err != nil {
					return fmt.Errorf("merge: applying op %s: %w", op.ID, err)
				}

				if accepted && op.OpType == ops.OpDelete && cascadeEntityTypes[op.EntityType] {
					mu.Lock()
					deletedRefs = append(deletedRefs, op)
					mu.Unlock()
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return deletedRefs, nil
}

// ExportFullState gathers every known entity, across the closed entity-type
// set, into the same FullStateSnapshot shape a SyncImport op carries. Used
// by conflict resolution's Keep-Local path to stamp the entire local state
// as a single full-state op for the next upload to push.
func (r *Resolver) ExportFullState(ctx context.Context) (json.RawMessage, error) {
	var snapshot FullStateSnapshot

	for _, entityType := range ops.AllEntityTypes {
		rows, err := r.store.ListByType(ctx, string(entityType))
		if err != nil {
			return nil, fmt.Errorf("merge: listing %s for export: %w", entityType, err)
		}

		snapshot.Entities = append(snapshot.Entities, rows...)
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("merge: marshaling full-state export: %w", err)
	}

	return raw, nil
}

// ClearLocalState wipes every locally materialized entity, the Keep-Remote
// conflict-resolution path's local-reset half.
func (r *Resolver) ClearLocalState(ctx context.Context) error {
	if err := r.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("merge: clearing local entity state: %w", err)
	}

	return nil
}

// applyEntityOp applies a single non-batch, non-full-state op and reports
// whether it was accepted (as opposed to dropped as causally stale).
func (r *Resolver) applyEntityOp(ctx context.Context, op ops.Operation) (bool, error) {
	key := entitystore.Key{Type: string(op.EntityType), ID: op.EntityID}

	existing, err := r.store.Get(ctx, key)
	switch {
	case err == entitystore.ErrNotFound:
		return true, r.createFromOp(ctx, key, op)
	case err != nil:
		return false, fmt.Errorf("reading current state of %s/%s: %w", op.EntityType, op.EntityID, err)
	}

	cmp := clock.Compare(op.VectorClock, existing.VectorClock)

	accept := decide(cmp, op.OpType == ops.OpDelete, op.Timestamp, op.ClientID, existing)
	if !accept {
		return false, nil
	}

	merged := clock.Merge(op.VectorClock, existing.VectorClock)
	newEntity := entitystore.Entity{
		Type:               string(op.EntityType),
		ID:                 op.EntityID,
		VectorClock:        merged,
		LastUpdate:         op.Timestamp,
		LastWriterClientID: op.ClientID,
		Payload:            op.Payload,
		Tombstone:          op.OpType == ops.OpDelete,
	}

	if op.OpType == ops.OpDelete {
		// Keep the last known payload around for forensic/undelete purposes;
		// only the tombstone flag matters for future comparisons.
		newEntity.Payload = existing.Payload
	}

	if err := r.store.Put(ctx, newEntity); err != nil {
		return false, fmt.Errorf("writing %s/%s: %w", op.EntityType, op.EntityID, err)
	}

	return true, nil
}

// createFromOp writes the first known state of an entity. A Delete of an
// entity no one has seen yet still creates a tombstone: a later-processed,
// causally-concurrent Create must compare against something, and per-entity
// LWW is required to be order-independent within a batch.
func (r *Resolver) createFromOp(ctx context.Context, key entitystore.Key, op ops.Operation) error {
	e := entitystore.Entity{
		Type:               key.Type,
		ID:                 key.ID,
		VectorClock:        op.VectorClock.Clone(),
		LastUpdate:         op.Timestamp,
		LastWriterClientID: op.ClientID,
		Payload:            op.Payload,
		Tombstone:          op.OpType == ops.OpDelete,
	}

	if op.OpType == ops.OpDelete {
		e.Payload = json.RawMessage(`{}`)
	}

	if err := r.store.Put(ctx, e); err != nil {
		return fmt.Errorf("creating %s/%s: %w", key.Type, key.ID, err)
	}

	return nil
}

// decide determines whether incoming state wins
// over the entity's existing recorded state. Shared between remote-op
// application and full-state snapshot merging (snapshot.go), which both
// reduce to "does this new (clock, timestamp, clientId, isDelete) tuple win
// against what's already recorded."
func decide(cmp clock.Relation, incomingIsDelete bool, incomingTime int64, incomingClientID string, existing entitystore.Entity) bool {
	switch cmp {
	case clock.GreaterThan:
		return true
	case clock.LessThan, clock.Equal:
		// Step 7: a Delete beats any non-delete state even at the same or an
		// earlier clock — a tombstone must be sticky rather than vulnerable to
		// being resurrected by a stale comparison.
		return incomingIsDelete && !existing.Tombstone
	case clock.Concurrent:
		if incomingIsDelete && !existing.Tombstone {
			return true
		}
		if existing.Tombstone && !incomingIsDelete {
			return false
		}

		return isNewer(incomingTime, incomingClientID, existing.LastUpdate, existing.LastWriterClientID)
	default:
		return false
	}
}

// isNewer breaks a CONCURRENT tie: larger timestamp wins, then larger
// clientId lexicographically.
func isNewer(aTime int64, aClient string, bTime int64, bClient string) bool {
	if aTime != bTime {
		return aTime > bTime
	}

	return clock.CompareLexClientID(aClient, bClient)
}

// runCascade asks the cascade hook for the entities that referenced
// (removedType, removedID), stamps a fresh LWWUpdate op per change, appends
// it to the log, and applies it directly to local state — cascades are
// locally produced ops, not remote ones being merged.
func (r *Resolver) runCascade(ctx context.Context, removedType ops.EntityType, removedID string) error {
	changes, err := r.cascade.Cascade(ctx, r.store, removedType, removedID)
	if err != nil {
		return fmt.Errorf("computing cascade: %w", err)
	}

	for _, change := range changes {
		entityType := ops.EntityType(change.Key.Type)

		op, err := r.factory.LWWUpdate(entityType, change.Key.ID, json.RawMessage(change.Payload))
		if err != nil {
			return fmt.Errorf("stamping cascade op for %s/%s: %w", change.Key.Type, change.Key.ID, err)
		}

		if err := r.log.Append(ctx, op); err != nil {
			return fmt.Errorf("appending cascade op for %s/%s: %w", change.Key.Type, change.Key.ID, err)
		}

		existing, err := r.store.Get(ctx, change.Key)
		if err != nil && err != entitystore.ErrNotFound {
			return fmt.Errorf("reading cascade target %s/%s: %w", change.Key.Type, change.Key.ID, err)
		}

		newEntity := entitystore.Entity{
			Type:               change.Key.Type,
			ID:                 change.Key.ID,
			VectorClock:        op.VectorClock,
			LastUpdate:         op.Timestamp,
			LastWriterClientID: op.ClientID,
			Payload:            change.Payload,
			Tombstone:          existing.Tombstone,
		}

		if err := r.store.Put(ctx, newEntity); err != nil {
			return fmt.Errorf("writing cascade target %s/%s: %w", change.Key.Type, change.Key.ID, err)
		}

		r.logger.Debug("applied cascade",
			slog.String("removedType", string(removedType)),
			slog.String("removedId", removedID),
			slog.String("targetType", change.Key.Type),
			slog.String("targetId", change.Key.ID),
		)
	}

	return nil
}
