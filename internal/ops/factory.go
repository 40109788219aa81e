package ops

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/synccore/internal/clock"
)

// ClockSource supplies the current causal clock for the local client, the
// way internal/orchestrator's vclock service does.
type ClockSource interface {
	Current() clock.VectorClock
}

// Factory builds well-formed operations stamped with the local client's
// identity and current vector clock.
type Factory struct {
	clientID string
	clocks   ClockSource
}

// NewFactory creates a Factory for clientID, pulling clocks from the given
// ClockSource on every call.
func NewFactory(clientID string, clocks ClockSource) *Factory {
	return &Factory{clientID: clientID, clocks: clocks}
}

// skeleton builds the fields common to every op type.
func (f *Factory) skeleton(entityType EntityType, entityID string, opType OpType, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("ops: marshaling payload for %s: %w", entityType, err)
	}

	return Operation{
		ID:            NewID(),
		ClientID:      f.clientID,
		Timestamp:     NowMillis(),
		VectorClock:   f.clocks.Current(),
		SchemaVersion: CurrentSchemaVersion,
		EntityType:    entityType,
		EntityID:      entityID,
		OpType:        opType,
		ActionType:    ActionLabel(entityType, opType),
		Payload:       raw,
	}, nil
}

// Create builds a Create operation wrapping the post-change entity state.
func (f *Factory) Create(entityType EntityType, entityID string, state any) (Operation, error) {
	return f.skeleton(entityType, entityID, OpCreate, state)
}

// LWWUpdate builds an LWWUpdate operation — the factory's primary product:
// every update fetches the current clock, stamps a fresh time-sortable id,
// and wraps the post-change entity state as payload.
func (f *Factory) LWWUpdate(entityType EntityType, entityID string, state any) (Operation, error) {
	return f.skeleton(entityType, entityID, OpLWWUpdate, state)
}

// Delete builds a Delete operation. Its payload is an empty JSON object;
// tombstones carry no entity state beyond the entityId.
func (f *Factory) Delete(entityType EntityType, entityID string) (Operation, error) {
	return f.skeleton(entityType, entityID, OpDelete, struct{}{})
}

// Move builds a Move operation wrapping the new positional/parent state.
func (f *Factory) Move(entityType EntityType, entityID string, newState any) (Operation, error) {
	return f.skeleton(entityType, entityID, OpMove, newState)
}

// SyncImport builds a full-state import operation. The caller must supply a
// vectorClock that already merges every peer component observed at join
// time — a clean-slate client must never
// fabricate a vector clock that discards concurrent peer edits.
func (f *Factory) SyncImport(fullState any, vectorClock clock.VectorClock) (Operation, error) {
	raw, err := json.Marshal(fullState)
	if err != nil {
		return Operation{}, fmt.Errorf("ops: marshaling full-state payload: %w", err)
	}

	return Operation{
		ID:            NewID(),
		ClientID:      f.clientID,
		Timestamp:     NowMillis(),
		VectorClock:   vectorClock,
		SchemaVersion: CurrentSchemaVersion,
		OpType:        OpSyncImport,
		ActionType:    ActionLabel("", OpSyncImport),
		Payload:       raw,
	}, nil
}

// Repair builds a full-state Repair operation, used by maintenance tooling.
// The resolver merges it entity by entity under the same LWW rule as
// SyncImport, so it does not overwrite causally later local edits.
func (f *Factory) Repair(fullState any) (Operation, error) {
	raw, err := json.Marshal(fullState)
	if err != nil {
		return Operation{}, fmt.Errorf("ops: marshaling repair payload: %w", err)
	}

	return Operation{
		ID:            NewID(),
		ClientID:      f.clientID,
		Timestamp:     NowMillis(),
		VectorClock:   f.clocks.Current(),
		SchemaVersion: CurrentSchemaVersion,
		OpType:        OpRepair,
		ActionType:    ActionLabel("", OpRepair),
		Payload:       raw,
	}, nil
}
