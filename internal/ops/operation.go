// Package ops defines the operation model: the atomic, immutable record of a
// user edit that flows through the log, the adapters, and the merge
// resolver.
package ops

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/synccore/internal/clock"
)

// EntityType is a variant tag from the closed set of domain entities this
// core knows how to merge. The shape of each entity's payload is owned by
// external domain reducers; the core only needs the envelope fields below.
type EntityType string

const (
	EntityTask          EntityType = "TASK"
	EntityProject       EntityType = "PROJECT"
	EntityTag           EntityType = "TAG"
	EntityNote          EntityType = "NOTE"
	EntitySimpleCounter EntityType = "SIMPLE_COUNTER"
	EntityMetric        EntityType = "METRIC"
	EntityRepeatCfg     EntityType = "REPEAT_CFG"
	EntityIssueProvider EntityType = "ISSUE_PROVIDER"
	EntityReminder      EntityType = "REMINDER"
)

// AllEntityTypes enumerates the closed entity-type set, for callers that
// must export or enumerate every entity regardless of kind (e.g. building a
// full-state snapshot for clean-slate or conflict resolution).
var AllEntityTypes = []EntityType{
	EntityTask, EntityProject, EntityTag, EntityNote, EntitySimpleCounter,
	EntityMetric, EntityRepeatCfg, EntityIssueProvider, EntityReminder,
}

// OpType is the kind of change an Operation represents.
type OpType string

const (
	OpCreate       OpType = "Create"
	OpUpdate       OpType = "Update"
	OpDelete       OpType = "Delete"
	OpMove         OpType = "Move"
	OpBatch        OpType = "Batch"
	OpLWWUpdate    OpType = "LWWUpdate"
	OpSyncImport   OpType = "SyncImport"
	OpBackupImport OpType = "BackupImport"
	OpRepair       OpType = "Repair"
)

// IsFullState reports whether opType carries the entire application state in
// its payload rather than a single-entity delta.
func (t OpType) IsFullState() bool {
	switch t {
	case OpSyncImport, OpBackupImport, OpRepair:
		return true
	default:
		return false
	}
}

// CurrentSchemaVersion is stamped on every operation created by this build.
const CurrentSchemaVersion = 1

// Operation is the atomic unit of change. Once appended to the
// log, id and every field below except the synced/applied bookkeeping (owned
// by the log store, not this struct) must never change.
type Operation struct {
	ID            string             `json:"id"`
	ClientID      string             `json:"clientId"`
	Timestamp     int64              `json:"timestamp"` // ms since epoch, LWW tiebreak only
	VectorClock   clock.VectorClock  `json:"vectorClock"`
	SchemaVersion int                `json:"schemaVersion"`
	EntityType    EntityType         `json:"entityType"`
	EntityID      string             `json:"entityId,omitempty"`
	OpType        OpType             `json:"opType"`
	ActionType    string             `json:"actionType"`
	Payload       json.RawMessage    `json:"payload"`
}

// IsFullState reports whether this operation replaces the entire application
// state.
func (o *Operation) IsFullState() bool {
	return o.OpType.IsFullState()
}

// fullStatePayloadWrapper is the optional wrapping some producers put
// around a full-state payload; consumers accept both this and an unwrapped
// payload.
type fullStatePayloadWrapper struct {
	AppDataComplete json.RawMessage `json:"appDataComplete"`
}

// UnwrapFullState returns the effective full-state payload, accepting both the
// bare-payload and {"appDataComplete": ...}-wrapped forms.
func (o *Operation) UnwrapFullState() (json.RawMessage, error) {
	var wrapper fullStatePayloadWrapper
	if err := json.Unmarshal(o.Payload, &wrapper); err == nil && wrapper.AppDataComplete != nil {
		return wrapper.AppDataComplete, nil
	}

	return o.Payload, nil
}

// NewID returns a globally unique, time-ordered identifier for a new
// operation. A UUIDv7 is time-sortable by construction, so natural string
// ordering approximates wall-clock order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the system clock/random source is broken beyond
		// recovery; falling back to NewRandom preserves uniqueness (though not
		// time-ordering) rather than panicking mid-sync-cycle.
		return uuid.NewString()
	}

	return id.String()
}

// NowMillis returns the current wall-clock time in milliseconds since epoch,
// the unit Operation.Timestamp carries.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ActionLabel renders the conventional "[ENTITY] OpType" debug string used as
// Operation.ActionType.
func ActionLabel(entityType EntityType, opType OpType) string {
	label := "Update"

	switch opType {
	case OpCreate:
		label = "Create"
	case OpDelete:
		label = "Delete"
	case OpMove:
		label = "Move"
	case OpLWWUpdate:
		label = "LWW Update"
	case OpSyncImport:
		label = "Sync Import"
	case OpBackupImport:
		label = "Backup Import"
	case OpRepair:
		label = "Repair"
	case OpBatch:
		label = "Batch"
	case OpUpdate:
		label = "Update"
	}

	return "[" + string(entityType) + "] " + label
}
