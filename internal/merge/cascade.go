package merge

import (
	"context"
	"encoding/json"

	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/ops"
)

// CascadeChange is a single entity whose payload must change because a tag
// or project it referenced was deleted.
type CascadeChange struct {
	Key     entitystore.Key
	Payload json.RawMessage
}

// CascadeHook computes the side effects of deleting a TAG or PROJECT entity.
// Implementations own the domain-specific knowledge of which entities
// reference a tag or project and how to strip that reference from their
// payload; this core only knows that such references must be removed and
// stamped as freshly incremented ops so every peer converges regardless of
// delivery order.
type CascadeHook interface {
	Cascade(ctx context.Context, store EntityReader, removedType ops.EntityType, removedID string) ([]CascadeChange, error)
}

// EntityReader is the read-only subset of entitystore.Store a CascadeHook
// needs to find referencing entities.
type EntityReader interface {
	ListByType(ctx context.Context, entityType string) ([]entitystore.Entity, error)
}

// NoopCascadeHook performs no cascade. Useful for callers that manage
// cross-entity references entirely outside this core, or in tests.
type NoopCascadeHook struct{}

func (NoopCascadeHook) Cascade(context.Context, EntityReader, ops.EntityType, string) ([]CascadeChange, error) {
	return nil, nil
}
