package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/synccore/internal/entitystore"
	"github.com/tonimelisma/synccore/internal/ops"
)

// TaskReferenceCascade is the concrete CascadeHook the shipped binary wires
// in: deleting a TAG strips that tag's id from every TASK's "tagIds" list,
// and deleting a PROJECT clears the "projectId" field of every TASK that
// referenced it, removing the reference from every live and archived task
// entity. It touches only those two well-known payload fields, never a full
// task schema. Archive/ordered-list
// membership (today list, boards) is UI-shell bookkeeping outside this
// core's scope; this hook only owns the payload-level
// reference that the merge resolver is required to keep consistent.
type TaskReferenceCascade struct{}

// Cascade implements CascadeHook.
func (TaskReferenceCascade) Cascade(ctx context.Context, store EntityReader, removedType ops.EntityType, removedID string) ([]CascadeChange, error) {
	if removedType != ops.EntityTag && removedType != ops.EntityProject {
		return nil, nil
	}

	tasks, err := store.ListByType(ctx, string(ops.EntityTask))
	if err != nil {
		return nil, fmt.Errorf("merge: listing tasks for cascade: %w", err)
	}

	var changes []CascadeChange

	for _, task := range tasks {
		var body map[string]any
		if err := json.Unmarshal(task.Payload, &body); err != nil {
			// Tombstoned/empty payloads (`{}`) and anything not task-shaped
			// have nothing to strip.
			continue
		}

		var changed bool

		switch removedType {
		case ops.EntityTag:
			changed = stripTagID(body, removedID)
		case ops.EntityProject:
			changed = clearProjectID(body, removedID)
		}

		if !changed {
			continue
		}

		newPayload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("merge: marshaling cascaded task %s: %w", task.ID, err)
		}

		changes = append(changes, CascadeChange{
			Key:     entitystore.Key{Type: string(ops.EntityTask), ID: task.ID},
			Payload: newPayload,
		})
	}

	return changes, nil
}

// stripTagID removes tagID from body's "tagIds" array in place, reporting
// whether it was present.
func stripTagID(body map[string]any, tagID string) bool {
	raw, ok := body["tagIds"].([]any)
	if !ok {
		return false
	}

	kept := make([]any, 0, len(raw))
	changed := false

	for _, v := range raw {
		if v == tagID {
			changed = true
			continue
		}

		kept = append(kept, v)
	}

	if !changed {
		return false
	}

	body["tagIds"] = kept

	return true
}

// clearProjectID unsets body's "projectId" field when it matches
// projectID, reporting whether a change was made.
func clearProjectID(body map[string]any, projectID string) bool {
	current, ok := body["projectId"].(string)
	if !ok || current != projectID {
		return false
	}

	body["projectId"] = nil

	return true
}
