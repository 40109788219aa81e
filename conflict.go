package main

import (
	"context"
	"fmt"

	"github.com/tonimelisma/synccore/internal/oplog"
)

// pendingConflictCursorKind persists a LocalDataConflictError's remote
// summary across process invocations, via the oplog's generic cursor KV
// store, so "synccore conflicts" and "synccore resolve" can run as separate
// CLI invocations from the one that hit the conflict mid-cycle (the
// Keep-Local/Keep-Remote choice is inherently interactive and
// can't be answered from inside a non-interactive serve-once/serve run).
const pendingConflictCursorKind = "pending_conflict"

// recordPendingConflict persists remoteSummary so a later "resolve" call
// can find it.
func recordPendingConflict(ctx context.Context, log *oplog.Store, remoteSummary string) error {
	if err := log.SetCursor(ctx, pendingConflictCursorKind, remoteSummary); err != nil {
		return fmt.Errorf("recording pending conflict: %w", err)
	}

	return nil
}

// clearPendingConflict removes the persisted conflict marker after it has
// been resolved.
func clearPendingConflict(ctx context.Context, log *oplog.Store) error {
	if err := log.SetCursor(ctx, pendingConflictCursorKind, ""); err != nil {
		return fmt.Errorf("clearing pending conflict: %w", err)
	}

	return nil
}
