// Package orchestrator drives one end-to-end sync cycle (download, merge,
// apply, upload), the sync-status state machine, the immediate-upload
// debouncer, and the mutual-exclusion and cancellation rules that keep at
// most one cycle running at a time.
package orchestrator

import (
	"errors"
	"fmt"
)

// ErrAlreadySyncing is returned by TriggerSync when a cycle is already in
// progress; the caller's trigger is dropped, not queued.
var ErrAlreadySyncing = errors.New("orchestrator: sync already in progress")

// ErrProviderNotReady is returned when the configured adapter reports it
// cannot run a cycle yet (missing credentials, unresolved folder, ...).
var ErrProviderNotReady = errors.New("orchestrator: provider not ready")

// ErrCanceled is returned when a cycle is aborted by a user-initiated
// cancellation flag, e.g. when the user switches providers mid-cycle.
var ErrCanceled = errors.New("orchestrator: cycle canceled")

// LocalDataConflictError is raised when the adapter reports that the
// remote's summary state is CONCURRENT with local state while the local
// log still holds unsynced user ops. The UI resolves
// it by calling Orchestrator.ResolveConflict with UseLocal or UseRemote.
type LocalDataConflictError struct {
	// RemoteSummary is the adapter-specific opaque summary (snapshot hash or
	// syncVersion) that triggered detection, kept for diagnostics/logging.
	RemoteSummary string
}

func (e *LocalDataConflictError) Error() string {
	return fmt.Sprintf("orchestrator: local data conflicts with remote summary %q", e.RemoteSummary)
}

// EncryptionStateMismatchError is raised when the adapter's payload envelope
// does not match the locally configured encryption state. The
// only remedy is the clean-slate / server-wipe flow.
type EncryptionStateMismatchError struct {
	Expected bool
	Got      bool
}

func (e *EncryptionStateMismatchError) Error() string {
	return fmt.Sprintf("orchestrator: encryption state mismatch: expected encrypted=%v, got encrypted=%v", e.Expected, e.Got)
}

// SchemaVersionMismatchError is raised when a downloaded op's schemaVersion
// is newer than this build understands.
type SchemaVersionMismatchError struct {
	OpID    string
	Version int
	Current int
}

func (e *SchemaVersionMismatchError) Error() string {
	return fmt.Sprintf("orchestrator: op %s has schema version %d, newer than this build's %d", e.OpID, e.Version, e.Current)
}

// AuthError wraps an adapter-reported authentication failure (401/403),
// fatal for the current cycle after at most one automatic token refresh.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("orchestrator: authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
