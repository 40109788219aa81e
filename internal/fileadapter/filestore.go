// Package fileadapter implements the orchestrator.Adapter protocol over a
// generic file store (uploadFile/downloadFile/listFiles/remove) in its
// shared-container variant: a single `sync-data.json` per
// sync folder, conditional writes via ETag/If-Unmodified-Since, and
// at-most-once upload retry that never silently drops a piggybacked op.
package fileadapter

import (
	"context"
	"errors"
)

// ErrPreconditionFailed is returned by FileStore.UploadFile/Remove when the
// caller's expectedRev no longer matches the stored revision (HTTP 412 or
// its WebDAV/Dropbox equivalent). The adapter treats this as a signal to
// re-download, re-merge,
// and retry, never as a fatal error on its own.
var ErrPreconditionFailed = errors.New("fileadapter: precondition failed")

// ErrNotFound is returned by FileStore.DownloadFile when no file exists yet
// at the given path — the expected state on a brand-new sync folder.
var ErrNotFound = errors.New("fileadapter: file not found")

// FileStore is the generic file-store interface consumed from external
// providers (WebDAV, Dropbox, OS filesystem, Android SAF).
type FileStore interface {
	// IsReady reports whether the provider has everything it needs
	// (resolved folder, credentials) to run a cycle.
	IsReady(ctx context.Context) (bool, error)

	// UploadFile writes data to path. If expectedRev is non-empty, the
	// provider must perform a conditional write (If-Match/If-Unmodified-Since)
	// and return ErrPreconditionFailed if the stored revision has moved.
	// forceOverwrite bypasses the conditional check entirely (used only by
	// clean-slate / snapshot replacement).
	UploadFile(ctx context.Context, path string, data []byte, expectedRev string, forceOverwrite bool) (rev string, err error)

	// DownloadFile returns the current revision marker and content at path.
	// Returns ErrNotFound if no file exists yet.
	DownloadFile(ctx context.Context, path string) (rev string, data []byte, err error)

	// Remove deletes path, conditionally on expectedRev when non-empty.
	Remove(ctx context.Context, path string, expectedRev string) error

	// ListFiles lists file names under path. Only required for a future
	// per-client-file layout; the single-file baseline adapter never
	// calls it.
	ListFiles(ctx context.Context, path string) ([]string, error)

	// EnsureDir creates path and any missing parents (MKCOL/createDirectory),
	// idempotently — it must not error when the directory already exists.
	EnsureDir(ctx context.Context, path string) error
}
