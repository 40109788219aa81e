package fileadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/envelope"
	"github.com/tonimelisma/synccore/internal/ops"
	"github.com/tonimelisma/synccore/internal/orchestrator"
)

// Retry tuning: randomized exponential backoff from a 200ms base with
// ±25% jitter, up to five retries after the first attempt.
const (
	DefaultMaxRetries  = 5
	DefaultBaseBackoff = 200 * time.Millisecond
	jitterFraction     = 0.25
)

// LocalClockSnapshot exposes the current known local vector clock without
// incrementing it, so the adapter can compare it against the remote
// container's clock for conflict detection. orchestrator.ClockService
// satisfies this via its Snapshot method.
type LocalClockSnapshot interface {
	Snapshot() clock.VectorClock
}

// conditionalCapable is an optional FileStore capability probe. A provider
// that cannot honor ETag/If-Unmodified-Since implements it and returns
// false; the adapter then falls back to syncVersion as the authoritative
// conflict signal instead of trusting a conditional-write failure/success.
type conditionalCapable interface {
	SupportsConditionalWrites() bool
}

// Adapter implements orchestrator.Adapter over a FileStore.
type Adapter struct {
	store       FileStore
	path        string
	localClock  LocalClockSnapshot
	envelope    envelope.Options
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
	clientID    string

	dirGroup singleflight.Group
}

// SetClientID records the owning client's id, stamped onto the synthetic
// SyncImport op a bootstrap download builds from the container's
// opportunistic snapshot. Preserving the id keeps this client's own clock
// component intact across the bootstrap.
func (a *Adapter) SetClientID(id string) {
	a.clientID = id
}

// New creates a file-based Adapter. path is the container's full path
// (e.g. "<syncFolder>/sync-data.json"); its parent directory is created
// lazily, once, on first upload.
func New(store FileStore, path string, localClock LocalClockSnapshot, opts envelope.Options, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Adapter{
		store:       store,
		path:        path,
		localClock:  localClock,
		envelope:    opts,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultBaseBackoff,
		logger:      logger,
	}
}

// SetRetryPolicy overrides the default retry count/backoff, for tests.
func (a *Adapter) SetRetryPolicy(maxRetries int, baseBackoff time.Duration) {
	a.maxRetries = maxRetries
	a.baseBackoff = baseBackoff
}

// IsReady implements orchestrator.Adapter.
func (a *Adapter) IsReady(ctx context.Context) (bool, error) {
	return a.store.IsReady(ctx)
}

// Download implements orchestrator.Adapter. The file-based protocol has no
// per-op sequence number, so it simply returns the container's whole
// recent-ops buffer; de-duplication against ops already applied is the
// orchestrator's job.
func (a *Adapter) Download(ctx context.Context, cursor string) (orchestrator.DownloadResult, error) {
	container, rev, err := a.downloadContainer(ctx)
	if err != nil {
		return orchestrator.DownloadResult{}, err
	}

	newCursor := Cursor{SyncVersion: container.SyncVersion, Rev: rev}

	concurrent := false
	if a.localClock != nil {
		concurrent = clock.Compare(container.VectorClock, a.localClock.Snapshot()) == clock.Concurrent
	}

	result := make([]ops.Operation, 0, len(container.RecentOps)+1)

	// A client with no prior cursor is a late joiner bootstrapping into an
	// existing universe: if the container carries an opportunistic snapshot, fold it
	// in first as a synthetic SyncImport op, preserving the container's
	// vector clock exactly so every op this client produces afterward
	// remains causally later for every peer.
	if cursor == "" && len(container.SnapshotState) > 0 {
		result = append(result, a.buildSyncImport(container))
	}

	result = append(result, container.RecentOps...)

	return orchestrator.DownloadResult{
		Ops:                     result,
		Cursor:                  newCursor.String(),
		RemoteSummaryConcurrent: concurrent,
		RemoteSummary:           fmt.Sprintf("syncVersion=%d", container.SyncVersion),
	}, nil
}

// buildSyncImport wraps a container's opportunistic snapshot as a SyncImport
// op, the file-based counterpart of internal/opsync's buildSyncImport.
func (a *Adapter) buildSyncImport(container Container) ops.Operation {
	return ops.Operation{
		ID:            ops.NewID(),
		ClientID:      a.clientID,
		Timestamp:     ops.NowMillis(),
		VectorClock:   container.VectorClock,
		SchemaVersion: ops.CurrentSchemaVersion,
		EntityType:    ops.EntityTask,
		OpType:        ops.OpSyncImport,
		ActionType:    ops.ActionLabel(ops.EntityTask, ops.OpSyncImport),
		Payload:       container.SnapshotState,
	}
}

// downloadContainer fetches and decodes the container, tolerating a
// not-yet-created file (first sync ever) as an empty container.
func (a *Adapter) downloadContainer(ctx context.Context) (Container, string, error) {
	rev, data, err := a.store.DownloadFile(ctx, a.path)
	if errors.Is(err, ErrNotFound) {
		return Container{VectorClock: clock.VectorClock{}}, "", nil
	}

	if err != nil {
		return Container{}, "", fmt.Errorf("fileadapter: downloading container: %w", err)
	}

	plain, err := envelope.Open(data, a.envelope.KeyDeriver)
	if err != nil {
		var mismatch *envelope.MismatchError
		if errors.As(err, &mismatch) {
			return Container{}, "", mismatch
		}

		return Container{}, "", fmt.Errorf("fileadapter: opening envelope: %w", err)
	}

	var container Container
	if err := json.Unmarshal(plain, &container); err != nil {
		return Container{}, "", fmt.Errorf("fileadapter: unmarshaling container: %w", err)
	}

	return container, rev, nil
}

// Upload implements orchestrator.Adapter: re-download, merge, encrypt, and
// conditionally write, retrying with backoff on precondition failure. Every
// op observed in the container during any attempt — not just the final one
// — is returned as piggybacked so the orchestrator never silently drops a
// peer's concurrent upload.
func (a *Adapter) Upload(ctx context.Context, batch orchestrator.UploadBatch) (orchestrator.UploadResult, error) {
	if err := a.ensureDirOnce(ctx); err != nil {
		return orchestrator.UploadResult{}, fmt.Errorf("fileadapter: ensuring directory: %w", err)
	}

	ownIDs := make(map[string]bool, len(batch.Ops))
	for _, op := range batch.Ops {
		ownIDs[op.ID] = true
	}

	piggybacked := map[string]ops.Operation{}

	var lastErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			if err := a.sleepBackoff(ctx, attempt); err != nil {
				return orchestrator.UploadResult{}, err
			}
		}

		container, rev, err := a.downloadContainer(ctx)
		if err != nil {
			return orchestrator.UploadResult{}, err
		}

		// Every op already in the container that this upload didn't
		// contribute is a candidate piggyback: a peer's concurrent write
		// this client hasn't applied yet. Collect it from this, the latest,
		// refetch, keeping whatever earlier attempts already collected.
		for _, op := range container.RecentOps {
			if !ownIDs[op.ID] {
				piggybacked[op.ID] = op
			}
		}

		toWrite := append([]ops.Operation{}, batch.Ops...)
		toWrite = append(toWrite, batch.Piggyback...)
		container.appendOps(toWrite)
		container.VectorClock = clock.Merge(container.VectorClock, batch.VectorClockAtUpload)
		container.SyncVersion++

		encoded, err := json.Marshal(container)
		if err != nil {
			return orchestrator.UploadResult{}, fmt.Errorf("fileadapter: marshaling container: %w", err)
		}

		sealed, err := envelope.Seal(encoded, a.envelope)
		if err != nil {
			return orchestrator.UploadResult{}, fmt.Errorf("fileadapter: sealing container: %w", err)
		}

		expectedRev := rev
		if !a.conditionalWritesSupported() {
			expectedRev = ""
		}

		newRev, err := a.store.UploadFile(ctx, a.path, sealed, expectedRev, false)
		if err == nil {
			newCursor := Cursor{SyncVersion: container.SyncVersion, Rev: newRev}

			ids := make([]string, len(batch.Ops))
			for i, op := range batch.Ops {
				ids[i] = op.ID
			}

			return orchestrator.UploadResult{
				Accepted:       ids,
				NewCursor:      newCursor.String(),
				PiggybackedOps: mapValues(piggybacked),
			}, nil
		}

		if !errors.Is(err, ErrPreconditionFailed) {
			return orchestrator.UploadResult{}, fmt.Errorf("fileadapter: uploading container: %w", err)
		}

		a.logger.Warn("fileadapter: precondition failed, retrying",
			slog.Int("attempt", attempt+1),
		)

		lastErr = err
	}

	return orchestrator.UploadResult{PiggybackedOps: mapValues(piggybacked)},
		fmt.Errorf("fileadapter: upload failed after %d retries: %w", a.maxRetries, lastErr)
}

// CleanSlate implements the clean-slate flow for the file-based
// protocol: force-overwrite the shared container with a fresh snapshot under
// the given (freshly generated) clientID, discarding any recent-ops history
// accumulated under the old identity. Callers are responsible for generating
// the new clientID, recording the local SyncImport, and gating this behind
// the orchestrator's privileged-operation lock before calling it.
func (a *Adapter) CleanSlate(ctx context.Context, clientID string, vc clock.VectorClock, fullState json.RawMessage) error {
	if err := a.ensureDirOnce(ctx); err != nil {
		return fmt.Errorf("fileadapter: ensuring directory: %w", err)
	}

	a.clientID = clientID

	container := Container{
		SyncVersion:   1,
		VectorClock:   vc,
		ClientID:      clientID,
		SnapshotState: fullState,
	}

	encoded, err := json.Marshal(container)
	if err != nil {
		return fmt.Errorf("fileadapter: marshaling clean-slate container: %w", err)
	}

	sealed, err := envelope.Seal(encoded, a.envelope)
	if err != nil {
		return fmt.Errorf("fileadapter: sealing clean-slate container: %w", err)
	}

	if _, err := a.store.UploadFile(ctx, a.path, sealed, "", true); err != nil {
		return fmt.Errorf("fileadapter: uploading clean-slate container: %w", err)
	}

	return nil
}

func (a *Adapter) conditionalWritesSupported() bool {
	if probe, ok := a.store.(conditionalCapable); ok {
		return probe.SupportsConditionalWrites()
	}

	return true
}

// sleepBackoff waits base*2^(attempt-1) with ±25% jitter, honoring context
// cancellation.
func (a *Adapter) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := a.baseBackoff << (attempt - 1)
	jitter := time.Duration((rand.Float64()*2 - 1) * jitterFraction * float64(backoff))
	delay := backoff + jitter

	if delay < 0 {
		delay = 0
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureDirOnce creates the container's parent directory, coalescing
// concurrent calls for the same path via singleflight rather than a
// sync.Once — a transient failure must be retryable on the next attempt,
// which sync.Once would permanently poison.
func (a *Adapter) ensureDirOnce(ctx context.Context) error {
	_, err, _ := a.dirGroup.Do(a.path, func() (any, error) {
		return nil, a.store.EnsureDir(ctx, parentDir(a.path))
	})

	return err
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return ""
}

func mapValues(m map[string]ops.Operation) []ops.Operation {
	out := make([]ops.Operation, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}

	return out
}
