package orchestrator

import (
	"context"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/ops"
)

// Adapter is the remote-op transport the orchestrator drives one cycle
// through. internal/fileadapter and internal/opsync both implement it; they
// diverge only in cursor shape and remote protocol.
type Adapter interface {
	// IsReady reports whether the adapter has everything it needs (resolved
	// folder/URL, credentials) to run a cycle.
	IsReady(ctx context.Context) (bool, error)

	// Download fetches every remote op after cursor (the adapter's own
	// opaque cursor encoding). RemoteSummaryConcurrent, when true, signals
	// that the remote's summary state (snapshot hash / syncVersion) is
	// CONCURRENT with the state the cursor was last advanced against —
	// the input to the orchestrator's local-data-conflict detection.
	Download(ctx context.Context, cursor string) (DownloadResult, error)

	// Upload sends a batch of unsynced ops plus a piggyback buffer of
	// recently-synced ops. Adapter-internal retry (precondition failures,
	// sequence mismatches) is never surfaced here except via
	// UploadResult.PiggybackedOps, which must include every op the adapter
	// observed during any retry.
	Upload(ctx context.Context, batch UploadBatch) (UploadResult, error)
}

// DownloadResult is what one adapter.Download call returns.
type DownloadResult struct {
	Ops                     []ops.Operation
	Cursor                  string
	RemoteSummaryConcurrent bool
	RemoteSummary           string
}

// UploadBatch is what the orchestrator hands to adapter.Upload.
type UploadBatch struct {
	Ops                 []ops.Operation
	Piggyback           []ops.Operation
	VectorClockAtUpload clock.VectorClock
	IsCleanSlate        bool
}

// UploadResult is what one adapter.Upload call returns.
type UploadResult struct {
	Accepted       []string
	RejectedOps    []string
	NewCursor      string
	PiggybackedOps []ops.Operation
}
