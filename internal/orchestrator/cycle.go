package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/synccore/internal/ops"
)

// Default phase timeouts.
const (
	DefaultDownloadTimeout = 30 * time.Second
	DefaultUploadTimeout   = 60 * time.Second
	DefaultCycleTimeout    = 120 * time.Second

	// DefaultPiggybackCount is the number of already-synced ops re-sent on
	// every upload to protect a peer whose cursor is stale.
	DefaultPiggybackCount = 500

	cursorKind = "adapter"
)

// OpLog is the subset of oplog.Store the orchestrator drives a cycle
// through. *oplog.Store satisfies this directly.
type OpLog interface {
	Append(ctx context.Context, op ops.Operation) error
	GetUnsynced(ctx context.Context) ([]ops.Operation, error)
	GetRecentSynced(ctx context.Context, n int) ([]ops.Operation, error)
	MarkSynced(ctx context.Context, ids []string) error
	HasApplied(ctx context.Context, id string) (bool, error)
	RecordApplied(ctx context.Context, remote []ops.Operation) error
	GetCursor(ctx context.Context, kind string) (string, bool, error)
	SetCursor(ctx context.Context, kind, value string) error
	DiscardUnsynced(ctx context.Context) error
	ResetAppliedRemote(ctx context.Context) error
}

// Resolver is the subset of merge.Resolver the orchestrator needs.
type Resolver interface {
	ApplyRemote(ctx context.Context, batch []ops.Operation) error
	ExportFullState(ctx context.Context) (json.RawMessage, error)
	ClearLocalState(ctx context.Context) error
}

// Timeouts bundles the per-phase deadlines a cycle runs under.
type Timeouts struct {
	Download time.Duration
	Upload   time.Duration
	Cycle    time.Duration
}

// DefaultTimeouts returns the standard phase timeouts.
func DefaultTimeouts() Timeouts {
	return Timeouts{Download: DefaultDownloadTimeout, Upload: DefaultUploadTimeout, Cycle: DefaultCycleTimeout}
}

// Orchestrator runs sync cycles against a single Adapter, enforcing mutual
// exclusion and driving the status state machine.
type Orchestrator struct {
	log            OpLog
	resolver       Resolver
	clocks         *ClockService
	adapter        Adapter
	status         *StatusMachine
	logger         *slog.Logger
	timeouts       Timeouts
	piggybackCount int

	canceled atomic.Bool
}

// New builds an Orchestrator. adapter may be swapped at runtime via
// SetAdapter (e.g. when the user changes sync provider).
func New(log OpLog, resolver Resolver, clocks *ClockService, adapter Adapter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		log:            log,
		resolver:       resolver,
		clocks:         clocks,
		adapter:        adapter,
		status:         NewStatusMachine(),
		logger:         logger,
		timeouts:       DefaultTimeouts(),
		piggybackCount: DefaultPiggybackCount,
	}
}

// Status returns the status machine, so callers can read Current() or
// register an Observe callback.
func (o *Orchestrator) Status() *StatusMachine {
	return o.status
}

// SetAdapter swaps the active adapter. Safe to call between cycles; callers
// must not call it concurrently with TriggerSync.
func (o *Orchestrator) SetAdapter(a Adapter) {
	o.adapter = a
}

// SetTimeouts overrides the default phase timeouts, for tests or advanced
// configuration.
func (o *Orchestrator) SetTimeouts(t Timeouts) {
	o.timeouts = t
}

// Cancel sets the cancellation flag; the next safe checkpoint inside a
// running cycle aborts and releases the mutex.
func (o *Orchestrator) Cancel() {
	o.canceled.Store(true)
}

// ResetCancel clears the cancellation flag, for reuse after a provider
// switch completes.
func (o *Orchestrator) ResetCancel() {
	o.canceled.Store(false)
}

// CycleResult summarizes what one TriggerSync call did.
type CycleResult struct {
	AppliedRemote  int
	Uploaded       []string
	RejectedOps    []string
	PiggybackedIDs []string
	FinalStatus    Status
}

// TriggerSync runs one sync cycle if none is already in progress. A second
// trigger while Syncing returns ErrAlreadySyncing immediately.
func (o *Orchestrator) TriggerSync(ctx context.Context) (CycleResult, error) {
	if !o.status.tryBeginSync() {
		return CycleResult{}, ErrAlreadySyncing
	}

	cycleCtx, cancel := context.WithTimeout(ctx, o.timeouts.Cycle)
	defer cancel()

	result, err := o.runCycle(cycleCtx)

	// runCycle has already set Unknown for a provider that is not ready.
	if errors.Is(err, ErrProviderNotReady) {
		result.FinalStatus = o.status.Current()

		return result, err
	}

	hadPiggyback := len(result.PiggybackedIDs) > 0
	o.status.endSync(err, hadPiggyback)
	result.FinalStatus = o.status.Current()

	return result, err
}

func (o *Orchestrator) runCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	ready, err := o.adapter.IsReady(ctx)
	if err != nil {
		return result, fmt.Errorf("orchestrator: checking adapter readiness: %w", err)
	}

	if !ready {
		o.status.setUnknown()

		return result, ErrProviderNotReady
	}

	cursor, _, err := o.log.GetCursor(ctx, cursorKind)
	if err != nil {
		return result, fmt.Errorf("orchestrator: reading cursor: %w", err)
	}

	download, err := o.downloadPhase(ctx, cursor, &result)
	if err != nil {
		return result, err
	}

	if o.canceled.Load() {
		return result, ErrCanceled
	}

	unsynced, err := o.log.GetUnsynced(ctx)
	if err != nil {
		return result, fmt.Errorf("orchestrator: reading unsynced ops: %w", err)
	}

	if download.RemoteSummaryConcurrent && len(unsynced) > 0 {
		return result, &LocalDataConflictError{RemoteSummary: download.RemoteSummary}
	}

	if err := o.uploadPhase(ctx, unsynced, &result); err != nil {
		return result, err
	}

	return result, nil
}

// downloadPhase runs the first half of a cycle: fetch remote ops since
// cursor, drop already-applied ids, apply the remainder, record every
// downloaded id as applied-remote, and advance the cursor only on success.
func (o *Orchestrator) downloadPhase(ctx context.Context, cursor string, result *CycleResult) (DownloadResult, error) {
	dlCtx, cancel := context.WithTimeout(ctx, o.timeouts.Download)
	defer cancel()

	download, err := o.adapter.Download(dlCtx, cursor)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("orchestrator: download phase: %w", err)
	}

	var toApply []ops.Operation

	for _, op := range download.Ops {
		applied, err := o.log.HasApplied(ctx, op.ID)
		if err != nil {
			return DownloadResult{}, fmt.Errorf("orchestrator: checking applied-remote for %s: %w", op.ID, err)
		}

		if applied {
			continue
		}

		toApply = append(toApply, op)
	}

	if err := o.resolver.ApplyRemote(ctx, toApply); err != nil {
		return DownloadResult{}, fmt.Errorf("orchestrator: applying downloaded ops: %w", err)
	}

	for _, op := range download.Ops {
		o.clocks.ObservePeerClock(op.VectorClock)
	}

	if err := o.log.RecordApplied(ctx, download.Ops); err != nil {
		return DownloadResult{}, fmt.Errorf("orchestrator: recording applied-remote: %w", err)
	}

	if err := o.log.SetCursor(ctx, cursorKind, download.Cursor); err != nil {
		return DownloadResult{}, fmt.Errorf("orchestrator: advancing cursor: %w", err)
	}

	result.AppliedRemote = len(toApply)

	return download, nil
}

// uploadPhase runs the second half of a cycle: collect unsynced ops,
// piggyback the recent-synced buffer, upload, apply any ops the adapter's
// internal retry discovered, mark accepted ops synced, and report rejects.
func (o *Orchestrator) uploadPhase(ctx context.Context, unsynced []ops.Operation, result *CycleResult) error {
	piggyback, err := o.log.GetRecentSynced(ctx, o.piggybackCount)
	if err != nil {
		return fmt.Errorf("orchestrator: reading piggyback buffer: %w", err)
	}

	batch := UploadBatch{
		Ops:                 unsynced,
		Piggyback:           piggyback,
		VectorClockAtUpload: o.clocks.Current(),
	}

	upCtx, cancel := context.WithTimeout(ctx, o.timeouts.Upload)
	defer cancel()

	uploadResult, err := o.adapter.Upload(upCtx, batch)
	if err != nil {
		return fmt.Errorf("orchestrator: upload phase: %w", err)
	}

	if err := o.applyPiggyback(ctx, uploadResult.PiggybackedOps, result); err != nil {
		return err
	}

	if err := o.log.MarkSynced(ctx, uploadResult.Accepted); err != nil {
		return fmt.Errorf("orchestrator: marking ops synced: %w", err)
	}

	result.Uploaded = uploadResult.Accepted
	result.RejectedOps = uploadResult.RejectedOps

	if uploadResult.NewCursor != "" {
		if err := o.log.SetCursor(ctx, cursorKind, uploadResult.NewCursor); err != nil {
			return fmt.Errorf("orchestrator: advancing cursor after upload: %w", err)
		}
	}

	return nil
}

// applyPiggyback handles ops the adapter's retry logic discovered
// mid-upload: they must be applied before the cycle ends, same as a normal
// download, and are still recorded applied-remote even when the resolver
// drops them as causally stale.
func (o *Orchestrator) applyPiggyback(ctx context.Context, piggybacked []ops.Operation, result *CycleResult) error {
	if len(piggybacked) == 0 {
		return nil
	}

	var fresh []ops.Operation

	for _, op := range piggybacked {
		applied, err := o.log.HasApplied(ctx, op.ID)
		if err != nil {
			return fmt.Errorf("orchestrator: checking applied-remote for piggybacked %s: %w", op.ID, err)
		}

		if applied {
			continue
		}

		fresh = append(fresh, op)
		result.PiggybackedIDs = append(result.PiggybackedIDs, op.ID)
	}

	if err := o.resolver.ApplyRemote(ctx, fresh); err != nil {
		return fmt.Errorf("orchestrator: applying piggybacked ops: %w", err)
	}

	for _, op := range piggybacked {
		o.clocks.ObservePeerClock(op.VectorClock)
	}

	if err := o.log.RecordApplied(ctx, piggybacked); err != nil {
		return fmt.Errorf("orchestrator: recording piggybacked ops applied: %w", err)
	}

	return nil
}

// ConflictChoice selects how a LocalDataConflictError is resolved: the
// Keep-Local / Keep-Remote choice surfaced to the user.
type ConflictChoice int

const (
	UseLocal ConflictChoice = iota
	UseRemote
)

func (c ConflictChoice) String() string {
	if c == UseRemote {
		return "use-remote"
	}

	return "use-local"
}

// ResolveConflict applies the user's choice after a LocalDataConflictError.
// UseLocal stamps the entire local entity state as a fresh SyncImport op,
// left unsynced for the next TriggerSync to upload — a full-state overwrite.
// UseRemote discards every unsynced local op and local entity state and
// rewinds the adapter cursor and applied-remote tracking, so the next
// TriggerSync rebuilds local state entirely from what the adapter reports —
// a local reset. factory must belong to the same
// client identity as the log passed to New.
func (o *Orchestrator) ResolveConflict(ctx context.Context, choice ConflictChoice, factory *ops.Factory) error {
	switch choice {
	case UseLocal:
		snapshot, err := o.resolver.ExportFullState(ctx)
		if err != nil {
			return fmt.Errorf("orchestrator: exporting local state for conflict resolution: %w", err)
		}

		op, err := factory.SyncImport(snapshot, o.clocks.Current())
		if err != nil {
			return fmt.Errorf("orchestrator: stamping local sync-import: %w", err)
		}

		if err := o.log.Append(ctx, op); err != nil {
			return fmt.Errorf("orchestrator: recording local sync-import: %w", err)
		}

		return nil
	case UseRemote:
		if err := o.log.DiscardUnsynced(ctx); err != nil {
			return fmt.Errorf("orchestrator: discarding unsynced ops: %w", err)
		}

		if err := o.resolver.ClearLocalState(ctx); err != nil {
			return fmt.Errorf("orchestrator: clearing local entity state: %w", err)
		}

		if err := o.log.ResetAppliedRemote(ctx); err != nil {
			return fmt.Errorf("orchestrator: resetting applied-remote tracking: %w", err)
		}

		if err := o.log.SetCursor(ctx, cursorKind, ""); err != nil {
			return fmt.Errorf("orchestrator: resetting adapter cursor: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("orchestrator: unknown conflict choice %d", choice)
	}
}

// IsTimeout reports whether err resulted from a phase or cycle deadline,
// for callers that want to distinguish a timeout from other failures
// without depending on context package internals directly.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
