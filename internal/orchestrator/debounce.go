package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounceMillis is the default coalescing window.
const DefaultDebounceMillis = 2000

// Debouncer coalesces rapid local edits into a single upload by resetting a
// timer on every Trigger call and running one cycle when the timer finally
// fires.
type Debouncer struct {
	orchestrator *Orchestrator
	delay        time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDebouncer creates a Debouncer that runs cycles on o after delay has
// elapsed with no further Trigger calls.
func NewDebouncer(o *Orchestrator, delay time.Duration, logger *slog.Logger) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceMillis * time.Millisecond
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Debouncer{orchestrator: o, delay: delay, logger: logger}
}

// Trigger is called on every local op. It (re)starts the debounce timer;
// additional calls before it fires simply reset the deadline.
func (d *Debouncer) Trigger(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.ctx = runCtx
	d.cancel = cancel

	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Stop cancels any pending debounce timer without running a cycle.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	if d.cancel != nil {
		d.cancel()
	}
}

// fire runs on the timer goroutine when the debounce window elapses.
func (d *Debouncer) fire() {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	if d.orchestrator.status.Current() == Syncing {
		d.logger.Debug("debouncer: cycle already in progress, skipping")

		return
	}

	ready, err := d.orchestrator.adapter.IsReady(ctx)
	if err != nil || !ready {
		d.logger.Debug("debouncer: provider not ready, skipping")

		return
	}

	result, err := d.orchestrator.TriggerSync(ctx)
	if err != nil {
		d.logger.Warn("debouncer: cycle failed", slog.String("error", err.Error()))

		return
	}

	// TriggerSync has already set the status: IN_SYNC whenever the cycle
	// ended with no piggybacked remote ops, even if it uploaded nothing. This
	// check does not change the status; it only logs the narrower case of a
	// cycle that uploaded ops and received no piggybacked remote ops.
	if len(result.Uploaded) == 0 || len(result.PiggybackedIDs) > 0 {
		return
	}

	d.logger.Debug("debouncer: cycle uploaded with no piggyback, marking in-sync",
		slog.Int("uploaded", len(result.Uploaded)),
	)
}
