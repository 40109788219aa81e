package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/tonimelisma/synccore/internal/clock"
	"github.com/tonimelisma/synccore/internal/ops"
)

// LocalLogReader is the subset of oplog.Store the vector-clock service needs
// to find the most recently produced local op.
type LocalLogReader interface {
	GetRecentSynced(ctx context.Context, n int) ([]ops.Operation, error)
	GetUnsynced(ctx context.Context) ([]ops.Operation, error)
}

// ClockService implements ops.ClockSource: it derives the
// clock that stamps the next locally produced op by merging the clock of the
// most recent local op with the highest per-client component observed from
// peers during the last sync, then incrementing this client's component.
type ClockService struct {
	clientID string
	log      LocalLogReader

	mu        sync.Mutex
	peerHWM   clock.VectorClock // highest component seen per peer client
	lastLocal clock.VectorClock // clock of the most recent locally produced op
	loaded    bool
}

// NewClockService creates a ClockService for clientID, reading the log
// lazily on first Current() call (or via Prime, for callers that want to
// pay that cost up front).
func NewClockService(clientID string, log LocalLogReader) *ClockService {
	return &ClockService{
		clientID: clientID,
		log:      log,
		peerHWM:  clock.VectorClock{},
	}
}

// Prime loads the most recent locally produced op's clock from the log, so
// the first Current() call after process start doesn't silently derive a
// clock from zero. Safe to call more than once; a no-op after the first
// successful call.
func (c *ClockService) Prime(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return nil
	}

	latest, err := c.latestLocalClockLocked(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: priming clock service: %w", err)
	}

	c.lastLocal = latest
	c.loaded = true

	return nil
}

// latestLocalClockLocked scans unsynced ops (oldest first), then
// recent-synced ops (newest first), for the highest clock this client has
// produced. Every locally produced op's clock dominates the ones this client
// produced before it, so the merge of its op clocks in a slice is the latest
// one, whatever the slice's order.
func (c *ClockService) latestLocalClockLocked(ctx context.Context) (clock.VectorClock, error) {
	unsynced, err := c.log.GetUnsynced(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading unsynced ops: %w", err)
	}

	if vc := lastOwnClock(unsynced, c.clientID); vc != nil {
		return vc, nil
	}

	// recentKeepCount large enough to very likely include this client's last
	// produced op even on a quiet client; Current() still degrades safely
	// (a too-small scan only risks a spuriously-low — never too-high — base,
	// which Increment then raises past whatever it finds).
	const recentScan = 500

	recent, err := c.log.GetRecentSynced(ctx, recentScan)
	if err != nil {
		return nil, fmt.Errorf("reading recent synced ops: %w", err)
	}

	if vc := lastOwnClock(recent, c.clientID); vc != nil {
		return vc, nil
	}

	return clock.VectorClock{}, nil
}

// lastOwnClock returns the merge of the vector clocks of every op in batch
// produced by clientID, or nil if none match. That merge equals the clock of
// the latest such op, so it works both for GetUnsynced's ascending order and
// for GetRecentSynced's newest-first order.
func lastOwnClock(batch []ops.Operation, clientID string) clock.VectorClock {
	var found clock.VectorClock

	for _, op := range batch {
		if op.ClientID == clientID {
			found = clock.Merge(found, op.VectorClock)
		}
	}

	return found
}

// ObservePeerClock folds vc into the high-water mark used to compute the
// next Current(). Called by the orchestrator for every remote op's clock
// seen during download, so the next locally produced op is guaranteed >=
// every component observed from any peer.
func (c *ClockService) ObservePeerClock(vc clock.VectorClock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peerHWM = clock.Merge(c.peerHWM, vc)
}

// ObserveLocalOp updates the local high-water mark after a local op is
// produced (by the LWW factory or a cascade), so a burst of local ops within
// one cycle still strictly increases with each call.
func (c *ClockService) ObserveLocalOp(op ops.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastLocal = clock.Merge(c.lastLocal, op.VectorClock)
	c.loaded = true
}

// Snapshot returns the currently known local clock merged with every peer
// high-water mark, without incrementing this client's own component. Callers
// that need to compare "where am I" against a remote state — rather than
// mint a new op's timestamp — use this instead of Current.
func (c *ClockService) Snapshot() clock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()

	return clock.Merge(c.lastLocal, c.peerHWM)
}

// Current implements ops.ClockSource: merge the last local clock with every
// peer high-water mark, then increment this client's own component. The
// returned clock is folded back into lastLocal before return, so two calls
// within the same cycle (e.g. a batch of cascade ops) never collide — each
// is strictly greater than the lastinvariant 2.
func (c *ClockService) Current() clock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := clock.Increment(c.lastLocal, c.peerHWM, c.clientID)
	c.lastLocal = next
	c.loaded = true

	return next
}
