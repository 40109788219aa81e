package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/oplog"
	"github.com/tonimelisma/synccore/internal/orchestrator"
)

const pidFileName = "synccore.pid"

// compactInterval is how often the daemon drops old synced ops from the log.
const compactInterval = 24 * time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run as a long-lived sync daemon",
		Long: `Run continuously, triggering a sync cycle on the configured interval
(sync.sync_interval, unless sync.is_manual_sync_only is set) and on every
SIGHUP. An immediate-upload debouncer (sync.debounce_millis) is kept alive
for the process lifetime, but this command produces no local writes of its
own, so nothing triggers it here. Writes a PID file so 'synccore
reload' can signal this process without restarting it.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	dataDir := DefaultDataDir()
	if dataDir == "" {
		return fmt.Errorf("cannot determine data directory (no home directory)")
	}

	cleanup, err := writePIDFile(filepath.Join(dataDir, pidFileName), cc.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	interval, err := resolveSyncInterval(cc.Cfg.Sync.SyncInterval)
	if err != nil {
		return err
	}

	debounceMillis := cc.Cfg.Sync.DebounceMillis
	if debounceMillis <= 0 {
		debounceMillis = orchestrator.DefaultDebounceMillis
	}

	// debouncer.Trigger is called by an embedding application on every local
	// write; this CLI has no local-op producer of its own, so
	// it only keeps the debouncer alive for the process lifetime here.
	debouncer := orchestrator.NewDebouncer(s.Orch, time.Duration(debounceMillis)*time.Millisecond, cc.Logger)
	defer debouncer.Stop()

	cc.Statusf("synccore serve: client %s, provider %s\n", s.ClientID, cc.Cfg.Sync.SyncProvider)

	compactLog(ctx, cc, s)

	hup := sighupChannel()
	defer signal.Stop(hup)

	runServeLoop(ctx, cc, s, interval, cc.Cfg.Sync.IsManualSyncOnly, hup)

	cc.Statusf("synccore serve: shutting down\n")

	return nil
}

// resolveSyncInterval parses sync.sync_interval ("15m", "1h", ...). An empty
// value falls back to 15 minutes, a conservative default for unattended
// polling; an unparsable or non-positive value is an error.
func resolveSyncInterval(raw string) (time.Duration, error) {
	if raw == "" {
		return 15 * time.Minute, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid sync.sync_interval %q: %w", raw, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("sync.sync_interval must be positive, got %q", raw)
	}

	return d, nil
}

// runServeLoop blocks until ctx is canceled, running a cycle on every timer
// tick (unless manualOnly) and on every SIGHUP, regardless of manualOnly —
// SIGHUP is always an explicit user request for an immediate sync.
func runServeLoop(ctx context.Context, cc *CLIContext, s *stack, interval time.Duration, manualOnly bool, hup chan os.Signal) {
	var tickerC <-chan time.Time

	if !manualOnly {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tickerC = ticker.C
	}

	compactTicker := time.NewTicker(compactInterval)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickerC:
			runServeCycle(ctx, cc, s)
		case <-compactTicker.C:
			compactLog(ctx, cc, s)
		case <-hup:
			cc.Logger.Info("received SIGHUP, triggering immediate sync")
			runServeCycle(ctx, cc, s)
		}
	}
}

// compactLog drops synced ops older than the retention window, keeping the
// recent buffer the piggyback path reads from. Failures are logged, never
// fatal — the next pass retries.
func compactLog(ctx context.Context, cc *CLIContext, s *stack) {
	days := cc.Cfg.Sync.RetentionDays
	if days <= 0 {
		days = oplog.DefaultRetentionDays
	}

	retentionMs := (time.Duration(days) * 24 * time.Hour).Milliseconds()

	removed, err := s.Log.Compact(ctx, retentionMs, orchestrator.DefaultPiggybackCount)
	if err != nil {
		cc.Logger.Warn("op log compaction failed", slog.String("error", err.Error()))
		return
	}

	if removed > 0 {
		cc.Logger.Info("compacted op log", slog.Int64("removed", removed))
	}
}

func runServeCycle(ctx context.Context, cc *CLIContext, s *stack) {
	if err := runOneCycle(ctx, cc, s); err != nil {
		cc.Logger.Warn("sync cycle ended with error", slog.String("error", err.Error()))
	}
}
