package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/orchestrator"
)

func newServeOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-once",
		Short: "Run a single sync cycle and exit",
		Long: `Run exactly one TriggerSync cycle (download, merge, apply, upload)
against the configured provider, report the result, and exit.`,
		RunE: runServeOnce,
	}
}

func runServeOnce(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	return runOneCycle(ctx, cc, s)
}

// runOneCycle runs a single TriggerSync and prints/persists its outcome,
// shared by "serve-once" and the periodic ticker in "serve".
func runOneCycle(ctx context.Context, cc *CLIContext, s *stack) error {
	result, err := s.Orch.TriggerSync(ctx)

	var conflict *orchestrator.LocalDataConflictError
	if errors.As(err, &conflict) {
		if recErr := recordPendingConflict(ctx, s.Log, conflict.RemoteSummary); recErr != nil {
			return recErr
		}

		cc.Statusf("Local data conflicts with remote (summary %q).\n", conflict.RemoteSummary)
		cc.Statusf("Run 'synccore conflicts' then 'synccore resolve' to continue.\n")

		return conflict
	}

	if errors.Is(err, orchestrator.ErrAlreadySyncing) {
		cc.Statusf("Sync already in progress.\n")

		return nil
	}

	if err != nil {
		return fmt.Errorf("sync cycle failed: %w", err)
	}

	printCycleResult(cc, result)

	return nil
}

func printCycleResult(cc *CLIContext, result orchestrator.CycleResult) {
	if cc.Flags.JSON {
		return
	}

	cc.Statusf("Status: %s\n", result.FinalStatus)

	if len(result.Uploaded) > 0 {
		cc.Statusf("  Uploaded: %d ops\n", len(result.Uploaded))
	}

	if result.AppliedRemote > 0 {
		cc.Statusf("  Applied:  %d remote ops\n", result.AppliedRemote)
	}

	if len(result.PiggybackedIDs) > 0 {
		cc.Statusf("  Piggyback: %d ops\n", len(result.PiggybackedIDs))
	}

	if len(result.RejectedOps) > 0 {
		cc.Statusf("  Rejected: %d ops\n", len(result.RejectedOps))
	}
}
