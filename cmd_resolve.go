package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/orchestrator"
)

func newResolveCmd() *cobra.Command {
	var useLocal, useRemote bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a pending local-data conflict",
		Long: `Apply the user's choice after "synccore conflicts" reported a pending
LocalDataConflictError:

  --use-local  stamps the entire local entity state as a fresh SyncImport,
               left unsynced for the next sync cycle to upload.
  --use-remote discards every unsynced local op and local entity state, so
               the next sync cycle rebuilds local state entirely from the
               remote.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd, useLocal, useRemote)
		},
	}

	cmd.Flags().BoolVar(&useLocal, "use-local", false, "keep local state, overwrite remote")
	cmd.Flags().BoolVar(&useRemote, "use-remote", false, "discard local state, rebuild from remote")
	cmd.MarkFlagsMutuallyExclusive("use-local", "use-remote")
	cmd.MarkFlagsOneRequired("use-local", "use-remote")

	return cmd
}

func runResolve(cmd *cobra.Command, useLocal, useRemote bool) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	summary, ok, err := s.Log.GetCursor(ctx, pendingConflictCursorKind)
	if err != nil {
		return fmt.Errorf("reading pending conflict: %w", err)
	}

	if !ok || summary == "" {
		cc.Statusf("No pending conflict to resolve.\n")

		return nil
	}

	choice := orchestrator.UseLocal
	if useRemote {
		choice = orchestrator.UseRemote
	}

	if err := s.Orch.ResolveConflict(ctx, choice, s.Factory); err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}

	if err := clearPendingConflict(ctx, s.Log); err != nil {
		return err
	}

	cc.Statusf("Conflict resolved (%s). Run 'synccore serve-once' to apply.\n", choice)

	return nil
}
