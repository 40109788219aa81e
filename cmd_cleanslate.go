package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/clock"
)

func newCleanSlateCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clean-slate",
		Short: "Wipe remote state and re-upload local state under a fresh client id",
		Long: `Generate a fresh client id, export the full local entity state, wipe the
remote (server-side delete or overwritten container, depending on provider),
and upload the export as the new baseline. Used for the
password-change-for-encryption flow and for recovering from an unresolvable
remote-state problem. This is destructive to every other device's unsynced
remote data — they must clean-slate or reinstall afterward.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return fmt.Errorf("refusing to run without --confirm (this discards all remote history for other devices)")
			}

			return runCleanSlate(cmd)
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "required to acknowledge this wipes remote data for all other devices")

	return cmd
}

func runCleanSlate(cmd *cobra.Command) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	fullState, err := s.Resolver.ExportFullState(ctx)
	if err != nil {
		return fmt.Errorf("exporting local state: %w", err)
	}

	newClientID := uuid.NewString()
	vc := clock.VectorClock{newClientID: 1}

	if err := s.Adapter.CleanSlate(ctx, newClientID, vc, fullState); err != nil {
		return fmt.Errorf("clean-slate failed: %w", err)
	}

	if err := s.Log.SetClientID(ctx, newClientID); err != nil {
		return fmt.Errorf("persisting new client id: %w", err)
	}

	importOp, err := s.Factory.SyncImport(fullState, vc)
	if err != nil {
		return fmt.Errorf("stamping local sync-import: %w", err)
	}

	importOp.ClientID = newClientID

	if err := s.Log.Append(ctx, importOp); err != nil {
		return fmt.Errorf("recording local sync-import: %w", err)
	}

	if err := clearPendingConflict(ctx, s.Log); err != nil {
		return err
	}

	cc.Statusf("Clean-slate complete. New client id: %s\n", newClientID)

	return nil
}
