package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Signal a running 'synccore serve' daemon to sync immediately",
		Long:  `Send SIGHUP to the running daemon's PID (recorded by 'synccore serve'), triggering an immediate sync cycle without restarting the process.`,
		RunE:  runReload,
	}
}

func runReload(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	dataDir := DefaultDataDir()
	if dataDir == "" {
		return fmt.Errorf("cannot determine data directory (no home directory)")
	}

	return sendSIGHUP(filepath.Join(dataDir, pidFileName), cc.Logger)
}
