package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Show the pending local-data conflict, if any",
		Long: `Report the LocalDataConflictError a previous sync cycle surfaced,
so the user can decide between "resolve --use-local"
and "resolve --use-remote". When no conflict is pending it says so and
exits successfully.`,
		RunE: runConflicts,
	}
}

// conflictReport is the JSON/text shape for "synccore conflicts".
type conflictReport struct {
	Pending       bool   `json:"pending"`
	RemoteSummary string `json:"remoteSummary,omitempty"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
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

	report := conflictReport{Pending: ok && summary != "", RemoteSummary: summary}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encoding JSON output: %w", err)
		}
	} else if report.Pending {
		fmt.Printf("Local data conflicts with remote summary %q.\n", report.RemoteSummary)
		fmt.Println("Run 'synccore resolve --use-local' or 'synccore resolve --use-remote' to continue.")
	} else {
		fmt.Println("No pending conflict.")
	}

	return nil
}
