package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/orchestrator"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current sync status",
		Long: `Report the orchestrator's current status (UNKNOWN, IN_SYNC, SYNCING,
or ERROR), the active client id, and the adapter cursor last recorded.`,
		RunE: runStatus,
	}
}

// statusReport is the JSON/text shape for "synccore status".
type statusReport struct {
	Status       string `json:"status"`
	ClientID     string `json:"clientId"`
	Provider     string `json:"provider"`
	Cursor       string `json:"cursor,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	HasConflict  bool   `json:"hasConflict"`
	ConflictInfo string `json:"conflictInfo,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	report, err := buildStatusReport(ctx, s, cc.Cfg.Sync.SyncProvider)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatusText(report)

	return nil
}

func buildStatusReport(ctx context.Context, s *stack, provider string) (statusReport, error) {
	cursor, _, err := s.Log.GetCursor(ctx, "adapter")
	if err != nil {
		return statusReport{}, fmt.Errorf("reading adapter cursor: %w", err)
	}

	pending, ok, err := s.Log.GetCursor(ctx, pendingConflictCursorKind)
	if err != nil {
		return statusReport{}, fmt.Errorf("reading pending conflict: %w", err)
	}

	hasConflict := ok && pending != ""

	report := statusReport{
		Status:       orchestrator.Unknown.String(),
		ClientID:     s.ClientID,
		Provider:     provider,
		Cursor:       cursor,
		HasConflict:  hasConflict,
		ConflictInfo: pending,
	}

	if status := s.Orch.Status(); status != nil {
		report.Status = status.Current().String()
		if lastErr := status.LastError(); lastErr != nil {
			report.LastError = lastErr.Error()
		}
	}

	return report, nil
}

func printStatusText(r statusReport) {
	colors := ansiColorsEnabled(os.Stdout)

	fmt.Printf("Status:   %s\n", colorize(colors, statusColor(r.Status), r.Status))
	fmt.Printf("Client:   %s\n", r.ClientID)
	fmt.Printf("Provider: %s\n", r.Provider)

	if r.Cursor != "" {
		fmt.Printf("Cursor:   %s\n", r.Cursor)
	}

	if r.LastError != "" {
		fmt.Printf("Error:    %s\n", colorize(colors, ansiRed, r.LastError))
	}

	if r.HasConflict {
		fmt.Printf("Conflict: %s (remote summary %q) — run 'synccore conflicts' then 'synccore resolve'\n",
			colorize(colors, ansiYellow, "pending"), r.ConflictInfo)
	}
}

// statusColor maps an orchestrator status string to its display color.
func statusColor(status string) string {
	switch status {
	case "IN_SYNC":
		return ansiGreen
	case "SYNCING", "UNKNOWN":
		return ansiYellow
	case "ERROR":
		return ansiRed
	default:
		return ""
	}
}
