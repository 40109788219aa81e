package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/synccore/internal/ops"
)

func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List recent operations from the local op log",
		Long: `Show operations awaiting upload followed by the most recently synced
ones, newest first — the local view of what the next cycle would push and
what already landed remotely.`,
		RunE: runLog,
	}

	cmd.Flags().IntP("limit", "n", 20, "maximum synced operations to show")

	return cmd
}

// logRow is the JSON/text shape for one "synccore log" line.
type logRow struct {
	ID         string `json:"id"`
	Time       int64  `json:"timestamp"`
	ActionType string `json:"actionType"`
	EntityID   string `json:"entityId,omitempty"`
	Size       int64  `json:"payloadBytes"`
	Synced     bool   `json:"synced"`
}

func runLog(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	s, err := buildStack(ctx, cc.Cfg, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer s.Close()

	unsynced, err := s.Log.GetUnsynced(ctx)
	if err != nil {
		return fmt.Errorf("reading unsynced operations: %w", err)
	}

	synced, err := s.Log.GetRecentSynced(ctx, limit)
	if err != nil {
		return fmt.Errorf("reading synced operations: %w", err)
	}

	rows := buildLogRows(unsynced, synced)

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	printLogText(rows)

	return nil
}

// buildLogRows flattens pending-upload ops (newest first, to match the
// synced half) and recently synced ops into display rows.
func buildLogRows(unsynced, synced []ops.Operation) []logRow {
	rows := make([]logRow, 0, len(unsynced)+len(synced))

	for i := len(unsynced) - 1; i >= 0; i-- {
		rows = append(rows, opToRow(unsynced[i], false))
	}

	for _, op := range synced {
		rows = append(rows, opToRow(op, true))
	}

	return rows
}

func opToRow(op ops.Operation, isSynced bool) logRow {
	return logRow{
		ID:         op.ID,
		Time:       op.Timestamp,
		ActionType: op.ActionType,
		EntityID:   op.EntityID,
		Size:       int64(len(op.Payload)),
		Synced:     isSynced,
	}
}

func printLogText(rows []logRow) {
	if len(rows) == 0 {
		fmt.Println("Op log is empty.")
		return
	}

	headers := []string{"TIME", "ACTION", "ENTITY", "SIZE", "STATE"}
	cells := make([][]string, 0, len(rows))

	for _, r := range rows {
		state := "synced"
		if !r.Synced {
			state = "pending"
		}

		cells = append(cells, []string{
			formatTime(time.UnixMilli(r.Time)),
			r.ActionType,
			r.EntityID,
			formatSize(r.Size),
			state,
		})
	}

	printTable(os.Stdout, headers, cells)
}
