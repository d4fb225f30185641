package commands

import (
	"context"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/sym"
)

// RunsCmd lists ledger entries for an action
var RunsCmd = &cobra.Command{
	Use:   "runs <action-id>",
	Short: sym.SO + " Inspect the run ledger",
	Long: sym.SO + ` runs — the ledger of attempted occurrences

Every occurrence that was claimed has exactly one run, whether it succeeded,
failed, was skipped for lateness, or was canceled by shutdown.

Examples:
  cadence runs act_123
  cadence runs act_123 --status failed
  cadence runs cleanup --older-than 720h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := schedule.RunStatus(strings.ToLower(runsStatus))
		switch status {
		case "", schedule.RunRunning, schedule.RunSucceeded, schedule.RunFailed, schedule.RunCanceled, schedule.RunSkipped:
		default:
			return errors.NewInvalidRequestError("unknown run status %q", runsStatus)
		}

		return withEngine(func(ctx context.Context, e *engine) error {
			if _, err := e.store.GetAction(ctx, args[0]); err != nil {
				return err
			}
			runs, total, err := e.ledger.ListRuns(ctx, schedule.RunFilter{
				ActionID: args[0],
				Status:   status,
				Limit:    runsLimit,
				Offset:   runsOffset,
			})
			if err != nil {
				return err
			}
			return printRuns(runs, total)
		})
	},
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished runs older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			retention := e.cfg.Pulse.RunRetention()
			if cmd.Flags().Changed("older-than") {
				retention = runsOlderThan
			}
			if retention <= 0 {
				return errors.NewInvalidRequestError("retention is disabled; pass --older-than")
			}
			deleted, err := e.scheduler.CleanupOldRuns(ctx, retention)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"deleted": deleted})
			}
			pterm.Success.Printf("Deleted %d runs finished more than %s ago\n", deleted, retention)
			return nil
		})
	},
}

var (
	runsStatus    string
	runsLimit     int
	runsOffset    int
	runsOlderThan time.Duration
)

func init() {
	RunsCmd.Flags().StringVar(&runsStatus, "status", "", "Filter by status (running, succeeded, failed, canceled, skipped)")
	RunsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")
	RunsCmd.Flags().IntVar(&runsOffset, "offset", 0, "Skip this many runs")

	runsCleanupCmd.Flags().DurationVar(&runsOlderThan, "older-than", 0, "Override pulse.run_retention_days")
	RunsCmd.AddCommand(runsCleanupCmd)
}
