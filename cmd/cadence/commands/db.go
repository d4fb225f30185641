package commands

import (
	"context"
	"database/sql"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Database migrations and statistics",
	Long: sym.DB + ` db — cadence database operations

Migrations are embedded in the binary and also run automatically whenever
a command opens the database.

Examples:
  cadence db migrate
  cadence db stats`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			target := e.cfg.Database.Path
			if e.cfg.Database.Driver == am.DriverPostgres {
				target = "(postgres)"
			}
			pterm.Success.Printf("%s Database %s is up to date\n", sym.DB, target)
			return nil
		})
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count actions, runs and pending wake-ups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			actions, err := countByStatus(ctx, e.db, "scheduled_actions")
			if err != nil {
				return err
			}
			runs, err := countByStatus(ctx, e.db, "scheduled_action_runs")
			if err != nil {
				return err
			}
			wakes, err := e.queue.Len(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{"actions": actions, "runs": runs, "pending_wakes": wakes})
			}
			pterm.DefaultSection.Println(sym.DB + " Database statistics")
			data := pterm.TableData{{"Table", "Status", "Count"}}
			for _, c := range actions {
				data = append(data, []string{"actions", c.Status, pterm.Sprint(c.Count)})
			}
			for _, c := range runs {
				data = append(data, []string{"runs", c.Status, pterm.Sprint(c.Count)})
			}
			data = append(data, []string{"wake-ups", "pending", pterm.Sprint(wakes)})
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

type statusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// countByStatus works unchanged on sqlite and postgres
func countByStatus(ctx context.Context, db *sql.DB, table string) ([]statusCount, error) {
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM "+table+" GROUP BY status ORDER BY status")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to count %s", table)
	}
	defer rows.Close()

	var out []statusCount
	for rows.Next() {
		var c statusCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s count", table)
		}
		out = append(out, c)
	}
	return out, errors.Wrapf(rows.Err(), "failed to iterate %s counts", table)
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
