package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/cmd/cadence/commands"
	"github.com/teranos/cadence/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "cadence - scheduled reminders and automations",
	Long: `cadence schedules one-time and recurring actions for agents.

An action is either a reminder (a message posted into a chat) or an
automation (a tool run with arguments). Each occurrence is claimed in a run
ledger before it executes, so duplicate wake-ups never run it twice.

Available commands:
  action  - Create and manage scheduled actions
  runs    - Inspect the run ledger
  pulse   - Run the scheduling daemon
  db      - Database migrations and statistics
  am      - Show and manage configuration
  preview - List upcoming occurrences of a schedule

Examples:
  cadence action create -f standup.yaml
  cadence action list --agent agent-1
  cadence pulse start
  cadence preview --every weekly --days mon,wed,fri --at 09:00 --tz Europe/Berlin`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Setup(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().String("config", "", "Path to cadence.toml (default: search project tree and user config)")
	rootCmd.PersistentFlags().Bool("json", false, "Machine-readable output")

	rootCmd.AddCommand(commands.ActionCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PreviewCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
