package commands

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/sym"
)

// ActionCmd groups the scheduled action commands
var ActionCmd = &cobra.Command{
	Use:   "action",
	Short: sym.AT + " Create and manage scheduled actions",
	Long: sym.AT + ` action — one-time and recurring reminders and automations

Actions are defined in YAML or JSON:

  account_id: acct-1
  agent_id: agent-1
  chat_id: chat-1
  title: Stand-up
  timezone: Europe/Berlin
  schedule:
    kind: recurring
    rule: {frequency: weekly, interval: 1, days_of_week: [mon, wed, fri], time_of_day: "09:00"}
  reminder:
    message: Stand-up in 5 minutes

Examples:
  cadence action create -f standup.yaml
  cadence action list --agent agent-1 --status active
  cadence action reschedule act_123 -f schedule.yaml
  cadence action dispatch act_123`,
}

var actionCreateCmd = &cobra.Command{
	Use:   "create -f <file>",
	Short: "Create an action from a YAML or JSON definition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readDefinition(cmd)
		if err != nil {
			return err
		}
		spec, err := schedule.DecodeActionFile(data)
		if err != nil {
			return err
		}

		return withEngine(func(ctx context.Context, e *engine) error {
			if spec.Timezone == "" {
				spec.Timezone = e.cfg.Pulse.DefaultTimezone
			}
			a, err := e.scheduler.CreateAction(ctx, *spec)
			if err != nil {
				return err
			}
			if !jsonOutput {
				pterm.Success.Printf("Created %s\n", a.ID)
			}
			return printAction(a)
		})
	},
}

var (
	listAccount string
	listAgent   string
	listStatus  string
	listLimit   int
)

var actionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := schedule.Status(strings.ToLower(listStatus))
		switch status {
		case "", schedule.StatusActive, schedule.StatusPaused, schedule.StatusCanceled, schedule.StatusCompleted:
		default:
			return errors.NewInvalidRequestError("unknown status %q", listStatus)
		}

		return withEngine(func(ctx context.Context, e *engine) error {
			actions, err := e.store.ListActions(ctx, schedule.ActionFilter{
				AccountID: listAccount,
				AgentID:   listAgent,
				Status:    status,
				Limit:     listLimit,
			})
			if err != nil {
				return err
			}
			return printActions(actions)
		})
	},
}

var actionShowCmd = &cobra.Command{
	Use:   "show <action-id>",
	Short: "Show one action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			a, err := e.store.GetAction(ctx, args[0])
			if err != nil {
				return err
			}
			return printAction(a)
		})
	},
}

var actionRescheduleCmd = &cobra.Command{
	Use:   "reschedule <action-id> -f <file>",
	Short: "Replace an action's schedule",
	Long: `Replace the schedule of an active or paused action. The file holds only
the schedule block:

  kind: once
  run_at: 2026-11-02T08:30:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readDefinition(cmd)
		if err != nil {
			return err
		}
		spec, err := schedule.DecodeScheduleFile(data)
		if err != nil {
			return err
		}
		return withEngine(func(ctx context.Context, e *engine) error {
			a, err := e.scheduler.UpdateSchedule(ctx, args[0], *spec)
			if err != nil {
				return err
			}
			return printAction(a)
		})
	},
}

func lifecycleCmd(use, short, done string, op func(*schedule.Scheduler, context.Context, string) (*schedule.ScheduledAction, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *engine) error {
				a, err := op(e.scheduler, ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(viewOf(a))
				}
				pterm.Success.Printf("%s %s\n", done, a.ID)
				return nil
			})
		},
	}
}

var actionDispatchCmd = &cobra.Command{
	Use:   "dispatch <action-id>",
	Short: "Run DispatchNow for an action immediately",
	Long: `Dispatch an action in this process, as if its wake-up had arrived.
Early actions are re-armed rather than executed; already claimed occurrences
are not executed again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			result, err := e.scheduler.DispatchNow(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"action_id": args[0], "result": result})
			}
			pterm.Info.Printf("%s %s: %s\n", sym.Pulse, args[0], result)
			return nil
		})
	},
}

func readDefinition(cmd *cobra.Command) ([]byte, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		return nil, errors.NewInvalidRequestError("--file is required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// withEngine opens the engine for one command and closes it afterwards
func withEngine(fn func(ctx context.Context, e *engine) error) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(context.Background(), e)
}

func init() {
	actionCreateCmd.Flags().StringP("file", "f", "", "Action definition (YAML or JSON, - for stdin)")
	actionRescheduleCmd.Flags().StringP("file", "f", "", "Schedule definition (YAML or JSON, - for stdin)")

	actionListCmd.Flags().StringVar(&listAccount, "account", "", "Filter by account id")
	actionListCmd.Flags().StringVar(&listAgent, "agent", "", "Filter by agent id")
	actionListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (active, paused, canceled, completed)")
	actionListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum actions to list")

	ActionCmd.AddCommand(actionCreateCmd)
	ActionCmd.AddCommand(actionListCmd)
	ActionCmd.AddCommand(actionShowCmd)
	ActionCmd.AddCommand(actionRescheduleCmd)
	ActionCmd.AddCommand(lifecycleCmd("cancel", "Cancel an action", "Canceled", (*schedule.Scheduler).Cancel))
	ActionCmd.AddCommand(lifecycleCmd("pause", "Pause an active action", "Paused", (*schedule.Scheduler).Pause))
	ActionCmd.AddCommand(lifecycleCmd("resume", "Resume a paused action from now", "Resumed", (*schedule.Scheduler).Resume))
	ActionCmd.AddCommand(actionDispatchCmd)
}
