package commands

import (
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
	"github.com/teranos/cadence/sym"
)

// PreviewCmd lists upcoming occurrences without touching the database
var PreviewCmd = &cobra.Command{
	Use:   "preview",
	Short: sym.Pulse + " List upcoming occurrences of a schedule",
	Long: `Compute the next occurrences of a schedule. Nothing is stored.

The schedule comes from a file (-f, same shape as "action reschedule") or
from flags describing a recurring rule.

Examples:
  cadence preview --every daily --at 07:30 --tz America/New_York
  cadence preview --every weekly --interval 2 --days tue,thu --at 18:00
  cadence preview --every monthly --day 31 --at 09:00 --count 6
  cadence preview -f schedule.yaml --from 2026-12-01T00:00:00Z`,
	Args: cobra.NoArgs,
	RunE: runPreview,
}

var (
	previewEvery    string
	previewInterval int
	previewDays     string
	previewAt       string
	previewDay      int
	previewTZ       string
	previewFrom     string
	previewCount    int
)

func runPreview(cmd *cobra.Command, args []string) error {
	spec, err := previewSpec(cmd)
	if err != nil {
		return err
	}
	def, err := spec.Definition()
	if err != nil {
		return err
	}

	tz := previewTZ
	if tz == "" {
		if cfg, err := loadConfig(); err == nil {
			tz = cfg.Pulse.DefaultTimezone
		} else {
			tz = "UTC"
		}
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return errors.NewInvalidRequestError("unknown timezone %q", tz)
	}

	from := time.Now()
	if previewFrom != "" {
		if from, err = time.Parse(time.RFC3339, previewFrom); err != nil {
			return errors.NewInvalidRequestError("--from must be RFC3339: %v", err)
		}
	}

	times := schedule.Preview(def, from, loc, previewCount)
	if jsonOutput {
		return printJSON(times)
	}
	if len(times) == 0 {
		pterm.Warning.Println("No occurrences after", from.In(loc).Format(time.RFC3339))
		return nil
	}
	data := pterm.TableData{{"#", "Local", "UTC"}}
	for i, t := range times {
		data = append(data, []string{
			pterm.Gray(i + 1),
			t.In(loc).Format("Mon 2006-01-02 15:04 MST"),
			t.UTC().Format(time.RFC3339),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func previewSpec(cmd *cobra.Command) (*schedule.ScheduleSpec, error) {
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := readDefinition(cmd)
		if err != nil {
			return nil, err
		}
		return schedule.DecodeScheduleFile(data)
	}
	if previewEvery == "" {
		return nil, errors.NewInvalidRequestError("either --file or --every is required")
	}

	rule := &schedule.RuleSpec{
		Frequency: previewEvery,
		TimeOfDay: previewAt,
	}
	if cmd.Flags().Changed("interval") {
		rule.Interval = &previewInterval
	}
	if previewDays != "" {
		rule.DaysOfWeek = strings.Split(previewDays, ",")
	}
	if cmd.Flags().Changed("day") {
		rule.DayOfMonth = &previewDay
	}
	return &schedule.ScheduleSpec{Kind: string(schedule.KindRecurring), Rule: rule}, nil
}

func init() {
	bindPreviewFlags(PreviewCmd)
}

func bindPreviewFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("file", "f", "", "Schedule definition (YAML or JSON)")
	cmd.Flags().StringVar(&previewEvery, "every", "", "Frequency: daily, weekly, monthly")
	cmd.Flags().IntVar(&previewInterval, "interval", 1, "Repeat every N days/weeks/months")
	cmd.Flags().StringVar(&previewDays, "days", "", "Weekdays for weekly rules, e.g. mon,wed,fri")
	cmd.Flags().StringVar(&previewAt, "at", "09:00", "Local time of day, HH:MM")
	cmd.Flags().IntVar(&previewDay, "day", 0, "Day of month for monthly rules")
	cmd.Flags().StringVar(&previewTZ, "tz", "", "IANA timezone (default: pulse.default_timezone)")
	cmd.Flags().StringVar(&previewFrom, "from", "", "Start after this RFC3339 instant (default: now)")
	cmd.Flags().IntVarP(&previewCount, "count", "n", 5, "Number of occurrences")
}
