package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/cadence/pulse/schedule"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatWhen(t *time.Time, loc *time.Location) string {
	if t == nil {
		return pterm.Gray("-")
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func statusColor(s schedule.Status) string {
	switch s {
	case schedule.StatusActive:
		return pterm.LightGreen(string(s))
	case schedule.StatusPaused:
		return pterm.Yellow(string(s))
	case schedule.StatusCanceled:
		return pterm.Gray(string(s))
	default:
		return pterm.LightCyan(string(s))
	}
}

func runStatusColor(s schedule.RunStatus) string {
	switch s {
	case schedule.RunSucceeded:
		return pterm.LightGreen(string(s))
	case schedule.RunFailed:
		return pterm.Red(string(s))
	case schedule.RunRunning:
		return pterm.LightCyan(string(s))
	case "":
		return pterm.Gray("-")
	default:
		return pterm.Yellow(string(s))
	}
}

// actionView is the JSON shape of an action
type actionView struct {
	ID            string                `json:"id"`
	AccountID     string                `json:"account_id"`
	AgentID       string                `json:"agent_id"`
	ChatID        string                `json:"chat_id,omitempty"`
	Title         string                `json:"title"`
	Status        schedule.Status       `json:"status"`
	Timezone      string                `json:"timezone"`
	RunMode       schedule.RunMode      `json:"run_mode"`
	Schedule      schedule.ScheduleSpec `json:"schedule"`
	Payload       schedule.Payload      `json:"payload"`
	NextRunAt     *time.Time            `json:"next_run_at"`
	LastRunAt     *time.Time            `json:"last_run_at"`
	LastRunStatus schedule.RunStatus    `json:"last_run_status,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	Version       int64                 `json:"version"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func viewOf(a *schedule.ScheduledAction) actionView {
	return actionView{
		ID:            a.ID,
		AccountID:     a.AccountID,
		AgentID:       a.AgentID,
		ChatID:        a.ChatID,
		Title:         a.Title,
		Status:        a.Status,
		Timezone:      a.Timezone,
		RunMode:       a.RunMode(),
		Schedule:      schedule.SpecOf(a.Definition()),
		Payload:       a.Payload,
		NextRunAt:     a.NextRunAt,
		LastRunAt:     a.LastRunAt,
		LastRunStatus: a.LastRunStatus,
		LastError:     a.LastError,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func printActions(actions []*schedule.ScheduledAction) error {
	if jsonOutput {
		views := make([]actionView, 0, len(actions))
		for _, a := range actions {
			views = append(views, viewOf(a))
		}
		return printJSON(views)
	}
	if len(actions) == 0 {
		pterm.Info.Println("No actions")
		return nil
	}

	data := pterm.TableData{{"ID", "Title", "Mode", "Schedule", "Status", "Next run", "Last run"}}
	for _, a := range actions {
		loc, _ := a.Location()
		data = append(data, []string{
			a.ID,
			a.Title,
			string(a.RunMode()),
			describeSchedule(a),
			statusColor(a.Status),
			formatWhen(a.NextRunAt, loc),
			runStatusColor(a.LastRunStatus),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func describeSchedule(a *schedule.ScheduledAction) string {
	if a.Kind == schedule.KindOnce {
		loc, _ := a.Location()
		return "once at " + formatWhen(a.RunAt, loc)
	}
	if a.Rule != nil {
		return a.Rule.String()
	}
	return string(a.Kind)
}

func printAction(a *schedule.ScheduledAction) error {
	if jsonOutput {
		return printJSON(viewOf(a))
	}
	loc, _ := a.Location()
	rows := [][]string{
		{"ID", a.ID},
		{"Title", a.Title},
		{"Status", statusColor(a.Status)},
		{"Account / agent", a.AccountID + " / " + a.AgentID},
		{"Chat", a.ChatID},
		{"Mode", string(a.RunMode())},
		{"Schedule", describeSchedule(a)},
		{"Timezone", a.Timezone},
		{"Next run", formatWhen(a.NextRunAt, loc)},
		{"Last run", formatWhen(a.LastRunAt, loc) + " " + runStatusColor(a.LastRunStatus)},
	}
	if a.LastError != "" {
		rows = append(rows, []string{"Last error", pterm.Red(a.LastError)})
	}
	switch p := a.Payload.(type) {
	case schedule.ReminderPayload:
		rows = append(rows, []string{"Message", p.Message})
	case schedule.AutomationPayload:
		args, _ := json.Marshal(p.Arguments)
		rows = append(rows, []string{"Tool", p.ToolName}, []string{"Arguments", string(args)})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func printRuns(runs []*schedule.Run, total int) error {
	if jsonOutput {
		return printJSON(map[string]any{"runs": runs, "total": total})
	}
	if len(runs) == 0 {
		pterm.Info.Println("No runs")
		return nil
	}
	data := pterm.TableData{{"Run", "Scheduled for", "Status", "Duration", "Result"}}
	for _, r := range runs {
		duration := "-"
		if r.DurationMS != nil {
			duration = (time.Duration(*r.DurationMS) * time.Millisecond).String()
		}
		result := r.ResultSummary
		if r.Error != "" {
			result = pterm.Red(r.Error)
		}
		data = append(data, []string{
			r.ID,
			formatWhen(&r.ScheduledForAt, time.UTC),
			runStatusColor(r.Status),
			duration,
			result,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printf("%s\n", pterm.Gray(fmt.Sprintf("%d of %d runs", len(runs), total)))
	return nil
}
