package schedule

import (
	"context"
	"time"
)

// RunStatus is the state of one attempted occurrence
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled" // dispatch context ended during execution
	RunSkipped   RunStatus = "skipped"  // claimed too late to execute
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s != RunRunning && s != ""
}

// Run is a ledger row: one attempted occurrence of a scheduled action.
// At most one Run exists per (ScheduledActionID, ScheduledForAt).
type Run struct {
	ID                string     `json:"id"`
	ScheduledActionID string     `json:"scheduled_action_id"`
	ScheduledForAt    time.Time  `json:"scheduled_for_at"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Status            RunStatus  `json:"status"`
	Error             string     `json:"error,omitempty"`
	ResultSummary     string     `json:"result_summary,omitempty"`
	DeliveryRef       string     `json:"delivery_ref,omitempty"`
	DurationMS        *int64     `json:"duration_ms,omitempty"`
}

// Outcome is what an Executor reports for one run
type Outcome struct {
	Status      RunStatus // RunSucceeded or RunFailed
	Error       string
	Summary     string
	DeliveryRef string
}

// Succeeded builds a successful outcome
func Succeeded(summary, deliveryRef string) Outcome {
	return Outcome{Status: RunSucceeded, Summary: summary, DeliveryRef: deliveryRef}
}

// Failed builds a failed outcome from err
func Failed(err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: RunFailed, Error: msg}
}

// ExecutionRequest carries one claimed occurrence to the Executor.
// Payload and RunMode are passed through unmodified.
type ExecutionRequest struct {
	ActionID     string
	RunID        string
	AccountID    string
	AgentID      string
	ChatID       string
	Title        string
	Timezone     string
	RunMode      RunMode
	Payload      Payload
	ScheduledFor time.Time
}

// Executor performs the work of an occurrence. It is called at most once
// per claimed run; the caller imposes no timeout.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) Outcome
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) Outcome {
	return f(ctx, req)
}

// Dispatcher arranges for Scheduler.DispatchNow(actionID) to be called at
// or after notBefore. Delivery is at-least-once and may be early or late.
type Dispatcher interface {
	ScheduleWake(ctx context.Context, actionID string, notBefore time.Time) error
}
