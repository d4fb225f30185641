package schedule

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	cadencetest "github.com/teranos/cadence/internal/testing"
)

func createTestDB(t *testing.T) *sql.DB {
	return cadencetest.CreateTestDB(t)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test time %q: %v", s, err)
	}
	return v
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func onceSpec(runAt time.Time) ScheduleSpec {
	return ScheduleSpec{Kind: "once", RunAt: &runAt}
}

func dailySpec(timeOfDay string) ScheduleSpec {
	return ScheduleSpec{Kind: "recurring", Rule: &RuleSpec{Frequency: "daily", TimeOfDay: timeOfDay}}
}

func reminderAction(schedule ScheduleSpec) ActionSpec {
	return ActionSpec{
		AccountID: "acct-1",
		AgentID:   "agent-1",
		ChatID:    "chat-1",
		Title:     "Stand-up",
		Timezone:  "UTC",
		Schedule:  schedule,
		Reminder:  &ReminderPayload{Message: "Stand-up in 5 minutes"},
	}
}

// fakeClock is a settable clock for Scheduler tests
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// recordingExecutor counts calls and returns a fixed outcome, or runs fn
type recordingExecutor struct {
	mu       sync.Mutex
	requests []ExecutionRequest
	outcome  Outcome
	fn       func(ctx context.Context, req ExecutionRequest) Outcome
}

func (e *recordingExecutor) Execute(ctx context.Context, req ExecutionRequest) Outcome {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	fn, outcome := e.fn, e.outcome
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return outcome
}

func (e *recordingExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type wake struct {
	ActionID  string
	NotBefore time.Time
}

// recordingDispatcher keeps every requested wake-up
type recordingDispatcher struct {
	mu    sync.Mutex
	wakes []wake
	err   error
}

func (d *recordingDispatcher) ScheduleWake(ctx context.Context, actionID string, notBefore time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.wakes = append(d.wakes, wake{actionID, notBefore})
	return nil
}

func (d *recordingDispatcher) last() (wake, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.wakes) == 0 {
		return wake{}, false
	}
	return d.wakes[len(d.wakes)-1], true
}
