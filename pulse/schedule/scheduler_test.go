package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

type schedulerFixture struct {
	scheduler  *Scheduler
	store      *SQLiteStore
	ledger     *SQLiteLedger
	executor   *recordingExecutor
	dispatcher *recordingDispatcher
	clock      *fakeClock
}

func newSchedulerFixture(t *testing.T, cfg SchedulerConfig) *schedulerFixture {
	t.Helper()
	db := createTestDB(t)
	f := &schedulerFixture{
		store:      NewSQLiteStore(db),
		ledger:     NewSQLiteLedger(db),
		executor:   &recordingExecutor{outcome: Succeeded("delivered", "msg-1")},
		dispatcher: &recordingDispatcher{},
		clock:      newFakeClock(mustTime(t, "2026-03-10T08:30:00Z")),
	}
	cfg.Now = f.clock.Now
	f.scheduler = NewScheduler(f.store, f.ledger, f.dispatcher, f.executor, cfg, logger.Logger)
	return f
}

func (f *schedulerFixture) get(t *testing.T, id string) *ScheduledAction {
	t.Helper()
	a, err := f.store.GetAction(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestScheduler_OnceLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(onceSpec(due)))
	require.NoError(t, err)
	armed, ok := f.dispatcher.last()
	require.True(t, ok)
	assert.Equal(t, wake{a.ID, due}, armed)

	// Early wake-ups re-arm without executing
	f.clock.Set(mustTime(t, "2026-03-10T08:45:00Z"))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchEarly, result)
	assert.Equal(t, 0, f.executor.calls())
	assert.Len(t, f.dispatcher.wakes, 2)

	f.clock.Set(due.Add(5 * time.Second))
	result, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchExecuted, result)
	require.Equal(t, 1, f.executor.calls())

	req := f.executor.requests[0]
	assert.Equal(t, a.ID, req.ActionID)
	assert.Equal(t, RunModeReminder, req.RunMode)
	assert.Equal(t, ReminderPayload{Message: "Stand-up in 5 minutes"}, req.Payload)
	assert.Equal(t, due, req.ScheduledFor)
	assert.Equal(t, "chat-1", req.ChatID)

	stored := f.get(t, a.ID)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Nil(t, stored.NextRunAt)
	assert.Equal(t, RunSucceeded, stored.LastRunStatus)
	assert.Equal(t, due.Add(5*time.Second), *stored.LastRunAt)

	run, err := f.ledger.FindRun(ctx, a.ID, due)
	require.NoError(t, err)
	assert.Equal(t, req.RunID, run.ID)
	assert.Equal(t, "delivered", run.ResultSummary)
	assert.Equal(t, "msg-1", run.DeliveryRef)

	// Wake-ups after completion are harmless
	result, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchInactive, result)
	assert.Equal(t, 1, f.executor.calls())

	// Canceling a completed action keeps its history
	canceled, err := f.scheduler.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, canceled.Status)
	after := f.get(t, a.ID)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Nil(t, after.CanceledAt)
	assert.Equal(t, stored.Version, after.Version, "no write for a completed action")
}

func TestScheduler_RecurringAdvancesAndRearms(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)

	for day := 0; day < 3; day++ {
		due := mustTime(t, "2026-03-10T09:00:00Z").AddDate(0, 0, day)
		f.clock.Set(due)
		result, err := f.scheduler.DispatchNow(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, DispatchExecuted, result)

		next := due.AddDate(0, 0, 1)
		assert.Equal(t, next, *f.get(t, a.ID).NextRunAt)
		armed, _ := f.dispatcher.last()
		assert.Equal(t, wake{a.ID, next}, armed)
	}

	_, total, err := f.ledger.ListRuns(ctx, RunFilter{ActionID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestScheduler_DuplicateWakeExecutesOnce(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)

	// Another dispatcher holds the claim and has not finished yet
	_, err = f.ledger.Claim(ctx, a.ID, due, due)
	require.NoError(t, err)

	f.clock.Set(due.Add(time.Second))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchDuplicate, result)
	assert.Equal(t, 0, f.executor.calls())
	assert.Equal(t, due, *f.get(t, a.ID).NextRunAt)
}

func TestScheduler_RepairsFinishedOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)

	// A previous dispatch recorded its outcome and crashed before saving
	run, err := f.ledger.Claim(ctx, a.ID, due, due)
	require.NoError(t, err)
	require.NoError(t, f.ledger.RecordOutcome(ctx, run, Failed(errors.New("chat offline")), due.Add(time.Second)))

	f.clock.Set(due.Add(time.Minute))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchRepaired, result)
	assert.Equal(t, 0, f.executor.calls(), "repair never re-executes")

	stored := f.get(t, a.ID)
	assert.Equal(t, due.AddDate(0, 0, 1), *stored.NextRunAt)
	assert.Equal(t, RunFailed, stored.LastRunStatus)
	assert.Equal(t, "chat offline", stored.LastError)
}

func TestScheduler_ClosesStaleClaims(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{StaleRunAfter: 10 * time.Minute})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	stuck, err := f.ledger.Claim(ctx, a.ID, due, due)
	require.NoError(t, err)

	f.clock.Set(due.Add(5 * time.Minute))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchDuplicate, result, "not stale yet")

	f.clock.Set(due.Add(time.Hour))
	result, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchRepaired, result)
	assert.Equal(t, 0, f.executor.calls())

	closed, err := f.ledger.GetRun(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, closed.Status)
	assert.Contains(t, closed.Error, "abandoned")
	assert.Equal(t, due.AddDate(0, 0, 1), *f.get(t, a.ID).NextRunAt)
}

func TestScheduler_SkipsLateOccurrences(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{MaxLateness: 5 * time.Minute})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)

	f.clock.Set(due.Add(3 * time.Hour))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchSkipped, result)
	assert.Equal(t, 0, f.executor.calls())

	run, err := f.ledger.FindRun(ctx, a.ID, due)
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, run.Status)

	stored := f.get(t, a.ID)
	assert.Equal(t, RunSkipped, stored.LastRunStatus)
	assert.Equal(t, due.AddDate(0, 0, 1), *stored.NextRunAt)
}

func TestScheduler_ExecutorFailures(t *testing.T) {
	due := mustTime(t, "2026-03-10T09:00:00Z")

	tests := []struct {
		name    string
		fn      func(ctx context.Context, req ExecutionRequest) Outcome
		status  RunStatus
		errText string
	}{
		{
			name:    "failed outcome",
			fn:      func(context.Context, ExecutionRequest) Outcome { return Failed(errors.New("tool exploded")) },
			status:  RunFailed,
			errText: "tool exploded",
		},
		{
			name:    "panic",
			fn:      func(context.Context, ExecutionRequest) Outcome { panic("nil map") },
			status:  RunFailed,
			errText: "executor panic: nil map",
		},
		{
			name:    "invalid status",
			fn:      func(context.Context, ExecutionRequest) Outcome { return Outcome{Status: RunSkipped} },
			status:  RunFailed,
			errText: "invalid status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newSchedulerFixture(t, SchedulerConfig{})
			f.executor.fn = tt.fn

			a, err := f.scheduler.CreateAction(ctx, reminderAction(onceSpec(due)))
			require.NoError(t, err)
			f.clock.Set(due)

			result, err := f.scheduler.DispatchNow(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, DispatchExecuted, result)

			run, err := f.ledger.FindRun(ctx, a.ID, due)
			require.NoError(t, err)
			assert.Equal(t, tt.status, run.Status)
			assert.Contains(t, run.Error, tt.errText)

			stored := f.get(t, a.ID)
			assert.Equal(t, StatusCompleted, stored.Status, "failed occurrences still advance")
			assert.Equal(t, tt.status, stored.LastRunStatus)
		})
	}
}

func TestScheduler_NoExecutor(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	f.scheduler.executor = nil
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(onceSpec(due)))
	require.NoError(t, err)
	f.clock.Set(due)

	_, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "no executor configured", f.get(t, a.ID).LastError)
}

func TestScheduler_ContextCanceledDuringRun(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(context.Background(), reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	f.clock.Set(due)

	ctx, cancel := context.WithCancel(context.Background())
	f.executor.fn = func(ctx context.Context, req ExecutionRequest) Outcome {
		cancel()
		return Succeeded("partial", "")
	}

	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchExecuted, result)

	run, err := f.ledger.FindRun(context.Background(), a.ID, due)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status, "a delivered occurrence stays succeeded")
	assert.Equal(t, "partial", run.ResultSummary)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, due.AddDate(0, 0, 1), *f.get(t, a.ID).NextRunAt)
}

func TestScheduler_ContextCanceledDuringFailedRun(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(context.Background(), reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	f.clock.Set(due)

	ctx, cancel := context.WithCancel(context.Background())
	f.executor.fn = func(ctx context.Context, req ExecutionRequest) Outcome {
		cancel()
		return Failed(ctx.Err())
	}

	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchExecuted, result)

	run, err := f.ledger.FindRun(context.Background(), a.ID, due)
	require.NoError(t, err)
	assert.Equal(t, RunCanceled, run.Status, "recorded even though the dispatch context ended")
	assert.NotEmpty(t, run.Error)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, due.AddDate(0, 0, 1), *f.get(t, a.ID).NextRunAt)
}

func TestScheduler_CancelDuringRun(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	f.clock.Set(due)

	f.executor.fn = func(ctx context.Context, req ExecutionRequest) Outcome {
		_, err := f.scheduler.Cancel(ctx, req.ActionID)
		assert.NoError(t, err)
		return Succeeded("sent", "")
	}
	wakesBefore := len(f.dispatcher.wakes)

	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchExecuted, result)

	stored := f.get(t, a.ID)
	assert.Equal(t, StatusCanceled, stored.Status, "the in-flight occurrence completes and cancel wins")
	assert.Nil(t, stored.NextRunAt)
	assert.Equal(t, RunSucceeded, stored.LastRunStatus)
	assert.Len(t, f.dispatcher.wakes, wakesBefore, "canceled actions are not re-armed")

	result, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchInactive, result)
}

func TestScheduler_MissingAction(t *testing.T) {
	f := newSchedulerFixture(t, SchedulerConfig{})
	result, err := f.scheduler.DispatchNow(context.Background(), "act_nope")
	require.NoError(t, err)
	assert.Equal(t, DispatchMissing, result)
}

func TestScheduler_LifecycleOperations(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)

	paused, err := f.scheduler.Pause(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	f.clock.Set(mustTime(t, "2026-03-10T09:00:00Z"))
	result, err := f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, DispatchInactive, result)

	f.clock.Set(mustTime(t, "2026-03-12T12:00:00Z"))
	resumed, err := f.scheduler.Resume(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2026-03-13T09:00:00Z"), *resumed.NextRunAt)

	updated, err := f.scheduler.UpdateSchedule(ctx, a.ID, dailySpec("13:30"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2026-03-12T13:30:00Z"), *updated.NextRunAt)
	armed, _ := f.dispatcher.last()
	assert.Equal(t, wake{a.ID, *updated.NextRunAt}, armed)

	_, err = f.scheduler.UpdateSchedule(ctx, a.ID, ScheduleSpec{Kind: "weekly"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.scheduler.Cancel(ctx, a.ID)
	require.NoError(t, err)
	again, err := f.scheduler.Cancel(ctx, a.ID)
	require.NoError(t, err, "cancel is idempotent")
	assert.Equal(t, StatusCanceled, again.Status)

	_, err = f.scheduler.UpdateSchedule(ctx, a.ID, dailySpec("10:00"))
	assert.True(t, errors.IsConflictError(err))
	_, err = f.scheduler.Resume(ctx, a.ID)
	assert.True(t, errors.IsConflictError(err))

	_, err = f.scheduler.Cancel(ctx, "act_nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestScheduler_CreateSurvivesDispatcherFailure(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	f.dispatcher.err = errors.New("queue unavailable")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, f.get(t, a.ID).Status)

	_, err = f.scheduler.CreateAction(ctx, ActionSpec{})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScheduler_CleanupOldRuns(t *testing.T) {
	ctx := context.Background()
	f := newSchedulerFixture(t, SchedulerConfig{})
	due := mustTime(t, "2026-03-10T09:00:00Z")

	a, err := f.scheduler.CreateAction(ctx, reminderAction(dailySpec("09:00")))
	require.NoError(t, err)
	f.clock.Set(due)
	_, err = f.scheduler.DispatchNow(ctx, a.ID)
	require.NoError(t, err)

	deleted, err := f.scheduler.CleanupOldRuns(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted, "zero retention keeps everything")

	f.clock.Set(due.AddDate(0, 0, 100))
	deleted, err = f.scheduler.CleanupOldRuns(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
