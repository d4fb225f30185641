package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
)

var runColumnNames = []string{
	"id", "scheduled_action_id", "scheduled_for_at", "started_at", "finished_at", "status",
	"error", "result_summary", "delivery_ref", "duration_ms",
}

func TestLedger_Claim(t *testing.T) {
	mockDB, mock := newMock(t)
	ledger := NewLedger(mockDB)

	mock.ExpectQuery(`ON CONFLICT \(scheduled_action_id, scheduled_for_at\) DO NOTHING RETURNING id`).
		WithArgs(sqlmock.AnyArg(), "act-1", due, due, "running").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run_1"))
	mock.ExpectQuery(`ON CONFLICT`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	run, err := ledger.Claim(context.Background(), "act-1", due, due)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, schedule.RunRunning, run.Status)

	lost, err := ledger.Claim(context.Background(), "act-1", due, due)
	require.NoError(t, err)
	assert.Nil(t, lost, "a conflicting insert returns no row")
}

func TestLedger_RecordOutcome(t *testing.T) {
	mockDB, mock := newMock(t)
	ledger := NewLedger(mockDB)
	run := &schedule.Run{ID: "run_1", ScheduledActionID: "act-1", ScheduledForAt: due, StartedAt: due, Status: schedule.RunRunning}
	finished := due.Add(1200 * time.Millisecond)

	mock.ExpectExec(`UPDATE scheduled_action_runs SET`).
		WithArgs("succeeded", nil, "posted", "msg-1", finished, int64(1200), "run_1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.RecordOutcome(context.Background(), run, schedule.Succeeded("posted", "msg-1"), finished))
	assert.Equal(t, schedule.RunSucceeded, run.Status)
	assert.Equal(t, int64(1200), *run.DurationMS)

	// Already finished elsewhere
	mock.ExpectExec(`UPDATE scheduled_action_runs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT (.+) FROM scheduled_action_runs WHERE id = \$1`).
		WithArgs("run_1").
		WillReturnRows(sqlmock.NewRows(runColumnNames).
			AddRow("run_1", "act-1", due, due, finished, "succeeded", nil, "posted", "msg-1", int64(1200)))

	err := ledger.RecordOutcome(context.Background(), run, schedule.Failed(errors.New("again")), finished)
	assert.True(t, errors.IsConflictError(err))
}

func TestLedger_FindRun(t *testing.T) {
	mockDB, mock := newMock(t)
	ledger := NewLedger(mockDB)

	mock.ExpectQuery(`WHERE scheduled_action_id = \$1 AND scheduled_for_at = \$2`).
		WithArgs("act-1", due).
		WillReturnRows(sqlmock.NewRows(runColumnNames).
			AddRow("run_1", "act-1", due, due, nil, "running", nil, nil, nil, nil))
	mock.ExpectQuery(`WHERE scheduled_action_id = \$1 AND scheduled_for_at = \$2`).
		WillReturnRows(sqlmock.NewRows(runColumnNames))

	run, err := ledger.FindRun(context.Background(), "act-1", due)
	require.NoError(t, err)
	assert.Equal(t, schedule.RunRunning, run.Status)
	assert.Nil(t, run.FinishedAt)
	assert.Nil(t, run.DurationMS)

	_, err = ledger.FindRun(context.Background(), "act-1", due.Add(time.Hour))
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLedger_ListRuns(t *testing.T) {
	mockDB, mock := newMock(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM scheduled_action_runs WHERE scheduled_action_id = \$1 AND status = \$2`).
		WithArgs("act-1", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`LIMIT \$3 OFFSET \$4`).
		WithArgs("act-1", "failed", 50, 0).
		WillReturnRows(sqlmock.NewRows(runColumnNames).
			AddRow("run_1", "act-1", due, due, due, "failed", "boom", nil, nil, int64(0)))

	runs, total, err := NewLedger(mockDB).ListRuns(context.Background(), schedule.RunFilter{ActionID: "act-1", Status: schedule.RunFailed})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "boom", runs[0].Error)
}

func TestLedger_CleanupOldRuns(t *testing.T) {
	mockDB, mock := newMock(t)
	cutoff := due.AddDate(0, 0, -90)

	mock.ExpectExec(`DELETE FROM scheduled_action_runs`).
		WithArgs("running", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	deleted, err := NewLedger(mockDB).CleanupOldRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(12), deleted)
}
