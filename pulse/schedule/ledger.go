package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	ActionID string
	Status   RunStatus
	Limit    int
	Offset   int
}

// RunLedger records attempted occurrences. The unique (action,
// scheduled_for_at) key is what makes execution exactly-once.
type RunLedger interface {
	// Claim inserts a running row for the occurrence. When the occurrence
	// was already claimed it returns (nil, nil).
	Claim(ctx context.Context, actionID string, scheduledFor, startedAt time.Time) (*Run, error)
	// RecordOutcome finishes a running run and updates run in place.
	// Finishing an already finished run yields errors.ErrConflict.
	RecordOutcome(ctx context.Context, run *Run, outcome Outcome, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	FindRun(ctx context.Context, actionID string, scheduledFor time.Time) (*Run, error)
	// ListRuns returns matching runs newest first, with the total match count
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error)
	// CleanupOldRuns deletes finished runs that finished before cutoff
	CleanupOldRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// newRunID generates run identifiers
func newRunID() string {
	return "run_" + uuid.NewString()
}

// finish applies outcome to run
func finish(run *Run, outcome Outcome, finishedAt time.Time) {
	finishedAt = finishedAt.UTC()
	duration := finishedAt.Sub(run.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	run.Status = outcome.Status
	run.Error = outcome.Error
	run.ResultSummary = outcome.Summary
	run.DeliveryRef = outcome.DeliveryRef
	run.FinishedAt = &finishedAt
	run.DurationMS = &duration
}

func validateOutcome(outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return errors.AssertionFailedf("outcome status %q is not terminal", outcome.Status)
	}
	return nil
}

// SQLiteLedger is the RunLedger on SQLite
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger creates a ledger on a migrated database
func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

const runColumns = `
	id, scheduled_action_id, scheduled_for_at, started_at, finished_at, status,
	error, result_summary, delivery_ref, duration_ms`

// Claim inserts a running row; a unique violation means another
// dispatcher already owns the occurrence.
func (l *SQLiteLedger) Claim(ctx context.Context, actionID string, scheduledFor, startedAt time.Time) (*Run, error) {
	run := &Run{
		ID:                newRunID(),
		ScheduledActionID: actionID,
		ScheduledForAt:    scheduledFor.UTC(),
		StartedAt:         startedAt.UTC(),
		Status:            RunRunning,
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scheduled_action_runs (id, scheduled_action_id, scheduled_for_at, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID,
		run.ScheduledActionID,
		formatTime(run.ScheduledForAt),
		formatTime(run.StartedAt),
		run.Status,
	)
	if db.IsUniqueViolation(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetailf(
			errors.Wrap(err, "failed to claim occurrence"),
			"action_id: %s, scheduled_for_at: %s", actionID, formatTime(scheduledFor))
	}
	return run, nil
}

// RecordOutcome finishes a claimed run. Only rows still running are updated.
func (l *SQLiteLedger) RecordOutcome(ctx context.Context, run *Run, outcome Outcome, finishedAt time.Time) error {
	if err := validateOutcome(outcome); err != nil {
		return err
	}
	finished := *run
	finish(&finished, outcome, finishedAt)

	result, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_action_runs SET
			status = ?, error = ?, result_summary = ?, delivery_ref = ?,
			finished_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`,
		finished.Status,
		nullString(finished.Error),
		nullString(finished.ResultSummary),
		nullString(finished.DeliveryRef),
		nullTime(finished.FinishedAt),
		*finished.DurationMS,
		run.ID,
		RunRunning,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record outcome for run %s", run.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		if _, err := l.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return errors.NewConflictError("run %s is already finished", run.ID)
	}

	*run = finished
	return nil
}

// GetRun retrieves a run by ID
func (l *SQLiteLedger) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scheduled_action_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return run, nil
}

// FindRun retrieves the run for one occurrence
func (l *SQLiteLedger) FindRun(ctx context.Context, actionID string, scheduledFor time.Time) (*Run, error) {
	run, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scheduled_action_runs
		 WHERE scheduled_action_id = ? AND scheduled_for_at = ?`,
		actionID, formatTime(scheduledFor)))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run for action %s at %s", actionID, formatTime(scheduledFor))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find run for action %s", actionID)
	}
	return run, nil
}

// ListRuns returns runs with pagination and optional filters
func (l *SQLiteLedger) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error) {
	var where []string
	var args []interface{}
	if filter.ActionID != "" {
		where = append(where, "scheduled_action_id = ?")
		args = append(args, filter.ActionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_action_runs`+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count runs")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM scheduled_action_runs` + whereClause +
		` ORDER BY started_at DESC, scheduled_for_at DESC LIMIT ? OFFSET ?`
	rows, err := l.db.QueryContext(ctx, query, append(args, limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating runs")
	}
	return runs, total, nil
}

// CleanupOldRuns deletes finished runs older than cutoff. Running rows are
// never deleted since they still guard their occurrence.
func (l *SQLiteLedger) CleanupOldRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM scheduled_action_runs
		WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
		RunRunning, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return deleted, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var scheduledFor, startedAt string
	var finishedAt, runErr, summary, deliveryRef sql.NullString
	var duration sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.ScheduledActionID,
		&scheduledFor,
		&startedAt,
		&finishedAt,
		&run.Status,
		&runErr,
		&summary,
		&deliveryRef,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	if run.ScheduledForAt, err = parseTime(scheduledFor); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_for_at for run %s", run.ID)
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for run %s", run.ID)
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse finished_at for run %s", run.ID)
	}
	run.Error = runErr.String
	run.ResultSummary = summary.String
	run.DeliveryRef = deliveryRef.String
	if duration.Valid {
		d := duration.Int64
		run.DurationMS = &d
	}
	return &run, nil
}
