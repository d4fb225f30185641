package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
)

// Ledger is the schedule.RunLedger on PostgreSQL
type Ledger struct {
	db *sql.DB
}

// NewLedger creates a ledger on a database migrated with db.MigratePostgres
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

var _ schedule.RunLedger = (*Ledger)(nil)

const runColumns = `
	id, scheduled_action_id, scheduled_for_at, started_at, finished_at, status,
	error, result_summary, delivery_ref, duration_ms`

// Claim inserts a running row. ON CONFLICT DO NOTHING returns no row when
// the occurrence is already owned, which is reported as (nil, nil).
func (l *Ledger) Claim(ctx context.Context, actionID string, scheduledFor, startedAt time.Time) (*schedule.Run, error) {
	run := &schedule.Run{
		ID:                "run_" + uuid.NewString(),
		ScheduledActionID: actionID,
		ScheduledForAt:    scheduledFor.UTC(),
		StartedAt:         startedAt.UTC(),
		Status:            schedule.RunRunning,
	}

	var id string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_action_runs (id, scheduled_action_id, scheduled_for_at, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scheduled_action_id, scheduled_for_at) DO NOTHING
		RETURNING id`,
		run.ID, run.ScheduledActionID, run.ScheduledForAt, run.StartedAt, string(run.Status),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetailf(
			errors.Wrap(err, "failed to claim occurrence"),
			"action_id: %s, scheduled_for_at: %s", actionID, scheduledFor.UTC().Format(time.RFC3339))
	}
	return run, nil
}

// RecordOutcome finishes a claimed run. Only rows still running are updated.
func (l *Ledger) RecordOutcome(ctx context.Context, run *schedule.Run, outcome schedule.Outcome, finishedAt time.Time) error {
	if !outcome.Status.IsTerminal() {
		return errors.AssertionFailedf("outcome status %q is not terminal", outcome.Status)
	}
	finishedAt = finishedAt.UTC()
	duration := finishedAt.Sub(run.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE scheduled_action_runs SET
			status = $1, error = $2, result_summary = $3, delivery_ref = $4,
			finished_at = $5, duration_ms = $6
		WHERE id = $7 AND status = $8`,
		string(outcome.Status),
		nullString(outcome.Error),
		nullString(outcome.Summary),
		nullString(outcome.DeliveryRef),
		finishedAt,
		duration,
		run.ID,
		string(schedule.RunRunning),
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

	run.Status = outcome.Status
	run.Error = outcome.Error
	run.ResultSummary = outcome.Summary
	run.DeliveryRef = outcome.DeliveryRef
	run.FinishedAt = &finishedAt
	run.DurationMS = &duration
	return nil
}

// GetRun retrieves a run by ID
func (l *Ledger) GetRun(ctx context.Context, id string) (*schedule.Run, error) {
	run, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scheduled_action_runs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get run %s", id)
	}
	return run, nil
}

// FindRun retrieves the run for one occurrence
func (l *Ledger) FindRun(ctx context.Context, actionID string, scheduledFor time.Time) (*schedule.Run, error) {
	run, err := scanRun(l.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM scheduled_action_runs
		 WHERE scheduled_action_id = $1 AND scheduled_for_at = $2`,
		actionID, scheduledFor.UTC()))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run for action %s at %s", actionID, scheduledFor.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find run for action %s", actionID)
	}
	return run, nil
}

// ListRuns returns runs newest first with the total match count
func (l *Ledger) ListRuns(ctx context.Context, filter schedule.RunFilter) ([]*schedule.Run, int, error) {
	var where []string
	var args []interface{}
	if filter.ActionID != "" {
		args = append(args, filter.ActionID)
		where = append(where, fmt.Sprintf("scheduled_action_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
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
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT `+runColumns+` FROM scheduled_action_runs%s
		ORDER BY started_at DESC, scheduled_for_at DESC LIMIT $%d OFFSET $%d`,
		whereClause, len(args)-1, len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []*schedule.Run
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

// CleanupOldRuns deletes finished runs that finished before cutoff
func (l *Ledger) CleanupOldRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM scheduled_action_runs
		WHERE status <> $1 AND finished_at IS NOT NULL AND finished_at < $2`,
		string(schedule.RunRunning), cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old runs")
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return deleted, nil
}

func scanRun(row rowScanner) (*schedule.Run, error) {
	var run schedule.Run
	var status string
	var finishedAt sql.NullTime
	var runErr, summary, deliveryRef sql.NullString
	var duration sql.NullInt64

	err := row.Scan(
		&run.ID,
		&run.ScheduledActionID,
		&run.ScheduledForAt,
		&run.StartedAt,
		&finishedAt,
		&status,
		&runErr,
		&summary,
		&deliveryRef,
		&duration,
	)
	if err != nil {
		return nil, err
	}

	run.Status = schedule.RunStatus(status)
	run.ScheduledForAt = run.ScheduledForAt.UTC()
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	run.Error = runErr.String
	run.ResultSummary = summary.String
	run.DeliveryRef = deliveryRef.String
	if duration.Valid {
		d := duration.Int64
		run.DurationMS = &d
	}
	return &run, nil
}
