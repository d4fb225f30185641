package wake

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/errors"
)

const timeFormat = time.RFC3339

// SQLiteQueue keeps wake-up calls in the wake_calls table so they survive
// restarts.
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteQueue creates a queue on a migrated SQLite database
func NewSQLiteQueue(db *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{db: db, now: time.Now}
}

var _ Queue = (*SQLiteQueue)(nil)

// ScheduleWake inserts a call unless one already exists for the same
// instant. If that call is in flight it is marked rearmed so Ack keeps it.
func (q *SQLiteQueue) ScheduleWake(ctx context.Context, actionID string, notBefore time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO wake_calls (id, action_id, not_before, attempts, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (action_id, not_before) DO UPDATE SET rearmed = MAX(rearmed, inflight)`,
		"wake_"+uuid.NewString(),
		actionID,
		notBefore.UTC().Format(timeFormat),
		q.now().UTC().Format(timeFormat),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to schedule wake for %s", actionID)
	}
	return nil
}

// Due returns calls whose not_before has passed
func (q *SQLiteQueue) Due(ctx context.Context, now time.Time, limit int) ([]Wake, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, action_id, not_before, attempts, last_error, created_at
		FROM wake_calls
		WHERE not_before <= ?
		ORDER BY not_before ASC, created_at ASC
		LIMIT ?`,
		now.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due wakes")
	}
	defer rows.Close()

	var wakes []Wake
	for rows.Next() {
		var w Wake
		var notBefore, createdAt string
		var lastError sql.NullString
		if err := rows.Scan(&w.ID, &w.ActionID, &notBefore, &w.Attempts, &lastError, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan wake")
		}
		if w.NotBefore, err = time.Parse(timeFormat, notBefore); err != nil {
			return nil, errors.Wrapf(err, "failed to parse not_before for wake %s", w.ID)
		}
		if w.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, errors.Wrapf(err, "failed to parse created_at for wake %s", w.ID)
		}
		w.LastError = lastError.String
		wakes = append(wakes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating wakes")
	}
	rows.Close()

	if len(wakes) == 0 {
		return nil, nil
	}
	ids := make([]interface{}, len(wakes))
	for i, w := range wakes {
		ids[i] = w.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := q.db.ExecContext(ctx,
		`UPDATE wake_calls SET inflight = 1 WHERE id IN (`+placeholders+`)`, ids...); err != nil {
		return nil, errors.Wrap(err, "failed to mark wakes in flight")
	}
	return wakes, nil
}

// Ack deletes the call, unless it was rearmed while in flight; then it
// goes back to pending at the same instant.
func (q *SQLiteQueue) Ack(ctx context.Context, w Wake) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM wake_calls WHERE id = ? AND rearmed = 0`, w.ID); err != nil {
		return errors.Wrapf(err, "failed to ack wake %s", w.ID)
	}
	return q.Release(ctx, w)
}

// Retry reschedules the call. An existing call for the same action at next
// is replaced so the unique key holds.
func (q *SQLiteQueue) Retry(ctx context.Context, w Wake, next time.Time, cause error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE OR REPLACE wake_calls
		SET not_before = ?, attempts = attempts + 1, last_error = ?, inflight = 0, rearmed = 0
		WHERE id = ?`,
		next.UTC().Format(timeFormat), errorText(cause), w.ID)
	if err != nil {
		return errors.Wrapf(err, "failed to retry wake %s", w.ID)
	}
	return nil
}

// Release returns an in-flight call to pending without counting an attempt
func (q *SQLiteQueue) Release(ctx context.Context, w Wake) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE wake_calls SET inflight = 0, rearmed = 0 WHERE id = ?`, w.ID); err != nil {
		return errors.Wrapf(err, "failed to release wake %s", w.ID)
	}
	return nil
}

// Len counts pending calls
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wake_calls`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count wakes")
	}
	return n, nil
}
