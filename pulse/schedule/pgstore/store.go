// Package pgstore implements the scheduled action Store and RunLedger on
// PostgreSQL through lib/pq.
//
// Unlike the SQLite store, the per-action lock is a row lock: LockAction
// opens a transaction and selects the row FOR NO KEY UPDATE, so dispatchers
// in other processes serialize on the same action. NO KEY leaves the row
// available for the foreign key check when the ledger inserts a run from a
// separate connection while the lock is held.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/schedule"
)

// Store is the schedule.Store on PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates a store on a database migrated with db.MigratePostgres
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ schedule.Store = (*Store)(nil)

const actionColumns = `
	id, account_id, agent_id, chat_id, title, status, run_mode, schedule_kind,
	timezone, one_time_run_at, recurrence_rule, starts_at, ends_at, payload,
	next_run_at, last_run_at, last_run_status, last_error, canceled_at,
	completed_at, version, created_at, updated_at`

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// CreateAction inserts a new action at version 1
func (s *Store) CreateAction(ctx context.Context, a *schedule.ScheduledAction) error {
	rule, payload, err := encodeAction(a)
	if err != nil {
		return err
	}
	a.Version = 1

	_, err = s.db.ExecContext(ctx, `INSERT INTO scheduled_actions (`+actionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		a.ID,
		a.AccountID,
		a.AgentID,
		nullString(a.ChatID),
		a.Title,
		string(a.Status),
		string(a.RunMode()),
		string(a.Kind),
		a.Timezone,
		nullTime(a.RunAt),
		rule,
		nullTime(a.StartsAt),
		nullTime(a.EndsAt),
		payload,
		nullTime(a.NextRunAt),
		nullTime(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		nullString(a.LastError),
		nullTime(a.CanceledAt),
		nullTime(a.CompletedAt),
		a.Version,
		a.CreatedAt.UTC(),
		a.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled action %s", a.ID)
	}
	return nil
}

// GetAction retrieves an action by ID
func (s *Store) GetAction(ctx context.Context, id string) (*schedule.ScheduledAction, error) {
	return getAction(ctx, s.db, id, "")
}

func getAction(ctx context.Context, q execer, id, suffix string) (*schedule.ScheduledAction, error) {
	a, err := scanAction(q.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM scheduled_actions WHERE id = $1`+suffix, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("scheduled action %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled action %s", id)
	}
	return a, nil
}

// UpdateAction saves a with a version compare-and-set
func (s *Store) UpdateAction(ctx context.Context, a *schedule.ScheduledAction) error {
	return updateAction(ctx, s.db, a)
}

func updateAction(ctx context.Context, q execer, a *schedule.ScheduledAction) error {
	rule, payload, err := encodeAction(a)
	if err != nil {
		return err
	}

	result, err := q.ExecContext(ctx, `
		UPDATE scheduled_actions SET
			chat_id = $1, title = $2, status = $3, run_mode = $4, schedule_kind = $5,
			timezone = $6, one_time_run_at = $7, recurrence_rule = $8, starts_at = $9,
			ends_at = $10, payload = $11, next_run_at = $12, last_run_at = $13,
			last_run_status = $14, last_error = $15, canceled_at = $16, completed_at = $17,
			version = version + 1, updated_at = $18
		WHERE id = $19 AND version = $20`,
		nullString(a.ChatID),
		a.Title,
		string(a.Status),
		string(a.RunMode()),
		string(a.Kind),
		a.Timezone,
		nullTime(a.RunAt),
		rule,
		nullTime(a.StartsAt),
		nullTime(a.EndsAt),
		payload,
		nullTime(a.NextRunAt),
		nullTime(a.LastRunAt),
		nullString(string(a.LastRunStatus)),
		nullString(a.LastError),
		nullTime(a.CanceledAt),
		nullTime(a.CompletedAt),
		a.UpdatedAt.UTC(),
		a.ID,
		a.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update scheduled action %s", a.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		if _, err := getAction(ctx, q, a.ID, ""); err != nil {
			return err
		}
		return errors.NewConflictError("scheduled action %s changed since version %d", a.ID, a.Version)
	}

	a.Version++
	return nil
}

// ListActions returns actions matching filter, newest first
func (s *Store) ListActions(ctx context.Context, filter schedule.ActionFilter) ([]*schedule.ScheduledAction, error) {
	var where []string
	var args []interface{}
	add := func(column string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id", filter.AccountID)
	}
	if filter.AgentID != "" {
		add("agent_id", filter.AgentID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}

	query := `SELECT ` + actionColumns + ` FROM scheduled_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryActions(ctx, query, args...)
}

// ListDueActions returns active actions due at or before now, oldest first
func (s *Store) ListDueActions(ctx context.Context, now time.Time, limit int) ([]*schedule.ScheduledAction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM scheduled_actions
		WHERE status = $1 AND next_run_at IS NOT NULL AND next_run_at <= $2
		ORDER BY next_run_at ASC
		LIMIT $3`, string(schedule.StatusActive), now.UTC(), limit)
}

func (s *Store) queryActions(ctx context.Context, query string, args ...interface{}) ([]*schedule.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled actions")
	}
	defer rows.Close()

	var actions []*schedule.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled action")
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled actions")
	}
	return actions, nil
}

// LockAction opens a transaction holding the action's row lock. The lock
// is released when Save commits or Release rolls back.
func (s *Store) LockAction(ctx context.Context, id string) (schedule.ActionLock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to begin lock transaction for %s", id)
	}
	a, err := getAction(ctx, tx, id, " FOR NO KEY UPDATE")
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &rowLock{tx: tx, action: a}, nil
}

type rowLock struct {
	tx     *sql.Tx
	action *schedule.ScheduledAction
	done   bool
}

func (l *rowLock) Action() *schedule.ScheduledAction { return l.action }

// Save writes the action and commits, which also releases the row lock
func (l *rowLock) Save(ctx context.Context) error {
	if l.done {
		return errors.AssertionFailedf("lock on %s already released", l.action.ID)
	}
	if err := updateAction(ctx, l.tx, l.action); err != nil {
		return err
	}
	if err := l.tx.Commit(); err != nil {
		l.action.Version--
		return errors.Wrapf(err, "failed to commit scheduled action %s", l.action.ID)
	}
	l.done = true
	return nil
}

func (l *rowLock) Reload(ctx context.Context) (*schedule.ScheduledAction, error) {
	if l.done {
		return nil, errors.AssertionFailedf("lock on %s already released", l.action.ID)
	}
	a, err := getAction(ctx, l.tx, l.action.ID, "")
	if err != nil {
		return nil, err
	}
	l.action = a
	return a, nil
}

func (l *rowLock) Release() {
	if !l.done {
		l.done = true
		l.tx.Rollback()
	}
}

func encodeAction(a *schedule.ScheduledAction) (rule interface{}, payload string, err error) {
	data, err := schedule.EncodePayload(a.Payload)
	if err != nil {
		return nil, "", errors.Wrapf(err, "scheduled action %s", a.ID)
	}
	// JSONB parameters go over the wire as text; lib/pq would send []byte as bytea
	payload = string(data)
	if a.Rule != nil {
		ruleData, err := json.Marshal(a.Rule)
		if err != nil {
			return nil, "", errors.Wrapf(err, "encode rule for scheduled action %s", a.ID)
		}
		rule = string(ruleData)
	}
	return rule, payload, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*schedule.ScheduledAction, error) {
	var a schedule.ScheduledAction
	var status, runMode, kind string
	var rule, payload []byte
	var chatID, lastRunStatus, lastError sql.NullString
	var runAt, startsAt, endsAt, nextRunAt, lastRunAt, canceledAt, completedAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.AgentID,
		&chatID,
		&a.Title,
		&status,
		&runMode,
		&kind,
		&a.Timezone,
		&runAt,
		&rule,
		&startsAt,
		&endsAt,
		&payload,
		&nextRunAt,
		&lastRunAt,
		&lastRunStatus,
		&lastError,
		&canceledAt,
		&completedAt,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = schedule.Status(status)
	a.Kind = schedule.Kind(kind)
	a.ChatID = chatID.String
	a.LastRunStatus = schedule.RunStatus(lastRunStatus.String)
	a.LastError = lastError.String
	a.RunAt = timePtr(runAt)
	a.StartsAt = timePtr(startsAt)
	a.EndsAt = timePtr(endsAt)
	a.NextRunAt = timePtr(nextRunAt)
	a.LastRunAt = timePtr(lastRunAt)
	a.CanceledAt = timePtr(canceledAt)
	a.CompletedAt = timePtr(completedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	if rule != nil {
		a.Rule = &schedule.RecurrenceRule{}
		if err := json.Unmarshal(rule, a.Rule); err != nil {
			return nil, errors.Wrapf(err, "failed to decode recurrence_rule for scheduled action %s", a.ID)
		}
	}
	if a.Payload, err = schedule.DecodePayload(schedule.RunMode(runMode), payload); err != nil {
		return nil, errors.Wrapf(err, "scheduled action %s", a.ID)
	}
	return &a, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
