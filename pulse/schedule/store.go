package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// ActionFilter narrows ListActions. Zero values match everything.
type ActionFilter struct {
	AccountID string
	AgentID   string
	Status    Status
	Limit     int
	Offset    int
}

// Store persists scheduled actions
type Store interface {
	CreateAction(ctx context.Context, a *ScheduledAction) error
	// GetAction returns an error matching errors.ErrNotFound for unknown ids
	GetAction(ctx context.Context, id string) (*ScheduledAction, error)
	// UpdateAction saves a if its Version still matches the stored row and
	// increments Version. A stale Version yields errors.ErrConflict.
	UpdateAction(ctx context.Context, a *ScheduledAction) error
	ListActions(ctx context.Context, filter ActionFilter) ([]*ScheduledAction, error)
	// ListDueActions returns active actions whose next run is at or before now
	ListDueActions(ctx context.Context, now time.Time, limit int) ([]*ScheduledAction, error)
	// LockAction takes the exclusive per-action lock used by DispatchNow
	LockAction(ctx context.Context, id string) (ActionLock, error)
}

// ActionLock is an exclusive hold on one action. The holder mutates
// Action() in place and persists it with Save.
type ActionLock interface {
	Action() *ScheduledAction
	// Save persists the held action. It may return errors.ErrConflict when
	// a writer that does not take the lock (Cancel) got there first.
	Save(ctx context.Context) error
	// Reload re-reads the held action after a conflicting Save
	Reload(ctx context.Context) (*ScheduledAction, error)
	Release()
}

// timeFormat is RFC3339 in UTC with whole seconds. Fixed width keeps text
// comparison in SQLite chronological.
const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// SQLiteStore persists actions in SQLite. Its lock is an in-process keyed
// mutex; saves use a version compare-and-set so writers that skip the lock
// are detected rather than overwritten.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
}

// NewSQLiteStore creates a store on a migrated database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, locks: newKeyedMutex()}
}

const actionColumns = `
	id, account_id, agent_id, chat_id, title, status, run_mode, schedule_kind,
	timezone, one_time_run_at, recurrence_rule, starts_at, ends_at, payload,
	next_run_at, last_run_at, last_run_status, last_error, canceled_at,
	completed_at, version, created_at, updated_at`

// CreateAction inserts a new action at version 1
func (s *SQLiteStore) CreateAction(ctx context.Context, a *ScheduledAction) error {
	rule, payload, err := encodeAction(a)
	if err != nil {
		return err
	}
	a.Version = 1

	query := `INSERT INTO scheduled_actions (` + actionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		a.ID,
		a.AccountID,
		a.AgentID,
		nullString(a.ChatID),
		a.Title,
		a.Status,
		a.RunMode(),
		a.Kind,
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
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled action %s", a.ID)
	}
	return nil
}

// GetAction retrieves an action by ID
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions WHERE id = ?`
	a, err := scanAction(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("scheduled action %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled action %s", id)
	}
	return a, nil
}

// UpdateAction saves a with a version compare-and-set
func (s *SQLiteStore) UpdateAction(ctx context.Context, a *ScheduledAction) error {
	rule, payload, err := encodeAction(a)
	if err != nil {
		return err
	}

	query := `
		UPDATE scheduled_actions SET
			chat_id = ?, title = ?, status = ?, run_mode = ?, schedule_kind = ?,
			timezone = ?, one_time_run_at = ?, recurrence_rule = ?, starts_at = ?,
			ends_at = ?, payload = ?, next_run_at = ?, last_run_at = ?,
			last_run_status = ?, last_error = ?, canceled_at = ?, completed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		nullString(a.ChatID),
		a.Title,
		a.Status,
		a.RunMode(),
		a.Kind,
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
		formatTime(a.UpdatedAt),
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
		if _, err := s.GetAction(ctx, a.ID); err != nil {
			return err
		}
		return errors.NewConflictError("scheduled action %s changed since version %d", a.ID, a.Version)
	}

	a.Version++
	return nil
}

// ListActions returns actions matching filter, newest first
func (s *SQLiteStore) ListActions(ctx context.Context, filter ActionFilter) ([]*ScheduledAction, error) {
	var where []string
	var args []interface{}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + actionColumns + ` FROM scheduled_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryActions(ctx, query, args...)
}

// ListDueActions returns active actions due at or before now, oldest first
func (s *SQLiteStore) ListDueActions(ctx context.Context, now time.Time, limit int) ([]*ScheduledAction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`
	return s.queryActions(ctx, query, StatusActive, formatTime(now), limit)
}

func (s *SQLiteStore) queryActions(ctx context.Context, query string, args ...interface{}) ([]*ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query scheduled actions")
	}
	defer rows.Close()

	var actions []*ScheduledAction
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

// LockAction blocks until the per-action lock is free or ctx ends, then
// loads the action.
func (s *SQLiteStore) LockAction(ctx context.Context, id string) (ActionLock, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock scheduled action %s", id)
	}
	a, err := s.GetAction(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return &sqliteLock{store: s, action: a, unlock: unlock}, nil
}

type sqliteLock struct {
	store  *SQLiteStore
	action *ScheduledAction
	unlock func()
}

func (l *sqliteLock) Action() *ScheduledAction { return l.action }

func (l *sqliteLock) Save(ctx context.Context) error {
	return l.store.UpdateAction(ctx, l.action)
}

func (l *sqliteLock) Reload(ctx context.Context) (*ScheduledAction, error) {
	a, err := l.store.GetAction(ctx, l.action.ID)
	if err != nil {
		return nil, err
	}
	l.action = a
	return a, nil
}

func (l *sqliteLock) Release() {
	if l.unlock != nil {
		l.unlock()
		l.unlock = nil
	}
}

func encodeAction(a *ScheduledAction) (rule interface{}, payload []byte, err error) {
	payload, err = EncodePayload(a.Payload)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "scheduled action %s", a.ID)
	}
	if a.Rule != nil {
		data, err := json.Marshal(a.Rule)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode rule for scheduled action %s", a.ID)
		}
		rule = string(data)
	}
	return rule, payload, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*ScheduledAction, error) {
	var a ScheduledAction
	var runMode, createdAt, updatedAt, payload string
	var chatID, rule, lastRunStatus, lastError sql.NullString
	var runAt, startsAt, endsAt, nextRunAt, lastRunAt, canceledAt, completedAt sql.NullString

	err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.AgentID,
		&chatID,
		&a.Title,
		&a.Status,
		&runMode,
		&a.Kind,
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
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ChatID = chatID.String
	a.LastRunStatus = RunStatus(lastRunStatus.String)
	a.LastError = lastError.String

	// Parse failures indicate data corruption or a schema mismatch
	for _, f := range []struct {
		name string
		src  sql.NullString
		dst  **time.Time
	}{
		{"one_time_run_at", runAt, &a.RunAt},
		{"starts_at", startsAt, &a.StartsAt},
		{"ends_at", endsAt, &a.EndsAt},
		{"next_run_at", nextRunAt, &a.NextRunAt},
		{"last_run_at", lastRunAt, &a.LastRunAt},
		{"canceled_at", canceledAt, &a.CanceledAt},
		{"completed_at", completedAt, &a.CompletedAt},
	} {
		t, err := parseNullTime(f.src)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s for scheduled action %s", f.name, a.ID)
		}
		*f.dst = t
	}

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for scheduled action %s", a.ID)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for scheduled action %s", a.ID)
	}

	if rule.Valid {
		a.Rule = &RecurrenceRule{}
		if err := json.Unmarshal([]byte(rule.String), a.Rule); err != nil {
			return nil, errors.Wrapf(err, "failed to decode recurrence_rule for scheduled action %s", a.ID)
		}
	}

	if a.Payload, err = DecodePayload(RunMode(runMode), []byte(payload)); err != nil {
		return nil, errors.Wrapf(err, "scheduled action %s", a.ID)
	}

	return &a, nil
}
