package schedule

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
)

func createStoredAction(t *testing.T, store *SQLiteStore, id string, spec ActionSpec, now time.Time) *ScheduledAction {
	t.Helper()
	a, err := NewAction(id, spec, now)
	require.NoError(t, err)
	require.NoError(t, store.CreateAction(context.Background(), a))
	return a
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))
	now := mustTime(t, "2026-03-10T08:30:00Z")

	spec := reminderAction(ScheduleSpec{
		Kind:     "recurring",
		Rule:     &RuleSpec{Frequency: "weekly", Interval: util.Ptr(2), TimeOfDay: "09:00", DaysOfWeek: []string{"tue", "thu"}},
		StartsAt: util.Ptr(mustTime(t, "2026-03-01T00:00:00Z")),
		EndsAt:   util.Ptr(mustTime(t, "2026-12-31T00:00:00Z")),
	})
	spec.Timezone = "Europe/Amsterdam"
	created := createStoredAction(t, store, "act-1", spec, now)
	assert.Equal(t, int64(1), created.Version)

	got, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestSQLiteStore_AutomationPayload(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))

	spec := reminderAction(onceSpec(mustTime(t, "2026-03-10T09:00:00Z")))
	spec.Reminder = nil
	spec.Automation = &AutomationPayload{ToolName: "log", Arguments: map[string]any{"level": "info", "count": 3.0}, ChatID: "chat-9"}
	createStoredAction(t, store, "act-1", spec, mustTime(t, "2026-03-10T08:00:00Z"))

	got, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, RunModeAutomation, got.RunMode())
	assert.Equal(t, *spec.Automation, got.Payload)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := NewSQLiteStore(createTestDB(t))
	_, err := store.GetAction(context.Background(), "nope")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_UpdateCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))
	now := mustTime(t, "2026-03-10T08:30:00Z")
	createStoredAction(t, store, "act-1", reminderAction(dailySpec("09:00")), now)

	first, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	second, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)

	first.Title = "Renamed"
	require.NoError(t, store.UpdateAction(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Cancel(now)
	err = store.UpdateAction(ctx, second)
	assert.True(t, errors.IsConflictError(err), "stale version must not overwrite")

	got, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, StatusActive, got.Status)

	missing := got.Clone()
	missing.ID = "nope"
	assert.True(t, errors.IsNotFoundError(store.UpdateAction(ctx, missing)))
}

func TestSQLiteStore_ListActions(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))
	now := mustTime(t, "2026-03-10T08:30:00Z")

	createStoredAction(t, store, "act-1", reminderAction(dailySpec("09:00")), now)
	other := reminderAction(dailySpec("10:00"))
	other.AgentID = "agent-2"
	createStoredAction(t, store, "act-2", other, now.Add(time.Minute))
	paused := createStoredAction(t, store, "act-3", reminderAction(dailySpec("11:00")), now.Add(2*time.Minute))
	require.NoError(t, paused.Pause(now))
	require.NoError(t, store.UpdateAction(ctx, paused))

	all, err := store.ListActions(ctx, ActionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "act-3", all[0].ID, "newest first")

	byAgent, err := store.ListActions(ctx, ActionFilter{AgentID: "agent-2"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "act-2", byAgent[0].ID)

	byStatus, err := store.ListActions(ctx, ActionFilter{Status: StatusPaused})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "act-3", byStatus[0].ID)

	page, err := store.ListActions(ctx, ActionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "act-2", page[0].ID)
}

func TestSQLiteStore_ListDueActions(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))
	now := mustTime(t, "2026-03-10T08:30:00Z")

	createStoredAction(t, store, "past", reminderAction(onceSpec(mustTime(t, "2026-03-10T08:00:00Z"))), now)
	createStoredAction(t, store, "now", reminderAction(onceSpec(now)), now)
	createStoredAction(t, store, "future", reminderAction(onceSpec(mustTime(t, "2026-03-10T09:00:00Z"))), now)
	paused := createStoredAction(t, store, "paused", reminderAction(onceSpec(mustTime(t, "2026-03-10T07:00:00Z"))), now)
	require.NoError(t, paused.Pause(now))
	require.NoError(t, store.UpdateAction(ctx, paused))

	due, err := store.ListDueActions(ctx, now, 10)
	require.NoError(t, err)
	var ids []string
	for _, a := range due {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"past", "now"}, ids)

	due, err = store.ListDueActions(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSQLiteStore_LockAction(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(createTestDB(t))
	now := mustTime(t, "2026-03-10T08:30:00Z")
	createStoredAction(t, store, "act-1", reminderAction(dailySpec("09:00")), now)

	lock, err := store.LockAction(ctx, "act-1")
	require.NoError(t, err)

	// A second holder waits until release
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = store.LockAction(waitCtx, "act-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A lock-free writer bumps the version under the holder
	_, err = store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	other, err := store.GetAction(ctx, "act-1")
	require.NoError(t, err)
	other.Cancel(now)
	require.NoError(t, store.UpdateAction(ctx, other))

	lock.Action().Title = "From lock"
	assert.True(t, errors.IsConflictError(lock.Save(ctx)))

	reloaded, err := lock.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, reloaded.Status)
	assert.Same(t, reloaded, lock.Action())
	reloaded.Title = "From lock"
	require.NoError(t, lock.Save(ctx))

	lock.Release()
	lock.Release()

	again, err := store.LockAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "From lock", again.Action().Title)
	again.Release()

	_, err = store.LockAction(ctx, "nope")
	assert.True(t, errors.IsNotFoundError(err))
	assert.Equal(t, 0, store.locks.size(), "failed locks are released")
}
