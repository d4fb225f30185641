package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/internal/util"
)

func recurring(t *testing.T, raw RuleSpec, startsAt, endsAt *time.Time) Definition {
	t.Helper()
	rule, err := ParseRecurrenceRule(raw)
	require.NoError(t, err)
	return Definition{Kind: KindRecurring, Rule: rule, StartsAt: startsAt, EndsAt: endsAt}
}

func TestNextRunAt_Recurring(t *testing.T) {
	daily := RuleSpec{Frequency: "daily", TimeOfDay: "09:00"}
	monWed := RuleSpec{Frequency: "weekly", TimeOfDay: "09:00", DaysOfWeek: []string{"mon", "wed"}}
	day31 := RuleSpec{Frequency: "monthly", TimeOfDay: "09:00", DayOfMonth: util.Ptr(31)}

	tests := []struct {
		name     string
		raw      RuleSpec
		startsAt string
		endsAt   string
		ref      string
		zone     string
		want     string // empty means no next run
	}{
		{name: "daily later today", raw: daily, ref: "2026-03-10T08:00:00Z", want: "2026-03-10T09:00:00Z"},
		{name: "daily strictly after ref", raw: daily, ref: "2026-03-10T09:00:00Z", want: "2026-03-11T09:00:00Z"},
		{name: "daily interval aligned to starts_at",
			raw:      RuleSpec{Frequency: "daily", Interval: util.Ptr(2), TimeOfDay: "09:00"},
			startsAt: "2026-03-01T00:00:00Z", ref: "2026-03-02T10:00:00Z", want: "2026-03-03T09:00:00Z"},
		{name: "starts_at in the future", raw: daily, startsAt: "2026-04-01T10:00:00Z", ref: "2026-03-01T00:00:00Z", want: "2026-04-02T09:00:00Z"},
		{name: "weekly next listed day", raw: monWed, ref: "2026-03-02T09:00:00Z", want: "2026-03-04T09:00:00Z"},
		{name: "weekly wraps to next week", raw: monWed, ref: "2026-03-04T09:00:00Z", want: "2026-03-09T09:00:00Z"},
		{name: "weekly in local zone", raw: monWed, zone: "America/New_York", ref: "2026-03-02T15:00:00Z", want: "2026-03-04T14:00:00Z"},
		{name: "every other week stays on the starts_at grid",
			raw:      RuleSpec{Frequency: "weekly", Interval: util.Ptr(2), TimeOfDay: "09:00", DaysOfWeek: []string{"mon"}},
			startsAt: "2026-03-02T00:00:00Z", ref: "2026-03-09T10:00:00Z", want: "2026-03-16T09:00:00Z"},
		{name: "monthly skips months without the day", raw: day31, ref: "2026-02-01T00:00:00Z", want: "2026-03-31T09:00:00Z"},
		{name: "monthly skips april", raw: day31, ref: "2026-04-01T00:00:00Z", want: "2026-05-31T09:00:00Z"},
		{name: "monthly unsatisfiable",
			raw:      RuleSpec{Frequency: "monthly", Interval: util.Ptr(12), TimeOfDay: "09:00", DayOfMonth: util.Ptr(30)},
			startsAt: "2026-02-01T00:00:00Z", ref: "2026-02-01T00:00:00Z"},
		{name: "past ends_at", raw: daily, endsAt: "2026-03-10T12:00:00Z", ref: "2026-03-10T10:00:00Z"},
		{name: "at ends_at is included", raw: daily, endsAt: "2026-03-11T09:00:00Z", ref: "2026-03-10T10:00:00Z", want: "2026-03-11T09:00:00Z"},
		{name: "daily across spring forward", raw: daily, zone: "America/New_York", ref: "2026-03-07T15:00:00Z", want: "2026-03-08T13:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var startsAt, endsAt *time.Time
			if tt.startsAt != "" {
				startsAt = util.Ptr(mustTime(t, tt.startsAt))
			}
			if tt.endsAt != "" {
				endsAt = util.Ptr(mustTime(t, tt.endsAt))
			}
			loc := time.UTC
			if tt.zone != "" {
				loc = mustLoc(t, tt.zone)
			}

			next, ok := NextRunAt(recurring(t, tt.raw, startsAt, endsAt), mustTime(t, tt.ref), loc)
			if tt.want == "" {
				assert.False(t, ok, "expected no next run, got %s", next)
				return
			}
			require.True(t, ok)
			assert.Equal(t, mustTime(t, tt.want), next)
			assert.Equal(t, time.UTC, next.Location())
		})
	}
}

func TestNextRunAt_Once(t *testing.T) {
	runAt := mustTime(t, "2026-03-10T09:00:00Z")
	def := Definition{Kind: KindOnce, RunAt: &runAt}

	// A past run_at is still the next run; lateness is handled at dispatch
	next, ok := NextRunAt(def, mustTime(t, "2026-03-12T00:00:00Z"), nil)
	require.True(t, ok)
	assert.Equal(t, runAt, next)

	def.EndsAt = util.Ptr(mustTime(t, "2026-03-09T00:00:00Z"))
	_, ok = NextRunAt(def, mustTime(t, "2026-03-01T00:00:00Z"), nil)
	assert.False(t, ok, "run_at after ends_at never fires")

	_, ok = NextRunAt(Definition{Kind: KindOnce}, runAt, nil)
	assert.False(t, ok)
}

func TestNextRunAt_StrictlyIncreasing(t *testing.T) {
	loc := mustLoc(t, "Europe/Amsterdam")
	defs := map[string]Definition{
		"daily":   recurring(t, RuleSpec{Frequency: "daily", Interval: util.Ptr(3), TimeOfDay: "02:30"}, nil, nil),
		"weekly":  recurring(t, RuleSpec{Frequency: "weekly", TimeOfDay: "02:30", DaysOfWeek: []string{"sun", "tue"}}, nil, nil),
		"monthly": recurring(t, RuleSpec{Frequency: "monthly", Interval: util.Ptr(5), TimeOfDay: "23:45", DayOfMonth: util.Ptr(29)}, nil, nil),
	}

	for name, def := range defs {
		t.Run(name, func(t *testing.T) {
			ref := mustTime(t, "2026-01-01T00:00:00Z")
			for i := 0; i < 60; i++ {
				next, ok := NextRunAt(def, ref, loc)
				require.True(t, ok)
				require.True(t, next.After(ref), "step %d: %s not after %s", i, next, ref)
				ref = next
			}
		})
	}
}

func TestPreview(t *testing.T) {
	def := recurring(t, RuleSpec{Frequency: "daily", TimeOfDay: "09:00"}, nil, util.Ptr(mustTime(t, "2026-03-12T09:00:00Z")))

	got := Preview(def, mustTime(t, "2026-03-10T00:00:00Z"), time.UTC, 5)
	assert.Equal(t, []time.Time{
		mustTime(t, "2026-03-10T09:00:00Z"),
		mustTime(t, "2026-03-11T09:00:00Z"),
		mustTime(t, "2026-03-12T09:00:00Z"),
	}, got, "stops at ends_at")

	runAt := mustTime(t, "2026-03-10T09:00:00Z")
	once := Preview(Definition{Kind: KindOnce, RunAt: &runAt}, runAt, time.UTC, 5)
	assert.Equal(t, []time.Time{runAt}, once)
}
