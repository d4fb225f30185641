package schedule

import "time"

// Kind distinguishes one-time from repeating schedules
type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

// Definition is a validated schedule. Once schedules use RunAt (EndsAt
// optional); recurring schedules use Rule with optional StartsAt/EndsAt.
type Definition struct {
	Kind     Kind
	RunAt    *time.Time
	Rule     *RecurrenceRule
	StartsAt *time.Time
	EndsAt   *time.Time
}

// maxSearchSteps bounds the candidate search. Rules that can never fire,
// such as day 30 every 12 months anchored in February, yield no next run.
const maxSearchSteps = 1000

// NextRunAt returns the next instant def fires strictly after ref, in UTC.
// The boolean is false when no such instant exists within the bounds.
//
// Calendar arithmetic happens on local dates in loc; a nil loc means UTC.
// Local times that do not exist or repeat around DST transitions resolve
// the way time.Date resolves them.
func NextRunAt(def Definition, ref time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch def.Kind {
	case KindOnce:
		if def.RunAt == nil {
			return time.Time{}, false
		}
		if def.EndsAt != nil && def.RunAt.After(*def.EndsAt) {
			return time.Time{}, false
		}
		return def.RunAt.UTC(), true

	case KindRecurring:
		if def.Rule == nil {
			return time.Time{}, false
		}
		c := calculator{def: def, rule: def.Rule, ref: ref, loc: loc}
		next, ok := c.next()
		if !ok {
			return time.Time{}, false
		}
		if def.EndsAt != nil && next.After(*def.EndsAt) {
			return time.Time{}, false
		}
		return next.UTC(), true
	}

	return time.Time{}, false
}

// Preview lists up to n upcoming instants of def after from, chaining
// NextRunAt with each result as the next reference.
func Preview(def Definition, from time.Time, loc *time.Location, n int) []time.Time {
	var out []time.Time
	ref := from
	for len(out) < n {
		next, ok := NextRunAt(def, ref, loc)
		if !ok {
			break
		}
		out = append(out, next)
		if def.Kind == KindOnce {
			break
		}
		ref = next
	}
	return out
}

type calculator struct {
	def  Definition
	rule *RecurrenceRule
	ref  time.Time
	loc  *time.Location
}

// anchor is the later of ref and starts_at; base is the interval
// alignment point: starts_at, or ref when unset.
func (c calculator) anchorAndBase() (anchor, base time.Time) {
	anchor, base = c.ref, c.ref
	if c.def.StartsAt != nil {
		base = *c.def.StartsAt
		if c.def.StartsAt.After(c.ref) {
			anchor = *c.def.StartsAt
		}
	}
	return civilDate(anchor.In(c.loc)), civilDate(base.In(c.loc))
}

func (c calculator) next() (time.Time, bool) {
	anchor, base := c.anchorAndBase()
	switch c.rule.Frequency {
	case FrequencyDaily:
		return c.nextDaily(anchor, base)
	case FrequencyWeekly:
		return c.nextWeekly(anchor, base)
	case FrequencyMonthly:
		return c.nextMonthly(anchor, base)
	}
	return time.Time{}, false
}

func (c calculator) nextDaily(anchor, base time.Time) (time.Time, bool) {
	k := alignedStep(daysBetween(base, anchor), c.rule.Interval)
	for i := 0; i < maxSearchSteps; i++ {
		date := base.AddDate(0, 0, (k+i)*c.rule.Interval)
		if t := c.at(date); c.qualifies(t) {
			return t, true
		}
	}
	return time.Time{}, false
}

func (c calculator) nextWeekly(anchor, base time.Time) (time.Time, bool) {
	baseWeek := weekStart(base)
	k := alignedStep(daysBetween(baseWeek, weekStart(anchor))/7, c.rule.Interval)
	for i := 0; i < maxSearchSteps; i++ {
		week := baseWeek.AddDate(0, 0, 7*(k+i)*c.rule.Interval)
		for _, d := range c.rule.DaysOfWeek {
			if t := c.at(week.AddDate(0, 0, mondayOffset(d))); c.qualifies(t) {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (c calculator) nextMonthly(anchor, base time.Time) (time.Time, bool) {
	baseMonth := monthIndex(base)
	k := alignedStep(monthIndex(anchor)-baseMonth, c.rule.Interval)
	for i := 0; i < maxSearchSteps; i++ {
		m := baseMonth + (k+i)*c.rule.Interval
		year, month := m/12, time.Month(m%12+1)
		// Skip months that lack the day instead of clamping
		if c.rule.DayOfMonth > daysIn(year, month) {
			continue
		}
		date := time.Date(year, month, c.rule.DayOfMonth, 0, 0, 0, 0, time.UTC)
		if t := c.at(date); c.qualifies(t) {
			return t, true
		}
	}
	return time.Time{}, false
}

// at places the rule's time of day on a civil date in the schedule's zone
func (c calculator) at(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), c.rule.Hour, c.rule.Minute, 0, 0, c.loc)
}

func (c calculator) qualifies(t time.Time) bool {
	if !t.After(c.ref) {
		return false
	}
	return c.def.StartsAt == nil || !t.Before(*c.def.StartsAt)
}

// civilDate drops the clock and zone of t, keeping its local calendar date.
// Dates are carried as UTC midnights so day arithmetic never sees DST.
func civilDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func weekStart(date time.Time) time.Time {
	return date.AddDate(0, 0, -mondayOffset(date.Weekday()))
}

func monthIndex(date time.Time) int {
	return date.Year()*12 + int(date.Month()) - 1
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// alignedStep is the first step count k with k*interval >= units
func alignedStep(units, interval int) int {
	if units <= 0 {
		return 0
	}
	return (units + interval - 1) / interval
}
