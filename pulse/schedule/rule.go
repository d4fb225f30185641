package schedule

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// Frequency is the period a recurrence rule repeats on
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// MaxInterval bounds interval so period arithmetic cannot overflow
const MaxInterval = 1000

// RuleSpec is the unvalidated recurrence rule as it arrives in a schedule
// definition. Interval defaults to 1 when omitted.
type RuleSpec struct {
	Frequency  string   `json:"frequency" yaml:"frequency"`
	Interval   *int     `json:"interval,omitempty" yaml:"interval,omitempty"`
	TimeOfDay  string   `json:"time_of_day" yaml:"time_of_day"`
	DaysOfWeek []string `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	DayOfMonth *int     `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`
}

// RecurrenceRule is a validated repeating pattern. Build one with
// ParseRecurrenceRule; the zero value is not usable.
type RecurrenceRule struct {
	Frequency  Frequency
	Interval   int
	Hour       int
	Minute     int
	DaysOfWeek []time.Weekday // weekly only, Monday-first order, no duplicates
	DayOfMonth int            // monthly only, 1-31
}

var timeOfDayPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)

var weekdayTokens = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWeekday maps a weekday token (mon..sun, or the full English name,
// case-insensitive) to a time.Weekday.
func ParseWeekday(token string) (time.Weekday, bool) {
	d, ok := weekdayTokens[strings.ToLower(strings.TrimSpace(token))]
	return d, ok
}

// WeekdayToken returns the canonical short token for d
func WeekdayToken(d time.Weekday) string {
	return strings.ToLower(d.String()[:3])
}

// mondayOffset is the number of days from Monday to d
func mondayOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}

// ParseRecurrenceRule validates raw and returns the rule, or FieldErrors
// describing every problem found. An unknown frequency is reported alone
// since the remaining fields cannot be interpreted without it.
func ParseRecurrenceRule(raw RuleSpec) (*RecurrenceRule, error) {
	freq := Frequency(strings.ToLower(strings.TrimSpace(raw.Frequency)))
	switch freq {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		return nil, FieldErrors{{Field: "frequency", Message: fmt.Sprintf("must be daily, weekly or monthly, got %q", raw.Frequency)}}
	}

	var errs FieldErrors
	rule := &RecurrenceRule{Frequency: freq, Interval: 1}

	if raw.Interval != nil {
		if *raw.Interval < 1 || *raw.Interval > MaxInterval {
			errs = append(errs, FieldError{Field: "interval", Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxInterval, *raw.Interval)})
		}
		rule.Interval = *raw.Interval
	}

	hour, minute, err := parseTimeOfDay(raw.TimeOfDay)
	if err != nil {
		errs = append(errs, FieldError{Field: "time_of_day", Message: err.Error()})
	}
	rule.Hour, rule.Minute = hour, minute

	switch freq {
	case FrequencyWeekly:
		if len(raw.DaysOfWeek) == 0 {
			errs = append(errs, FieldError{Field: "days_of_week", Message: "required for weekly rules"})
			break
		}
		seen := make(map[time.Weekday]bool)
		for _, token := range raw.DaysOfWeek {
			d, ok := ParseWeekday(token)
			if !ok {
				errs = append(errs, FieldError{Field: "days_of_week", Message: fmt.Sprintf("unknown weekday %q", token)})
				continue
			}
			if !seen[d] {
				seen[d] = true
				rule.DaysOfWeek = append(rule.DaysOfWeek, d)
			}
		}
		sort.Slice(rule.DaysOfWeek, func(i, j int) bool {
			return mondayOffset(rule.DaysOfWeek[i]) < mondayOffset(rule.DaysOfWeek[j])
		})

	case FrequencyMonthly:
		switch {
		case raw.DayOfMonth == nil:
			errs = append(errs, FieldError{Field: "day_of_month", Message: "required for monthly rules"})
		case *raw.DayOfMonth < 1 || *raw.DayOfMonth > 31:
			errs = append(errs, FieldError{Field: "day_of_month", Message: fmt.Sprintf("must be between 1 and 31, got %d", *raw.DayOfMonth)})
		default:
			rule.DayOfMonth = *raw.DayOfMonth
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return rule, nil
}

func parseTimeOfDay(s string) (int, int, error) {
	if !timeOfDayPattern.MatchString(s) {
		return 0, 0, errors.Newf("must be HH:MM, got %q", s)
	}
	hour, _ := strconv.Atoi(s[:2])
	minute, _ := strconv.Atoi(s[3:])
	if hour > 23 {
		return 0, 0, errors.Newf("hour must be between 00 and 23, got %q", s)
	}
	if minute > 59 {
		return 0, 0, errors.Newf("minute must be between 00 and 59, got %q", s)
	}
	return hour, minute, nil
}

// TimeOfDay formats the rule's wall-clock time as HH:MM
func (r *RecurrenceRule) TimeOfDay() string {
	return fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)
}

// Spec converts the rule back to its wire form
func (r *RecurrenceRule) Spec() RuleSpec {
	interval := r.Interval
	spec := RuleSpec{
		Frequency: string(r.Frequency),
		Interval:  &interval,
		TimeOfDay: r.TimeOfDay(),
	}
	for _, d := range r.DaysOfWeek {
		spec.DaysOfWeek = append(spec.DaysOfWeek, WeekdayToken(d))
	}
	if r.Frequency == FrequencyMonthly {
		day := r.DayOfMonth
		spec.DayOfMonth = &day
	}
	return spec
}

// String describes the rule for display, e.g. "every 2 weeks on mon,wed at 09:00"
func (r *RecurrenceRule) String() string {
	unit := map[Frequency]string{
		FrequencyDaily:   "day",
		FrequencyWeekly:  "week",
		FrequencyMonthly: "month",
	}[r.Frequency]

	var b strings.Builder
	if r.Interval == 1 {
		fmt.Fprintf(&b, "every %s", unit)
	} else {
		fmt.Fprintf(&b, "every %d %ss", r.Interval, unit)
	}
	switch r.Frequency {
	case FrequencyWeekly:
		b.WriteString(" on " + strings.Join(r.Spec().DaysOfWeek, ","))
	case FrequencyMonthly:
		fmt.Fprintf(&b, " on day %d", r.DayOfMonth)
	}
	b.WriteString(" at " + r.TimeOfDay())
	return b.String()
}

// MarshalJSON stores the rule in its wire form
func (r *RecurrenceRule) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Spec())
}

// UnmarshalJSON parses and validates a stored rule
func (r *RecurrenceRule) UnmarshalJSON(data []byte) error {
	var spec RuleSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return errors.Wrap(err, "decode recurrence rule")
	}
	parsed, err := ParseRecurrenceRule(spec)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

// FieldError is one validation problem on one input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects validation problems. It matches
// errors.ErrInvalidRequest through errors.Is.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = e.Field + ": " + e.Message
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (fe FieldErrors) Unwrap() error {
	return errors.ErrInvalidRequest
}

// prefixed returns a copy with every field name under prefix
func (fe FieldErrors) prefixed(prefix string) FieldErrors {
	out := make(FieldErrors, len(fe))
	for i, e := range fe {
		out[i] = FieldError{Field: prefix + "." + e.Field, Message: e.Message}
	}
	return out
}

// fieldErrorsOf extracts FieldErrors from err, or wraps a plain error under field
func fieldErrorsOf(err error, field string) FieldErrors {
	var fe FieldErrors
	if errors.As(err, &fe) {
		return fe
	}
	return FieldErrors{{Field: field, Message: err.Error()}}
}
