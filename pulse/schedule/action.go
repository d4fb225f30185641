package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// Status is the lifecycle state of a scheduled action
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusCompleted
}

// ScheduledAction is a one-time or recurring reminder or automation.
// NextRunAt is the single source of truth for when the action wakes next;
// it is nil whenever the action is not active or has no future occurrence.
type ScheduledAction struct {
	ID        string
	AccountID string
	AgentID   string
	ChatID    string
	Title     string
	Status    Status
	Timezone  string

	Kind     Kind
	RunAt    *time.Time
	Rule     *RecurrenceRule
	StartsAt *time.Time
	EndsAt   *time.Time

	Payload Payload

	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastRunStatus RunStatus
	LastError     string

	CanceledAt  *time.Time
	CompletedAt *time.Time

	// Version increments on every save and guards concurrent updates
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAction validates spec and builds an active action with its schedule
// applied relative to now.
func NewAction(id string, spec ActionSpec, now time.Time) (*ScheduledAction, error) {
	var errs FieldErrors
	if strings.TrimSpace(spec.AccountID) == "" {
		errs = append(errs, FieldError{Field: "account_id", Message: "required"})
	}
	if strings.TrimSpace(spec.AgentID) == "" {
		errs = append(errs, FieldError{Field: "agent_id", Message: "required"})
	}
	if strings.TrimSpace(spec.Title) == "" {
		errs = append(errs, FieldError{Field: "title", Message: "required"})
	}
	if spec.Timezone == "" {
		errs = append(errs, FieldError{Field: "timezone", Message: "required"})
	} else if _, err := time.LoadLocation(spec.Timezone); err != nil {
		errs = append(errs, FieldError{Field: "timezone", Message: fmt.Sprintf("unknown IANA zone %q", spec.Timezone)})
	}

	payload, err := spec.Payload()
	if err != nil {
		errs = append(errs, fieldErrorsOf(err, "payload")...)
	} else {
		errs = append(errs, payload.validate()...)
	}

	def, err := spec.Schedule.Definition()
	if err != nil {
		errs = append(errs, fieldErrorsOf(err, "schedule").prefixed("schedule")...)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	now = now.UTC().Truncate(time.Second)
	a := &ScheduledAction{
		ID:        id,
		AccountID: spec.AccountID,
		AgentID:   spec.AgentID,
		ChatID:    spec.ChatID,
		Title:     strings.TrimSpace(spec.Title),
		Status:    StatusActive,
		Timezone:  spec.Timezone,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.setDefinition(def, now)
	return a, nil
}

// RunMode is derived from the payload variant
func (a *ScheduledAction) RunMode() RunMode {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.RunMode()
}

// Definition returns the stored schedule
func (a *ScheduledAction) Definition() Definition {
	return Definition{
		Kind:     a.Kind,
		RunAt:    a.RunAt,
		Rule:     a.Rule,
		StartsAt: a.StartsAt,
		EndsAt:   a.EndsAt,
	}
}

// Location resolves the action's timezone
func (a *ScheduledAction) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q for action %s", a.Timezone, a.ID)
	}
	return loc, nil
}

// ApplySchedule validates spec, replaces the stored definition (clearing
// fields the new kind does not use) and recomputes NextRunAt when active.
// It never changes Status; on error the action is left untouched.
func (a *ScheduledAction) ApplySchedule(spec ScheduleSpec, now time.Time) error {
	def, err := spec.Definition()
	if err != nil {
		return err
	}
	if _, err := a.Location(); err != nil {
		return errors.NewInvalidRequestError("timezone %q: %v", a.Timezone, err)
	}
	a.setDefinition(def, now)
	a.touch(now)
	return nil
}

func (a *ScheduledAction) setDefinition(def Definition, now time.Time) {
	a.Kind = def.Kind
	a.RunAt, a.Rule, a.StartsAt, a.EndsAt = nil, nil, nil, nil
	switch def.Kind {
	case KindOnce:
		a.RunAt = def.RunAt
		a.EndsAt = def.EndsAt
	case KindRecurring:
		a.Rule = def.Rule
		a.StartsAt = def.StartsAt
		a.EndsAt = def.EndsAt
	}
	a.recompute(now)
}

// recompute sets NextRunAt from the definition relative to ref. Only
// active actions carry a next run.
func (a *ScheduledAction) recompute(ref time.Time) {
	a.NextRunAt = nil
	if a.Status != StatusActive {
		return
	}
	loc, err := a.Location()
	if err != nil {
		return
	}
	if next, ok := NextRunAt(a.Definition(), ref, loc); ok {
		a.NextRunAt = &next
	}
}

// Cancel stops all future occurrences. Canceling a canceled or completed
// action is a no-op. A run already executing is not interrupted.
func (a *ScheduledAction) Cancel(now time.Time) {
	if a.Status.IsTerminal() {
		return
	}
	now = now.UTC().Truncate(time.Second)
	a.Status = StatusCanceled
	a.NextRunAt = nil
	a.CanceledAt = &now
	a.touch(now)
}

// Pause suspends an active action. Pausing a paused action is a no-op.
func (a *ScheduledAction) Pause(now time.Time) error {
	switch a.Status {
	case StatusPaused:
		return nil
	case StatusActive:
		a.Status = StatusPaused
		a.NextRunAt = nil
		a.touch(now)
		return nil
	}
	return errors.NewConflictError("cannot pause %s action %s", a.Status, a.ID)
}

// Resume reactivates a paused action and recomputes its next run from now.
// Occurrences that fell inside the pause are not replayed.
func (a *ScheduledAction) Resume(now time.Time) error {
	switch a.Status {
	case StatusActive:
		return nil
	case StatusPaused:
		a.Status = StatusActive
		a.recompute(now)
		a.touch(now)
		return nil
	}
	return errors.NewConflictError("cannot resume %s action %s", a.Status, a.ID)
}

// recordRun mirrors a finished run into the last-run summary
func (a *ScheduledAction) recordRun(run *Run) {
	started := run.StartedAt
	a.LastRunAt = &started
	a.LastRunStatus = run.Status
	a.LastError = run.Error
}

// advance moves past the occurrence at scheduledFor: once schedules
// complete, recurring schedules recompute from now and complete when no
// occurrence remains. Nothing happens unless the action is still active
// and still pointing at that occurrence.
func (a *ScheduledAction) advance(scheduledFor, now time.Time) {
	if a.Status != StatusActive || a.NextRunAt == nil || !a.NextRunAt.Equal(scheduledFor) {
		return
	}
	now = now.UTC().Truncate(time.Second)

	if a.Kind == KindRecurring {
		ref := now
		if scheduledFor.After(ref) {
			ref = scheduledFor
		}
		a.recompute(ref)
		if a.NextRunAt != nil {
			a.touch(now)
			return
		}
	}

	a.Status = StatusCompleted
	a.NextRunAt = nil
	a.CompletedAt = &now
	a.touch(now)
}

func (a *ScheduledAction) touch(now time.Time) {
	a.UpdatedAt = now.UTC().Truncate(time.Second)
}

// Clone returns a copy that shares no pointers with a
func (a *ScheduledAction) Clone() *ScheduledAction {
	c := *a
	c.RunAt = cloneTime(a.RunAt)
	c.StartsAt = cloneTime(a.StartsAt)
	c.EndsAt = cloneTime(a.EndsAt)
	c.NextRunAt = cloneTime(a.NextRunAt)
	c.LastRunAt = cloneTime(a.LastRunAt)
	c.CanceledAt = cloneTime(a.CanceledAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	if a.Rule != nil {
		r := *a.Rule
		r.DaysOfWeek = append([]time.Weekday(nil), a.Rule.DaysOfWeek...)
		c.Rule = &r
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
