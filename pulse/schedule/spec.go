package schedule

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/errors"
)

// ScheduleSpec is the caller-supplied schedule:
//
//	{kind: once, run_at}
//	{kind: recurring, rule: {...}, starts_at?, ends_at?}
//
// ends_at is also honored for once schedules.
type ScheduleSpec struct {
	Kind     string     `json:"kind" yaml:"kind"`
	RunAt    *time.Time `json:"run_at,omitempty" yaml:"run_at,omitempty"`
	Rule     *RuleSpec  `json:"rule,omitempty" yaml:"rule,omitempty"`
	StartsAt *time.Time `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty" yaml:"ends_at,omitempty"`
}

// Definition validates the spec. Timestamps are truncated to whole
// seconds and normalized to UTC.
func (s ScheduleSpec) Definition() (Definition, error) {
	var errs FieldErrors
	def := Definition{
		Kind:     Kind(strings.ToLower(strings.TrimSpace(s.Kind))),
		RunAt:    truncate(s.RunAt),
		StartsAt: truncate(s.StartsAt),
		EndsAt:   truncate(s.EndsAt),
	}

	switch def.Kind {
	case KindOnce:
		if def.RunAt == nil {
			errs = append(errs, FieldError{Field: "run_at", Message: "required for once schedules"})
		}
		if s.Rule != nil {
			errs = append(errs, FieldError{Field: "rule", Message: "not allowed for once schedules"})
		}
		if def.StartsAt != nil {
			errs = append(errs, FieldError{Field: "starts_at", Message: "not allowed for once schedules"})
		}

	case KindRecurring:
		if def.RunAt != nil {
			errs = append(errs, FieldError{Field: "run_at", Message: "not allowed for recurring schedules"})
		}
		if s.Rule == nil {
			errs = append(errs, FieldError{Field: "rule", Message: "required for recurring schedules"})
		} else if rule, err := ParseRecurrenceRule(*s.Rule); err != nil {
			errs = append(errs, fieldErrorsOf(err, "rule").prefixed("rule")...)
		} else {
			def.Rule = rule
		}
		if def.StartsAt != nil && def.EndsAt != nil && !def.EndsAt.After(*def.StartsAt) {
			errs = append(errs, FieldError{Field: "ends_at", Message: "must be after starts_at"})
		}

	default:
		errs = append(errs, FieldError{Field: "kind", Message: fmt.Sprintf("must be once or recurring, got %q", s.Kind)})
	}

	if len(errs) > 0 {
		return Definition{}, errs
	}
	return def, nil
}

var (
	scheduleKeys = []string{"kind", "run_at", "rule", "starts_at", "ends_at"}
	ruleKeys     = []string{"frequency", "interval", "time_of_day", "days_of_week", "day_of_month"}
)

// unknownKeys reports mapping keys of node outside allowed. node.Decode
// starts a fresh decoder, so the caller's KnownFields does not reach here.
func unknownKeys(node *yaml.Node, allowed []string, prefix string) FieldErrors {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	var errs FieldErrors
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !slices.Contains(allowed, key) {
			errs = append(errs, FieldError{Field: prefix + key, Message: "unknown field"})
			continue
		}
		if prefix == "" && key == "rule" {
			errs = append(errs, unknownKeys(node.Content[i+1], ruleKeys, "rule.")...)
		}
	}
	return errs
}

// UnmarshalYAML reads timestamps as RFC3339 text whether or not they are
// quoted, so JSON and YAML files behave the same. Unknown keys in the
// schedule or its rule are rejected.
func (s *ScheduleSpec) UnmarshalYAML(node *yaml.Node) error {
	if errs := unknownKeys(node, scheduleKeys, ""); len(errs) > 0 {
		return errs
	}

	var raw struct {
		Kind     string    `yaml:"kind"`
		RunAt    string    `yaml:"run_at"`
		Rule     *RuleSpec `yaml:"rule"`
		StartsAt string    `yaml:"starts_at"`
		EndsAt   string    `yaml:"ends_at"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	var errs FieldErrors
	parse := func(field, value string) *time.Time {
		if value == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("must be an RFC3339 timestamp, got %q", value)})
			return nil
		}
		return &t
	}

	*s = ScheduleSpec{
		Kind:     raw.Kind,
		RunAt:    parse("run_at", raw.RunAt),
		Rule:     raw.Rule,
		StartsAt: parse("starts_at", raw.StartsAt),
		EndsAt:   parse("ends_at", raw.EndsAt),
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SpecOf converts a stored definition back to its wire form
func SpecOf(def Definition) ScheduleSpec {
	spec := ScheduleSpec{
		Kind:     string(def.Kind),
		RunAt:    def.RunAt,
		StartsAt: def.StartsAt,
		EndsAt:   def.EndsAt,
	}
	if def.Rule != nil {
		rule := def.Rule.Spec()
		spec.Rule = &rule
	}
	return spec
}

func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}

// ActionSpec describes a new scheduled action. Exactly one of Reminder
// and Automation must be set; it decides the run mode.
type ActionSpec struct {
	AccountID  string             `json:"account_id" yaml:"account_id"`
	AgentID    string             `json:"agent_id" yaml:"agent_id"`
	ChatID     string             `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	Title      string             `json:"title" yaml:"title"`
	Timezone   string             `json:"timezone" yaml:"timezone"`
	Schedule   ScheduleSpec       `json:"schedule" yaml:"schedule"`
	Reminder   *ReminderPayload   `json:"reminder,omitempty" yaml:"reminder,omitempty"`
	Automation *AutomationPayload `json:"automation,omitempty" yaml:"automation,omitempty"`
}

// Payload returns the single payload variant set on the spec
func (s ActionSpec) Payload() (Payload, error) {
	switch {
	case s.Reminder != nil && s.Automation != nil:
		return nil, FieldErrors{{Field: "payload", Message: "set either reminder or automation, not both"}}
	case s.Reminder != nil:
		return *s.Reminder, nil
	case s.Automation != nil:
		return *s.Automation, nil
	}
	return nil, FieldErrors{{Field: "payload", Message: "one of reminder or automation is required"}}
}

// DecodeActionFile parses an action definition in YAML or JSON.
// Unknown keys are rejected so typos do not silently drop settings.
func DecodeActionFile(data []byte) (*ActionSpec, error) {
	var spec ActionSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, errors.NewInvalidRequestError("decode action file: %v", err)
	}
	return &spec, nil
}

// DecodeScheduleFile parses a bare schedule spec in YAML or JSON
func DecodeScheduleFile(data []byte) (*ScheduleSpec, error) {
	var spec ScheduleSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return nil, errors.NewInvalidRequestError("decode schedule file: %v", err)
	}
	return &spec, nil
}
