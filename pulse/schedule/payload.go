package schedule

import (
	"encoding/json"
	"strings"

	"github.com/teranos/cadence/errors"
)

// RunMode says what kind of work an occurrence performs. It is derived
// from the payload variant and never stored independently of it.
type RunMode string

const (
	RunModeReminder   RunMode = "reminder"
	RunModeAutomation RunMode = "automation"
)

// Payload is the work description handed to the Executor. The set of
// variants is closed: ReminderPayload and AutomationPayload.
type Payload interface {
	RunMode() RunMode
	validate() FieldErrors
}

// ReminderPayload posts a message into the action's chat
type ReminderPayload struct {
	Message string `json:"message" yaml:"message"`
}

// AutomationPayload runs a tool with arguments. ChatID overrides the
// action's chat for tool output.
type AutomationPayload struct {
	ToolName  string         `json:"tool_name" yaml:"tool_name"`
	Arguments map[string]any `json:"arguments" yaml:"arguments"`
	ChatID    string         `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
}

func (ReminderPayload) RunMode() RunMode   { return RunModeReminder }
func (AutomationPayload) RunMode() RunMode { return RunModeAutomation }

func (p ReminderPayload) validate() FieldErrors {
	if strings.TrimSpace(p.Message) == "" {
		return FieldErrors{{Field: "payload.message", Message: "required for reminders"}}
	}
	return nil
}

func (p AutomationPayload) validate() FieldErrors {
	var errs FieldErrors
	if strings.TrimSpace(p.ToolName) == "" {
		errs = append(errs, FieldError{Field: "payload.tool_name", Message: "required for automations"})
	}
	if p.Arguments == nil {
		errs = append(errs, FieldError{Field: "payload.arguments", Message: "required for automations (use {} for none)"})
	}
	return errs
}

// EncodePayload serializes a payload for storage
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", p.RunMode())
	}
	return data, nil
}

// DecodePayload parses a stored payload for the given run mode
func DecodePayload(mode RunMode, data []byte) (Payload, error) {
	switch mode {
	case RunModeReminder:
		var p ReminderPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "decode reminder payload")
		}
		return p, nil
	case RunModeAutomation:
		var p AutomationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, errors.Wrap(err, "decode automation payload")
		}
		if p.Arguments == nil {
			p.Arguments = map[string]any{}
		}
		return p, nil
	}
	return nil, errors.Newf("unknown run mode %q", mode)
}
