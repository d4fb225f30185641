package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/logger"
)

// Reminder is a message to post into a chat
type Reminder struct {
	ActionID     string    `json:"action_id"`
	RunID        string    `json:"run_id"`
	AccountID    string    `json:"account_id"`
	AgentID      string    `json:"agent_id"`
	ChatID       string    `json:"chat_id,omitempty"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	ScheduledFor time.Time `json:"scheduled_for_at"`
}

// ReminderDelivery posts reminders. It returns a reference to the delivered
// message when the channel provides one.
type ReminderDelivery interface {
	Deliver(ctx context.Context, r Reminder) (ref string, err error)
}

// LogDelivery writes reminders to the log. Used when no webhook is
// configured and in development.
type LogDelivery struct {
	logger *zap.SugaredLogger
}

// NewLogDelivery creates a delivery that logs to log, or the global logger
func NewLogDelivery(log *zap.SugaredLogger) *LogDelivery {
	if log == nil {
		log = logger.ComponentLogger("pulse.delivery")
	}
	return &LogDelivery{logger: log}
}

func (d *LogDelivery) Deliver(ctx context.Context, r Reminder) (string, error) {
	d.logger.Infow("Reminder",
		logger.FieldActionID, r.ActionID,
		logger.FieldRunID, r.RunID,
		logger.FieldAgentID, r.AgentID,
		"chat_id", r.ChatID,
		"title", r.Title,
		"message", r.Message)
	return "log:" + r.RunID, nil
}

// WebhookDelivery posts reminders as JSON to a fixed URL
type WebhookDelivery struct {
	client *httpclient.SaferClient
	url    string
}

// NewWebhookDelivery validates url against client's SSRF rules up front
func NewWebhookDelivery(client *httpclient.SaferClient, url string) (*WebhookDelivery, error) {
	if _, err := client.ValidateURL(url); err != nil {
		return nil, errors.Wrap(err, "invalid reminder webhook")
	}
	return &WebhookDelivery{client: client, url: url}, nil
}

// Deliver posts r. The receiver's X-Request-Id becomes the delivery ref,
// falling back to the run id.
func (d *WebhookDelivery) Deliver(ctx context.Context, r Reminder) (string, error) {
	resp, err := d.client.PostJSON(ctx, d.url, r)
	if err != nil {
		return "", errors.Wrapf(err, "failed to deliver reminder for %s", r.ActionID)
	}
	if resp.RequestID != "" {
		return resp.RequestID, nil
	}
	return "webhook:" + r.RunID, nil
}
