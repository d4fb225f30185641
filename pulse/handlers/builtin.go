package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/logger"
)

// Built-in tool names
const (
	ToolNoop    = "noop"
	ToolLog     = "log"
	ToolWebhook = "webhook"
)

// NoopTool succeeds without doing anything. Useful for exercising schedules.
type NoopTool struct{}

func (NoopTool) Name() string { return ToolNoop }

func (NoopTool) Run(ctx context.Context, call Call) (Result, error) {
	return Result{Summary: "noop"}, nil
}

// LogTool logs its "message" argument
type LogTool struct {
	logger *zap.SugaredLogger
}

// NewLogTool creates a log tool writing to log, or the global logger
func NewLogTool(log *zap.SugaredLogger) *LogTool {
	if log == nil {
		log = logger.ComponentLogger("pulse.tool.log")
	}
	return &LogTool{logger: log}
}

func (t *LogTool) Name() string { return ToolLog }

func (t *LogTool) Run(ctx context.Context, call Call) (Result, error) {
	msg, err := requiredString(call.Arguments, "message")
	if err != nil {
		return Result{}, err
	}
	t.logger.Infow(msg,
		logger.FieldActionID, call.ActionID,
		logger.FieldRunID, call.RunID,
		"chat_id", call.ChatID)
	return Result{Summary: "logged"}, nil
}

// WebhookTool posts a JSON body to the "url" argument. The "body" argument
// is sent as-is; without one the call metadata is posted.
type WebhookTool struct {
	client *httpclient.SaferClient
}

// NewWebhookTool creates a webhook tool using client
func NewWebhookTool(client *httpclient.SaferClient) *WebhookTool {
	return &WebhookTool{client: client}
}

func (t *WebhookTool) Name() string { return ToolWebhook }

func (t *WebhookTool) Run(ctx context.Context, call Call) (Result, error) {
	url, err := requiredString(call.Arguments, "url")
	if err != nil {
		return Result{}, err
	}
	body, ok := call.Arguments["body"]
	if !ok {
		body = map[string]any{
			"action_id":        call.ActionID,
			"run_id":           call.RunID,
			"account_id":       call.AccountID,
			"agent_id":         call.AgentID,
			"chat_id":          call.ChatID,
			"scheduled_for_at": call.ScheduledFor,
		}
	}

	resp, err := t.client.PostJSON(ctx, url, body)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Summary:     fmt.Sprintf("webhook returned %d", resp.StatusCode),
		DeliveryRef: resp.RequestID,
	}, nil
}

// RegisterBuiltins adds the noop, log and webhook tools. client may be nil
// to leave the webhook tool out.
func RegisterBuiltins(r *ToolRegistry, client *httpclient.SaferClient, log *zap.SugaredLogger) {
	r.Register(NoopTool{})
	r.Register(NewLogTool(log))
	if client != nil {
		r.Register(NewWebhookTool(client))
	}
}

func requiredString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", errors.Newf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Newf("argument %q must be a string, got %T", key, v)
	}
	if s == "" {
		return "", errors.Newf("argument %q cannot be empty", key)
	}
	return s, nil
}
