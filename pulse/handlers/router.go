package handlers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/schedule"
)

// Router executes occurrences by run mode
type Router struct {
	delivery ReminderDelivery
	tools    *ToolRegistry
	logger   *zap.SugaredLogger
}

// NewRouter creates a router. delivery may be nil, in which case reminders
// fail; tools may be nil, in which case automations fail.
func NewRouter(delivery ReminderDelivery, tools *ToolRegistry, log *zap.SugaredLogger) *Router {
	if tools == nil {
		tools = NewToolRegistry()
	}
	if log == nil {
		log = logger.ComponentLogger("pulse.handlers")
	}
	return &Router{delivery: delivery, tools: tools, logger: log}
}

var _ schedule.Executor = (*Router)(nil)

// Tools returns the registry automations are routed through
func (r *Router) Tools() *ToolRegistry { return r.tools }

// Execute implements schedule.Executor
func (r *Router) Execute(ctx context.Context, req schedule.ExecutionRequest) schedule.Outcome {
	switch p := req.Payload.(type) {
	case schedule.ReminderPayload:
		return r.remind(ctx, req, p)
	case schedule.AutomationPayload:
		return r.automate(ctx, req, p)
	default:
		return schedule.Failed(errors.Newf("unsupported payload %T for run mode %s", req.Payload, req.RunMode))
	}
}

func (r *Router) remind(ctx context.Context, req schedule.ExecutionRequest, p schedule.ReminderPayload) schedule.Outcome {
	if r.delivery == nil {
		return schedule.Failed(errors.New("no reminder delivery configured"))
	}
	ref, err := r.delivery.Deliver(ctx, Reminder{
		ActionID:     req.ActionID,
		RunID:        req.RunID,
		AccountID:    req.AccountID,
		AgentID:      req.AgentID,
		ChatID:       req.ChatID,
		Title:        req.Title,
		Message:      p.Message,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		return schedule.Failed(err)
	}
	return schedule.Succeeded("reminder delivered", ref)
}

func (r *Router) automate(ctx context.Context, req schedule.ExecutionRequest, p schedule.AutomationPayload) schedule.Outcome {
	tool := r.tools.Get(p.ToolName)
	if tool == nil {
		return schedule.Failed(errors.Newf("unknown tool %q", p.ToolName))
	}

	chatID := req.ChatID
	if p.ChatID != "" {
		chatID = p.ChatID
	}

	start := time.Now()
	result, err := tool.Run(ctx, Call{
		ActionID:     req.ActionID,
		RunID:        req.RunID,
		AccountID:    req.AccountID,
		AgentID:      req.AgentID,
		ChatID:       chatID,
		Arguments:    p.Arguments,
		ScheduledFor: req.ScheduledFor.UTC().Format(time.RFC3339),
	})
	logger.FromContext(ctx, r.logger).Debugw("Tool finished",
		logger.FieldTool, p.ToolName,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		logger.FieldError, err)
	if err != nil {
		return schedule.Failed(errors.Wrapf(err, "tool %s", p.ToolName))
	}

	summary := result.Summary
	if summary == "" {
		summary = fmt.Sprintf("%s completed", p.ToolName)
	}
	return schedule.Succeeded(summary, result.DeliveryRef)
}
