package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across cadence.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldActionID     = "action_id"
	FieldRunID        = "run_id"
	FieldAccountID    = "account_id"
	FieldAgentID      = "agent_id"
	FieldScheduledFor = "scheduled_for_at"
	FieldNextRunAt    = "next_run_at"

	// Components
	FieldComponent = "component"
	FieldTool      = "tool"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldLateness   = "lateness"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus = "status"
	FieldResult = "result"

	// Symbol (꩜, ✿, ❀)
	FieldSymbol = "symbol"
)

type contextKey string

const (
	actionIDKey  contextKey = "logger_action_id"
	runIDKey     contextKey = "logger_run_id"
	componentKey contextKey = "logger_component"
)

// WithActionID adds a scheduled action ID to the context for logging
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey, actionID)
}

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(actionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldActionID, id)
	}
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRunID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base with fields extracted from ctx.
// Executors use this so tool logs carry the action and run they belong to.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Poller struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewPoller() *Poller {
//	    return &Poller{
//	        logger: logger.ComponentLogger("pulse.wake"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
