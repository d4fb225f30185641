package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/cadence/sym"
)

// Pulse symbols are logged as a structured field, never inside the message,
// so output stays queryable by symbol.

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
//
// Usage:
//
//	p.pulseLog = logger.AddPulseSymbol(baseLogger)
//	p.pulseLog.Infow("Dispatched", "action_id", id)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}
