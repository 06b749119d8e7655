// Package logging provides structured logging for the gateway.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type contextKey string

// correlationKey carries the per-request correlation id through contexts.
const correlationKey contextKey = "correlation_id"

// WithCorrelationID returns a context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID extracts the correlation id from the context, if any.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// Logger wraps zerolog with context-aware structured logging.
type Logger struct {
	zl zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output for local development
	Writer io.Writer
}

// New creates a Logger for the named component.
func New(component string, cfg Config) *Logger {
	var w io.Writer = cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	zl := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()

	return &Logger{zl: zl}
}

// Named returns a child logger for a sub-component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// Debug logs a debug message with optional fields.
func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Debug(), msg, fields)
}

// Info logs an info message with optional fields.
func (l *Logger) Info(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Info(), msg, fields)
}

// Warn logs a warning message with optional fields.
func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Warn(), msg, fields)
}

// Error logs an error message with optional fields.
func (l *Logger) Error(ctx context.Context, msg string, fields map[string]interface{}) {
	l.emit(ctx, l.zl.Error(), msg, fields)
}

func (l *Logger) emit(ctx context.Context, ev *zerolog.Event, msg string, fields map[string]interface{}) {
	if id := CorrelationID(ctx); id != "" {
		ev = ev.Str("correlation_id", id)
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}
