// Package logger provides structured logging using log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LevelTrace is more verbose than debug, for per-request decision tracing.
const LevelTrace = slog.Level(-8)

var (
	defaultLogger *slog.Logger
	levelVar      = new(slog.LevelVar)
	currentFormat string
	output        io.Writer
	mu            sync.RWMutex
)

// Init initializes the global logger with the specified level and format.
func Init(level, format string) {
	mu.Lock()
	defer mu.Unlock()

	if output == nil {
		output = os.Stdout
	}
	currentFormat = format
	levelVar.Set(ParseLevel(level))
	defaultLogger = newLogger(format, output, levelVar)
}

// ParseLevel converts a string level to slog.Level. Unknown levels map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format string, w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// New creates a standalone logger with the specified configuration.
// It does not touch the global logger.
func New(level, format string, w io.Writer) *slog.Logger {
	return newLogger(format, w, ParseLevel(level))
}

// Reconfigure changes the log level and/or format at runtime.
func Reconfigure(level, format string) {
	mu.Lock()
	levelVar.Set(ParseLevel(level))
	if format != currentFormat {
		currentFormat = format
		if output == nil {
			output = os.Stdout
		}
		defaultLogger = newLogger(format, output, levelVar)
	}
	mu.Unlock()

	Info("logger_reconfigured", "level", level, "format", format)
}

// Default returns the default logger, initializing it if necessary.
func Default() *slog.Logger {
	mu.RLock()
	logger := defaultLogger
	mu.RUnlock()

	if logger == nil {
		Init("info", "json")
		mu.RLock()
		logger = defaultLogger
		mu.RUnlock()
	}
	return logger
}

// Trace logs at trace level (more verbose than debug).
func Trace(msg string, args ...any) {
	Default().Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// TraceContext logs at trace level with context.
func TraceContext(ctx context.Context, msg string, args ...any) {
	Default().Log(ctx, LevelTrace, msg, args...)
}

// WarnContext logs at warn level with context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	Default().WarnContext(ctx, msg, args...)
}

// With returns a new logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Default().With(args...)
}

// LogRequest logs a proxied request with standard fields.
func LogRequest(requestID, method, path, provider, keyID string, status int, durationMs int64) {
	Default().Info("request",
		"request_id", requestID,
		"method", method,
		"path", path,
		"provider", provider,
		"key_id", keyID,
		"status", status,
		"duration_ms", durationMs,
	)
}

// LogSelection logs a credential selection. Never pass secret material here.
func LogSelection(provider, keyID, strategy string, candidates int) {
	Default().Debug("key_selected",
		"provider", provider,
		"key_id", keyID,
		"strategy", strategy,
		"candidates", candidates,
	)
}

// LogAdmissionDenied logs a rejected connection on a listener.
func LogAdmissionDenied(listener, source, reason, path string) {
	Default().Warn("admission_denied",
		"listener", listener,
		"source", source,
		"reason", reason,
		"path", path,
	)
}

// LogLimitReached logs when an in-flight limit is reached.
func LogLimitReached(limitType, keyID string, current, max int64) {
	Default().Warn("inflight_limit_reached",
		"limit_type", limitType,
		"key_id", keyID,
		"current", current,
		"max", max,
	)
}

// LogError logs an error with context.
func LogError(operation string, err error, args ...any) {
	allArgs := append([]any{"operation", operation, "error", err.Error()}, args...)
	Default().Error("error", allArgs...)
}
