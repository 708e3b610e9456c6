package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sandwichfarm/livefeed/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new structured logger based on config.
// Output goes to a rotating file when logging.path is set, otherwise stdout.
func NewLogger(cfg *config.Logging) *Logger {
	var w io.Writer = os.Stdout
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return newLogger(cfg, w, true)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	return newLogger(cfg, w, false)
}

func newLogger(cfg *config.Logging, w io.Writer, rfc3339 bool) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{Level: level}
	if rfc3339 {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Discard returns a logger that drops everything; used by tests and optional collaborators
func Discard() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  slog.LevelError,
		format: "text",
	}
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// Component-specific logger helpers

// LogSubscription logs a subscription opening, closing or failing
func (l *Logger) LogSubscription(source string, opened bool, err error) {
	if err != nil {
		l.Warn("subscription error",
			"source", source,
			"error", err)
	} else if opened {
		l.Debug("subscription opened",
			"source", source)
	} else {
		l.Debug("subscription closed",
			"source", source)
	}
}

// LogReconcile logs a reconciliation pass
func (l *Logger) LogReconcile(trigger string, rows, trackers int, duration time.Duration) {
	l.Debug("reconcile pass",
		"trigger", trigger,
		"rows", rows,
		"trackers", trackers,
		"duration_us", duration.Microseconds())
}

// LogStaleCallback logs a callback dropped because its owner was torn down
func (l *Logger) LogStaleCallback(source, key string) {
	l.Debug("stale callback dropped",
		"source", source,
		"key", key)
}

// LogStoreOperation logs a document store operation
func (l *Logger) LogStoreOperation(op string, path string, duration time.Duration, err error) {
	if err != nil {
		l.Error("store operation failed",
			"operation", op,
			"path", path,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("store operation completed",
			"operation", op,
			"path", path,
			"duration_ms", duration.Milliseconds())
	}
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(method, path string, status int, duration time.Duration) {
	l.Info("request",
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", duration.Milliseconds())
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, fields map[string]interface{}) {
	l.Info("livefeed starting",
		"version", version,
		"commit", commit,
		"config", fields)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("livefeed shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	// Create a default logger for early startup
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
