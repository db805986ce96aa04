// Package log provides structured logging utilities for minesync services.
// It wraps the standard library's slog package with mining-session helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

// Context keys understood by WithContext.
const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
)

// Logger wraps slog.Logger with service identity and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Tests use it to capture or discard output.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "discard", "test", "error", "text")
}

// ParseLevel maps a level name to slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a logger carrying request and user ids found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With("request_id", reqID)
	}
	if userID := ctx.Value(UserIDKey); userID != nil {
		logger = logger.With("user_id", userID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithUser returns a logger scoped to one user
func (l *Logger) WithUser(userID string) *Logger {
	return l.WithFields("user_id", userID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// Mining session helpers

// LogSessionStarted logs the start of a mining session
func (l *Logger) LogSessionStarted(periodSeconds int, rate float64, endsAt time.Time) {
	l.Info("mining session started",
		"period_seconds", periodSeconds,
		"rate", rate,
		"ends_at", endsAt,
	)
}

// LogSessionStopped logs the end of a session, whether stopped or completed
func (l *Logger) LogSessionStopped(reason string, sessionAccrued, balance float64) {
	l.Info("mining session stopped",
		"reason", reason,
		"session_accrued", sessionAccrued,
		"balance", balance,
	)
}

// LogRewardCredited logs one reward cycle credit
func (l *Logger) LogRewardCredited(amount, balance float64, progress float64) {
	l.Debug("reward credited",
		"amount", amount,
		"balance", balance,
		"progress", progress,
	)
}

// LogMerge logs the outcome of a local/remote reconciliation
func (l *Logger) LogMerge(source string, localBalance, remoteBalance, mergedBalance float64, keptSession bool) {
	l.Info("remote snapshot merged",
		"source", source,
		"local_balance", localBalance,
		"remote_balance", remoteBalance,
		"merged_balance", mergedBalance,
		"kept_session", keptSession,
	)
}

// LogConnectivity logs an online/offline transition
func (l *Logger) LogConnectivity(online bool, reason string) {
	if online {
		l.Info("connectivity restored", "reason", reason)
		return
	}
	l.Warn("offline mode", "reason", reason)
}
