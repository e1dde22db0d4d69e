// Package obslog provides structured logging for the gateway with automatic
// redaction of bearer tokens, API keys, and session identifiers.
//
// All exported functions use the global DefaultLogger, configured from the
// LOG_LEVEL environment variable at init time.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// DefaultLogger is the global structured logger instance. Safe for
// concurrent use.
var DefaultLogger *slog.Logger

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	DefaultLogger = slog.New(handler)
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	DefaultLogger = slog.New(handler)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) { DefaultLogger.Info(msg, args...) }

// InfoContext logs an informational message carrying the caller's context,
// so a correlation id attached via WithRequestID is included automatically.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, withCorrelation(ctx, args)...)
}

// Debug logs a debug-level message.
func Debug(msg string, args ...any) { DefaultLogger.Debug(msg, args...) }

// DebugContext logs a debug message carrying the caller's context.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, withCorrelation(ctx, args)...)
}

// Warn logs a warning. Use for recoverable failures: rejections, rate
// limiting, subscriber drops.
func Warn(msg string, args ...any) { DefaultLogger.Warn(msg, args...) }

// WarnContext logs a warning carrying the caller's context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, withCorrelation(ctx, args)...)
}

// Error logs an error. Use for internal faults only — never for expected
// rejections (validation, auth, rate, conflict, not-found).
func Error(msg string, args ...any) { DefaultLogger.Error(msg, args...) }

// ErrorContext logs an error carrying the caller's context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, withCorrelation(ctx, args)...)
}

type correlationKey struct{}

// WithRequestID attaches a correlation id (an inbound frame's id, or a
// minted id for a server push) to ctx so every log line for that request's
// lifetime can be tied together.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func withCorrelation(ctx context.Context, args []any) []any {
	id, ok := ctx.Value(correlationKey{}).(string)
	if !ok || id == "" {
		return args
	}
	return append([]any{"requestId", id}, args...)
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_\-.]+`),
	regexp.MustCompile(`[a-zA-Z0-9_]+_(?:live|test)_[a-f0-9]{16,}`),
	regexp.MustCompile(`sess_[a-zA-Z0-9_-]{16,}`),
}

// RedactSensitiveData replaces bearer tokens, API keys, and session ids
// embedded in input with a redacted form that preserves a short prefix for
// debugging while hiding the secret itself.
func RedactSensitiveData(input string) string {
	result := input
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}
