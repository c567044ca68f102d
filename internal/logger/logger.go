// Package logger sets up structured JSON logging with log/slog and carries
// correlation references through context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const refKey ctxKey = "ref"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	return New(os.Stdout, service, level)
}

// New is Init with an explicit writer. The logger becomes the slog default.
func New(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// NewRef returns a short correlation reference for an error report.
func NewRef() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// WithRef stores a correlation reference in the context.
func WithRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, refKey, ref)
}

// Ref extracts the correlation reference from context. Returns "" if not set.
func Ref(ctx context.Context) string {
	if v, ok := ctx.Value(refKey).(string); ok {
		return v
	}
	return ""
}

// LogWithRef returns slog attributes including the reference from context.
// Usage: log.Error("msg", logger.LogWithRef(ctx)...)
func LogWithRef(ctx context.Context) []any {
	ref := Ref(ctx)
	if ref == "" {
		return nil
	}
	return []any{slog.String("ref", ref)}
}
