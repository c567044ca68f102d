// Package notification delivers security events to operators (logs, Telegram, webhooks)
// and to other processes through Redis pub/sub.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/security"
)

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an event. Returns error if delivery fails.
	Send(ctx context.Context, event models.SecurityEvent) error
}

// Handler adapts a notifier to the event bus. Events below min are skipped.
func Handler(name string, n Notifier, min models.Severity) security.Handler {
	return security.HandlerFunc{
		ID: name,
		Fn: func(ctx context.Context, event models.SecurityEvent) error {
			if event.Severity.Rank() < min.Rank() {
				return nil
			}
			return n.Send(ctx, event)
		},
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notification")}
}

func (n *LogNotifier) Send(ctx context.Context, event models.SecurityEvent) error {
	level := slog.LevelInfo
	switch event.Severity {
	case models.SeverityMedium:
		level = slog.LevelWarn
	case models.SeverityHigh, models.SeverityCritical:
		level = slog.LevelError
	}
	args := []any{"event_id", event.ID, "type", event.Type, "severity", event.Severity}
	for _, k := range sortedKeys(event.Metadata) {
		args = append(args, "meta_"+k, event.Metadata[k])
	}
	n.log.Log(ctx, level, event.Message, args...)
	return nil
}

// title renders "[CRITICAL] emergency stop" style headlines.
func title(event models.SecurityEvent) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), strings.ReplaceAll(event.Type, "_", " "))
}

// text renders the event as plain text lines for chat backends.
func text(event models.SecurityEvent) string {
	var b strings.Builder
	b.WriteString(title(event))
	b.WriteString("\n")
	b.WriteString(event.Message)
	for _, k := range sortedKeys(event.Metadata) {
		fmt.Fprintf(&b, "\n%s: %s", k, event.Metadata[k])
	}
	if !event.Timestamp.IsZero() {
		b.WriteString("\n")
		b.WriteString(event.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
