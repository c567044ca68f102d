package storage

import (
	"context"
	"time"

	"github.com/songzhibin97/quantaguard/internal/data"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/security"
)

// EventHandler persists bus events to the journal.
func EventHandler(journal data.Journal, timeout time.Duration) security.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return security.HandlerFunc{
		ID: "journal",
		Fn: func(ctx context.Context, event models.SecurityEvent) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return journal.SaveEvent(ctx, &event)
		},
	}
}
