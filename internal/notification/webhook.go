package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/utils/request"
)

// WebhookNotifier posts events as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *resty.Client
}

// NewWebhookNotifier creates a webhook notifier. Headers are sent with every request.
func NewWebhookNotifier(url string, headers map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  request.New(10*time.Second, 2),
	}
}

type webhookPayload struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Severity models.Severity   `json:"severity"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	TS       string            `json:"ts"`
}

func (w *WebhookNotifier) Send(ctx context.Context, event models.SecurityEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetHeaders(w.headers).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{
			ID:       event.ID,
			Type:     event.Type,
			Severity: event.Severity,
			Title:    title(event),
			Message:  event.Message,
			Metadata: event.Metadata,
			TS:       ts.UTC().Format(time.RFC3339Nano),
		}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode())
	}
	return nil
}
