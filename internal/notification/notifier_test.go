package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/models"
)

var testEvent = models.SecurityEvent{
	ID:        "evt-1",
	Type:      models.EventEmergencyStop,
	Severity:  models.SeverityCritical,
	Message:   "emergency stop: drawdown 25.00% exceeds emergency threshold 20.00%",
	Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	Metadata:  map[string]string{"reason": "drawdown", "positions_closed": "3"},
}

type recordNotifier struct {
	mu   sync.Mutex
	sent []models.SecurityEvent
}

func (r *recordNotifier) Send(_ context.Context, e models.SecurityEvent) error {
	r.mu.Lock()
	r.sent = append(r.sent, e)
	r.mu.Unlock()
	return nil
}

func TestHandler_MinimumSeverity(t *testing.T) {
	tests := []struct {
		min  models.Severity
		want []models.Severity
	}{
		{models.SeverityLow, []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical}},
		{models.SeverityHigh, []models.Severity{models.SeverityHigh, models.SeverityCritical}},
		{models.SeverityCritical, []models.Severity{models.SeverityCritical}},
	}

	for _, tt := range tests {
		t.Run(string(tt.min), func(t *testing.T) {
			rec := &recordNotifier{}
			h := Handler("rec", rec, tt.min)
			assert.Equal(t, "rec", h.Name())
			for _, s := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
				require.NoError(t, h.Handle(context.Background(), models.SecurityEvent{Severity: s}))
			}
			var got []models.Severity
			for _, e := range rec.sent {
				got = append(got, e.Severity)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, n.Send(context.Background(), testEvent))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, testEvent.Message, line["msg"])
	assert.Equal(t, "notification", line["component"])
	assert.Equal(t, "drawdown", line["meta_reason"])
	assert.Equal(t, "3", line["meta_positions_closed"])
}

func TestText(t *testing.T) {
	want := "[CRITICAL] emergency stop\n" + testEvent.Message +
		"\npositions_closed: 3\nreason: drawdown\n2026-03-02 12:00:00 UTC"
	assert.Equal(t, want, text(testEvent))
}

func TestWebhookNotifier(t *testing.T) {
	var (
		got    webhookPayload
		header string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		header = r.Header.Get("X-Token")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, map[string]string{"X-Token": "secret"})
	require.NoError(t, n.Send(context.Background(), testEvent))

	assert.Equal(t, "secret", header)
	assert.Equal(t, "evt-1", got.ID)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, "[CRITICAL] emergency stop", got.Title)
	assert.Equal(t, "2026-03-02T12:00:00Z", got.TS)
	assert.Equal(t, "3", got.Metadata["positions_closed"])
}

func TestWebhookNotifier_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, nil).Send(context.Background(), testEvent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, f.err
}

func TestTelegramNotifier(t *testing.T) {
	bot := &fakeBot{}
	n := &TelegramNotifier{bot: bot, chatID: -1001}

	require.NoError(t, n.Send(context.Background(), testEvent))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-1001), msg.ChatID)
	assert.Equal(t, text(testEvent), msg.Text)

	bot.err = errors.New("Forbidden: bot was blocked by the user")
	err := n.Send(context.Background(), testEvent)
	assert.ErrorContains(t, err, "blocked")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, testEvent), context.Canceled)
	assert.Len(t, bot.sent, 2)
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return goredis.NewIntResult(1, f.err)
}

func TestRedisPublisher(t *testing.T) {
	pub := &fakePublisher{}
	require.NoError(t, NewRedisPublisher(pub, "").Send(context.Background(), testEvent))

	assert.Equal(t, DefaultChannel, pub.channel)
	var got models.SecurityEvent
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, testEvent.ID, got.ID)
	assert.Equal(t, testEvent.Metadata, got.Metadata)
	assert.True(t, testEvent.Timestamp.Equal(got.Timestamp))

	pub.err = errors.New("connection refused")
	err := NewRedisPublisher(pub, "alerts").Send(context.Background(), testEvent)
	assert.ErrorContains(t, err, "publish to alerts")
}
