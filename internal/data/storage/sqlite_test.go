package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStorage_Trades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	trades := []models.TradeRecord{
		{ID: "t1", Strategy: "dca", PositionID: "p1", Action: models.TradeOpen, TokenIn: "USDT", TokenOut: "BTC",
			AmountIn: decimal.NewFromInt(100), AmountOut: decimal.RequireFromString("0.002"), Price: decimal.NewFromInt(50000), ExecutedAt: base},
		{ID: "t2", Strategy: "grid", PositionID: "p2", Action: models.TradeOpen, TokenIn: "USDT", TokenOut: "ETH",
			AmountIn: decimal.NewFromInt(50), AmountOut: decimal.RequireFromString("0.025"), Price: decimal.NewFromInt(2000), ExecutedAt: base.Add(time.Second)},
		{ID: "t3", Strategy: "dca", PositionID: "p1", Action: models.TradeClose, TokenIn: "BTC", TokenOut: "USDT",
			AmountIn: decimal.RequireFromString("0.002"), AmountOut: decimal.RequireFromString("104.5"), Price: decimal.NewFromInt(52250),
			TxHash: "PAPER-3", Reason: "take profit", ExecutedAt: base.Add(2 * time.Second)},
	}
	for i := range trades {
		require.NoError(t, s.SaveTrade(ctx, &trades[i]))
	}

	all, err := s.RecentTrades(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID)

	dca, err := s.RecentTrades(ctx, "dca", 10)
	require.NoError(t, err)
	require.Len(t, dca, 2)
	assert.Equal(t, models.TradeClose, dca[0].Action)
	assert.True(t, dca[0].AmountOut.Equal(decimal.RequireFromString("104.5")))
	assert.Equal(t, "take profit", dca[0].Reason)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), dca[0].ExecutedAt.UnixMilli())

	// duplicate ids are rejected
	assert.Error(t, s.SaveTrade(ctx, &trades[0]))
}

func TestSQLiteStorage_Events(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveEvent(ctx, &models.SecurityEvent{
		ID: "e1", Type: models.EventRiskViolation, Severity: models.SeverityHigh,
		Message: "risk limits violated", Timestamp: now.Add(-time.Minute),
		Metadata: map[string]string{"breaches": "drawdown"},
	}))
	require.NoError(t, s.SaveEvent(ctx, &models.SecurityEvent{
		ID: "e2", Type: models.EventEmergencyStop, Severity: models.SeverityCritical,
		Message: "emergency stop", Timestamp: now,
	}))

	events, err := s.RecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
	assert.Nil(t, events[0].Metadata)

	events, err = s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.SeverityHigh, events[1].Severity)
	assert.Equal(t, "drawdown", events[1].Metadata["breaches"])
}

func TestSQLiteStorage_MetricsAndHandler(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.SaveMetrics(ctx, &models.MetricsSnapshot{
		TotalValue: 10000, TotalExposure: 2500, DailyPnL: -20, MaxDrawdown: 0.01,
		RiskScore: 12.5, OpenPositions: 3, ComputedAt: time.Now(),
	}))

	h := EventHandler(s, time.Second)
	assert.Equal(t, "journal", h.Name())
	require.NoError(t, h.Handle(ctx, models.SecurityEvent{
		ID: "e3", Type: models.EventRebalance, Severity: models.SeverityMedium, Message: "rebalanced", Timestamp: time.Now(),
	}))

	events, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventRebalance, events[0].Type)
}

func TestRebind(t *testing.T) {
	pg := &sqlJournal{numbered: true}
	assert.Equal(t, "SELECT $1, $2", pg.rebind("SELECT ?, ?"))

	lite := &sqlJournal{}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}
