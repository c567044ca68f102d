package data

import (
	"context"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// MarketDataSource 行情数据源
type MarketDataSource interface {
	// Name identifies the source in logs
	Name() string

	// CollectMarketData retrieves the latest 24h statistics for an exchange symbol
	CollectMarketData(ctx context.Context, symbol string) (*models.MarketData, error)
}

// DataCollector 负责从各种源收集数据
type DataCollector interface {
	MarketDataSource

	// SubscribeToMarketData returns a channel for periodic market updates
	SubscribeToMarketData(ctx context.Context, symbols []string, refreshInterval time.Duration) (<-chan models.MarketData, error)
}

// Journal 处理交易、事件和指标的持久化
type Journal interface {
	// SaveTrade stores an executed or closed trade
	SaveTrade(ctx context.Context, trade *models.TradeRecord) error

	// SaveEvent stores a security event
	SaveEvent(ctx context.Context, event *models.SecurityEvent) error

	// SaveMetrics stores a portfolio metrics snapshot
	SaveMetrics(ctx context.Context, snapshot *models.MetricsSnapshot) error

	// RecentEvents retrieves the newest events, newest first
	RecentEvents(ctx context.Context, limit int) ([]models.SecurityEvent, error)

	// RecentTrades retrieves the newest trades of a strategy, or of all strategies when empty
	RecentTrades(ctx context.Context, strategy string, limit int) ([]models.TradeRecord, error)

	Close() error
}
