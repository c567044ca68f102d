package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/quantaguard/internal/data"
	"github.com/songzhibin97/quantaguard/internal/models"
)

// ErrAllSourcesFailed is returned when no source could serve a request.
var ErrAllSourcesFailed = errors.New("failed to collect market data from all sources")

// MultiSourceCollector implements data.DataCollector by trying each source in order
// and caching the latest answer per symbol for a short time.
type MultiSourceCollector struct {
	sources []data.MarketDataSource
	logger  Logger
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	data models.MarketData
	at   time.Time
}

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Error(msg string, fields ...any)
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
}

// NewMultiSourceCollector creates a collector; ttl <= 0 disables caching.
func NewMultiSourceCollector(sources []data.MarketDataSource, ttl time.Duration, logger Logger) *MultiSourceCollector {
	return &MultiSourceCollector{
		sources: sources,
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cached),
	}
}

func (c *MultiSourceCollector) Name() string {
	return "multi"
}

// CollectMarketData implements data.MarketDataSource
func (c *MultiSourceCollector) CollectMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	if d, ok := c.fromCache(symbol); ok {
		return d, nil
	}

	var errs []error
	for _, source := range c.sources {
		result, err := source.CollectMarketData(ctx, symbol)
		if err == nil && result != nil {
			c.logger.Debug("collected market data", "source", source.Name(), "symbol", symbol)
			c.store(symbol, *result)
			return result, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: empty response", source.Name())
		}
		errs = append(errs, fmt.Errorf("%s: %w", source.Name(), err))
		c.logger.Error("failed to collect market data", "source", source.Name(), "symbol", symbol, "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errors.Join(errs...))
}

func (c *MultiSourceCollector) fromCache(symbol string) (*models.MarketData, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[symbol]
	if !ok || c.now().Sub(entry.at) > c.ttl {
		return nil, false
	}
	d := entry.data
	return &d, true
}

func (c *MultiSourceCollector) store(symbol string, d models.MarketData) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[symbol] = cached{data: d, at: c.now()}
	c.mu.Unlock()
}

// SubscribeToMarketData implements data.DataCollector. The channel is closed once ctx
// is done.
func (c *MultiSourceCollector) SubscribeToMarketData(ctx context.Context, symbols []string, refreshInterval time.Duration) (<-chan models.MarketData, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols to subscribe")
	}
	if refreshInterval <= 0 {
		return nil, fmt.Errorf("invalid refresh interval: %s", refreshInterval)
	}

	out := make(chan models.MarketData, 100)

	go func() {
		defer close(out)

		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range symbols {
					d, err := c.CollectMarketData(ctx, symbol)
					if err != nil {
						continue
					}

					select {
					case out <- *d:
					default:
						c.logger.Error("channel full, dropping market data", "symbol", symbol)
					}
				}
			}
		}
	}()

	return out, nil
}
