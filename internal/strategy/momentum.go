package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Momentum buys a token whose price rose by at least threshold over the last lookback
// ticks, holding at most one position per token.
//
// params: lookback (12), threshold (0.02), trade_size (max position size)
type Momentum struct {
	*Base
	lookback  int
	threshold float64
	size      float64

	mu     sync.Mutex
	prices map[string][]float64
}

func NewMomentum(cfg Config, params Params, deps Deps) (*Momentum, error) {
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskHigh
	}
	base, err := NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	lookback, err := params.positive("lookback", 12)
	if err != nil {
		return nil, fmt.Errorf("momentum %s: %w", cfg.Name, err)
	}
	threshold, err := params.positive("threshold", 0.02)
	if err != nil {
		return nil, fmt.Errorf("momentum %s: %w", cfg.Name, err)
	}
	size, err := params.positive("trade_size", base.cfg.MaxPositionSize)
	if err != nil {
		return nil, fmt.Errorf("momentum %s: %w", cfg.Name, err)
	}
	if lookback < 2 {
		lookback = 2
	}
	return &Momentum{
		Base:      base,
		lookback:  int(lookback),
		threshold: threshold,
		size:      size,
		prices:    make(map[string][]float64),
	}, nil
}

func (s *Momentum) Execute(ctx context.Context) error {
	return s.Tick(ctx, s.signal)
}

func (s *Momentum) signal(_ context.Context, token string, md *models.MarketData) *Signal {
	s.mu.Lock()
	window := append(s.prices[token], md.Price)
	if len(window) > s.lookback {
		window = window[len(window)-s.lookback:]
	}
	s.prices[token] = window
	s.mu.Unlock()

	if len(window) < s.lookback || s.HasOpen(token) {
		return nil
	}
	change := (window[len(window)-1] - window[0]) / window[0]
	if change < s.threshold {
		return nil
	}
	return &Signal{
		Value:          s.size,
		ExpectedReturn: change,
		Reason:         fmt.Sprintf("price up %.2f%% over %d ticks", change*100, s.lookback),
	}
}
