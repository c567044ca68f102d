package strategy

import (
	"context"
	"fmt"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Scalping buys close to the 24h low and exits on a tight take-profit.
//
// params: entry_band (0.005), take_profit (0.5 percent), min_volume (0), trade_size
type Scalping struct {
	*Base
	band       float64
	takeProfit float64
	minVolume  float64
	size       float64
}

func NewScalping(cfg Config, params Params, deps Deps) (*Scalping, error) {
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskHigh
	}
	base, err := NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	band, err := params.positive("entry_band", 0.005)
	if err != nil {
		return nil, fmt.Errorf("scalping %s: %w", cfg.Name, err)
	}
	tp, err := params.positive("take_profit", 0.5)
	if err != nil {
		return nil, fmt.Errorf("scalping %s: %w", cfg.Name, err)
	}
	size, err := params.positive("trade_size", base.cfg.MaxPositionSize)
	if err != nil {
		return nil, fmt.Errorf("scalping %s: %w", cfg.Name, err)
	}
	return &Scalping{
		Base:       base,
		band:       band,
		takeProfit: tp,
		minVolume:  params.get("min_volume", 0),
		size:       size,
	}, nil
}

func (s *Scalping) Execute(ctx context.Context) error {
	return s.Tick(ctx, s.signal)
}

func (s *Scalping) signal(_ context.Context, token string, md *models.MarketData) *Signal {
	if md.Low24h <= 0 || md.Volume < s.minVolume || s.HasOpen(token) {
		return nil
	}
	if md.Price > md.Low24h*(1+s.band) {
		return nil
	}
	tp := s.takeProfit
	return &Signal{
		Value:          s.size,
		ExpectedReturn: tp / 100,
		TakeProfit:     &tp,
		Reason:         fmt.Sprintf("price %.8f within %.2f%% of 24h low %.8f", md.Price, s.band*100, md.Low24h),
	}
}
