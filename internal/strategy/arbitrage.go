package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Arbitrage prices a quote -> token -> quote round trip and enters when the quoted
// return beats min_profit. The position takes profit at the quoted return.
//
// params: min_profit (0.002), trade_size (max position size)
type Arbitrage struct {
	*Base
	minProfit float64
	size      float64
}

func NewArbitrage(cfg Config, params Params, deps Deps) (*Arbitrage, error) {
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskLow
	}
	base, err := NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	minProfit, err := params.positive("min_profit", 0.002)
	if err != nil {
		return nil, fmt.Errorf("arbitrage %s: %w", cfg.Name, err)
	}
	size, err := params.positive("trade_size", base.cfg.MaxPositionSize)
	if err != nil {
		return nil, fmt.Errorf("arbitrage %s: %w", cfg.Name, err)
	}
	return &Arbitrage{Base: base, minProfit: minProfit, size: size}, nil
}

func (s *Arbitrage) Execute(ctx context.Context) error {
	return s.Tick(ctx, s.signal)
}

func (s *Arbitrage) signal(ctx context.Context, token string, _ *models.MarketData) *Signal {
	if s.HasOpen(token) {
		return nil
	}

	in := decimal.NewFromFloat(s.size)
	buy, err := s.Gateway().GetQuote(ctx, s.QuoteAsset(), token, in)
	if err != nil {
		s.gatewayFailure(ctx, "quote buy "+token, err)
		return nil
	}
	if !buy.AmountOut.IsPositive() {
		return nil
	}
	sell, err := s.Gateway().GetQuote(ctx, token, s.QuoteAsset(), buy.AmountOut)
	if err != nil {
		s.gatewayFailure(ctx, "quote sell "+token, err)
		return nil
	}

	profit := sell.AmountOut.Sub(in).Div(in).InexactFloat64()
	if profit < s.minProfit {
		return nil
	}
	tp := profit * 100
	return &Signal{
		Value:          s.size,
		ExpectedReturn: profit,
		TakeProfit:     &tp,
		Reason:         fmt.Sprintf("round trip quoted %.3f%% return", profit*100),
	}
}
