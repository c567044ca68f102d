package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// DCA buys a fixed quote amount of every token at a fixed interval.
//
// params: buy_every_hours (24), trade_size (max position size)
type DCA struct {
	*Base
	every time.Duration
	size  float64

	mu      sync.Mutex
	lastBuy map[string]time.Time
}

func NewDCA(cfg Config, params Params, deps Deps) (*DCA, error) {
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskLow
	}
	base, err := NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	hours, err := params.positive("buy_every_hours", 24)
	if err != nil {
		return nil, fmt.Errorf("dca %s: %w", cfg.Name, err)
	}
	size, err := params.positive("trade_size", base.cfg.MaxPositionSize)
	if err != nil {
		return nil, fmt.Errorf("dca %s: %w", cfg.Name, err)
	}
	return &DCA{
		Base:    base,
		every:   time.Duration(hours * float64(time.Hour)),
		size:    size,
		lastBuy: make(map[string]time.Time),
	}, nil
}

func (s *DCA) Execute(ctx context.Context) error {
	return s.Tick(ctx, s.signal)
}

func (s *DCA) signal(_ context.Context, token string, _ *models.MarketData) *Signal {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastBuy[token]; ok && now.Sub(last) < s.every {
		return nil
	}
	s.lastBuy[token] = now
	return &Signal{Value: s.size, Reason: fmt.Sprintf("scheduled buy every %s", s.every)}
}
