package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Grid places virtual buy levels spaced evenly below a reference price and buys each
// time the price falls into a lower level. Each entry takes profit one level up. The
// reference re-centres when the price leaves the grid.
//
// params: levels (5), spacing (0.01), trade_size (max position size)
type Grid struct {
	*Base
	levels  int
	spacing float64
	size    float64

	mu     sync.Mutex
	center map[string]float64
	last   map[string]int
}

func NewGrid(cfg Config, params Params, deps Deps) (*Grid, error) {
	if cfg.RiskLevel == "" {
		cfg.RiskLevel = models.RiskMedium
	}
	base, err := NewBase(cfg, deps)
	if err != nil {
		return nil, err
	}
	levels, err := params.positive("levels", 5)
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", cfg.Name, err)
	}
	spacing, err := params.positive("spacing", 0.01)
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", cfg.Name, err)
	}
	size, err := params.positive("trade_size", base.cfg.MaxPositionSize)
	if err != nil {
		return nil, fmt.Errorf("grid %s: %w", cfg.Name, err)
	}
	return &Grid{
		Base:    base,
		levels:  int(levels),
		spacing: spacing,
		size:    size,
		center:  make(map[string]float64),
		last:    make(map[string]int),
	}, nil
}

func (s *Grid) Execute(ctx context.Context) error {
	return s.Tick(ctx, s.signal)
}

func (s *Grid) signal(_ context.Context, token string, md *models.MarketData) *Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	center, ok := s.center[token]
	if !ok {
		s.center[token] = md.Price
		s.last[token] = 0
		return nil
	}

	x := (md.Price/center - 1) / s.spacing
	if x >= 1 || x <= -float64(s.levels+1) {
		// left the grid
		s.center[token] = md.Price
		s.last[token] = 0
		return nil
	}
	level := int(math.Ceil(x))
	if level > 0 {
		level = 0
	}

	prev := s.last[token]
	s.last[token] = level
	if level >= prev {
		return nil
	}

	tp := s.spacing * 100
	return &Signal{
		Value:          s.size,
		ExpectedReturn: s.spacing,
		TakeProfit:     &tp,
		Reason:         fmt.Sprintf("price crossed grid level %d", level),
	}
}
