package risk

import (
	"fmt"
	"math"
)

// Limits 风险限额配置
type Limits struct {
	MaxTotalExposure float64 `json:"max_total_exposure" yaml:"max_total_exposure"`
	MaxPositionSize  float64 `json:"max_position_size" yaml:"max_position_size"`
	MaxDailyLoss     float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDrawdown      float64 `json:"max_drawdown" yaml:"max_drawdown"`       // fraction
	MaxCorrelation   float64 `json:"max_correlation" yaml:"max_correlation"` // fraction
	MaxLeverage      float64 `json:"max_leverage" yaml:"max_leverage"`
	MinLiquidity     float64 `json:"min_liquidity" yaml:"min_liquidity"`
	MaxVolatility    float64 `json:"max_volatility" yaml:"max_volatility"` // fraction
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxTotalExposure: 10000,
		MaxPositionSize:  1000,
		MaxDailyLoss:     500,
		MaxDrawdown:      0.15,
		MaxCorrelation:   0.7,
		MaxLeverage:      3,
		MinLiquidity:     1000,
		MaxVolatility:    0.3,
	}
}

// LimitsUpdate is a partial limits change; nil fields are left untouched.
type LimitsUpdate struct {
	MaxTotalExposure *float64 `json:"max_total_exposure,omitempty"`
	MaxPositionSize  *float64 `json:"max_position_size,omitempty"`
	MaxDailyLoss     *float64 `json:"max_daily_loss,omitempty"`
	MaxDrawdown      *float64 `json:"max_drawdown,omitempty"`
	MaxCorrelation   *float64 `json:"max_correlation,omitempty"`
	MaxLeverage      *float64 `json:"max_leverage,omitempty"`
	MinLiquidity     *float64 `json:"min_liquidity,omitempty"`
	MaxVolatility    *float64 `json:"max_volatility,omitempty"`
}

// Empty reports whether the update carries no fields.
func (u LimitsUpdate) Empty() bool {
	return u.MaxTotalExposure == nil && u.MaxPositionSize == nil && u.MaxDailyLoss == nil &&
		u.MaxDrawdown == nil && u.MaxCorrelation == nil && u.MaxLeverage == nil &&
		u.MinLiquidity == nil && u.MaxVolatility == nil
}

// Apply returns l with the update merged in. The result is not validated.
func (l Limits) Apply(u LimitsUpdate) Limits {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&l.MaxTotalExposure, u.MaxTotalExposure)
	set(&l.MaxPositionSize, u.MaxPositionSize)
	set(&l.MaxDailyLoss, u.MaxDailyLoss)
	set(&l.MaxDrawdown, u.MaxDrawdown)
	set(&l.MaxCorrelation, u.MaxCorrelation)
	set(&l.MaxLeverage, u.MaxLeverage)
	set(&l.MinLiquidity, u.MinLiquidity)
	set(&l.MaxVolatility, u.MaxVolatility)
	return l
}

// Validate checks that every limit is positive and fractions stay within (0, 1].
func (l Limits) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"max_total_exposure", l.MaxTotalExposure},
		{"max_position_size", l.MaxPositionSize},
		{"max_daily_loss", l.MaxDailyLoss},
		{"max_leverage", l.MaxLeverage},
		{"min_liquidity", l.MinLiquidity},
	}
	for _, f := range positive {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) || f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidLimits, f.name)
		}
	}

	fractions := []struct {
		name  string
		value float64
	}{
		{"max_drawdown", l.MaxDrawdown},
		{"max_correlation", l.MaxCorrelation},
		{"max_volatility", l.MaxVolatility},
	}
	for _, f := range fractions {
		if math.IsNaN(f.value) || f.value <= 0 || f.value > 1 {
			return fmt.Errorf("%w: %s must be within (0, 1]", ErrInvalidLimits, f.name)
		}
	}

	return nil
}
