package risk

import (
	"errors"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// ErrInvalidLimits is returned when a limits update fails validation.
var ErrInvalidLimits = errors.New("invalid risk limits")

// Admitter gates proposed trades. Strategy units depend on this rather than on *Engine.
type Admitter interface {
	// CheckTradeAdmission evaluates a trade without side effects.
	CheckTradeAdmission(tokenIn, tokenOut string, amount, price float64) Decision

	// Admit evaluates a trade and, when allowed, reserves its exposure atomically.
	Admit(p Proposal) (Decision, *Reservation)
}

// PriceRecorder receives price observations used for volatility and correlation.
type PriceRecorder interface {
	RecordPrice(token string, price float64, at time.Time)
}

// EventSink receives security events. Emit must not block.
type EventSink interface {
	Emit(event models.SecurityEvent)
}

// Recorder exports engine observations, typically to prometheus.
type Recorder interface {
	ObserveAdmission(allowed bool, score float64)
	ObservePortfolio(totalValue, exposure, dailyPnL, drawdown, score float64)
}

// Proposal 待审核的交易提案
type Proposal struct {
	Strategy string  `json:"strategy"`
	TokenIn  string  `json:"token_in"`
	TokenOut string  `json:"token_out"`
	Amount   float64 `json:"amount"`
	Price    float64 `json:"price"`
}

// Value is the quote value the proposal would commit.
func (p Proposal) Value() float64 {
	return p.Amount * p.Price
}

// Decision 准入检查结果
type Decision struct {
	Allowed   bool    `json:"allowed"`
	Reason    string  `json:"reason,omitempty"`
	RiskScore float64 `json:"risk_score"`
}

// Violation is raised when a metrics update breaches one or more limits.
type Violation struct {
	Breaches []string         `json:"breaches"`
	Metrics  PortfolioMetrics `json:"metrics"`
	At       time.Time        `json:"at"`
}

// RiskReport 组合风险概览
type RiskReport struct {
	Metrics         PortfolioMetrics `json:"metrics"`
	Limits          Limits           `json:"limits"`
	RiskScore       float64          `json:"risk_score"`
	Recommendations []string         `json:"recommendations"`
}
