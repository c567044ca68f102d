package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus 仓位生命周期状态
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosed  PositionStatus = "closed"
	PositionStopped PositionStatus = "stopped"
)

// Position 单个策略持有的仓位
//
// Amounts are denominated in the portfolio quote asset. AmountOut stays zero while the
// position is open and is frozen once it leaves the open state.
type Position struct {
	ID           string           `json:"id"`
	Strategy     string           `json:"strategy"`
	TokenIn      string           `json:"token_in"`
	TokenOut     string           `json:"token_out"`
	AmountIn     decimal.Decimal  `json:"amount_in"`
	AmountOut    decimal.Decimal  `json:"amount_out"`
	Quantity     decimal.Decimal  `json:"quantity"` // units of TokenOut held
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	StopLoss     *decimal.Decimal `json:"stop_loss,omitempty"`   // percent below entry
	TakeProfit   *decimal.Decimal `json:"take_profit,omitempty"` // percent above entry
	Status       PositionStatus   `json:"status"`
	TxHash       string           `json:"tx_hash,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsOpen reports whether the position still carries exposure.
func (p Position) IsOpen() bool {
	return p.Status == PositionOpen
}

// MarkedValue returns the quote value of the position: the frozen AmountOut once
// closed, otherwise AmountIn scaled by the price move since entry.
func (p Position) MarkedValue() decimal.Decimal {
	if !p.IsOpen() {
		return p.AmountOut
	}
	if p.EntryPrice.IsZero() || p.CurrentPrice.IsZero() {
		return p.AmountIn
	}
	return p.AmountIn.Mul(p.CurrentPrice).Div(p.EntryPrice)
}

// PnL returns realized P&L for closed positions and mark-to-market P&L for open ones.
func (p Position) PnL() decimal.Decimal {
	return p.MarkedValue().Sub(p.AmountIn)
}

// MarketData 市场数据
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	High24h   float64   `json:"high_24h"`
	Low24h    float64   `json:"low_24h"`
	Change24h float64   `json:"change_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskLevel 策略风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether the level is one of the known values.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Severity 安全事件等级
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Security event types.
const (
	EventRiskViolation      = "risk_violation"
	EventLimitsUpdated      = "risk_limits_updated"
	EventTradingFrequency   = "unusual_trading_frequency"
	EventEmergencyStop      = "emergency_stop"
	EventStrategyDisabled   = "strategy_disabled"
	EventRiskEvaluation     = "risk_evaluation_error"
	EventRebalance          = "portfolio_rebalance"
	EventGatewayFailure     = "gateway_failure"
	EventForcedCloseFailure = "forced_close_failure"
)

// SecurityEvent 风险/安全事件，写入后不可变
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TradeAction 交易动作
type TradeAction string

const (
	TradeOpen  TradeAction = "open"
	TradeClose TradeAction = "close"
)

// TradeRecord 成交记录
type TradeRecord struct {
	ID         string          `json:"id"`
	Strategy   string          `json:"strategy"`
	PositionID string          `json:"position_id"`
	Action     TradeAction     `json:"action"`
	TokenIn    string          `json:"token_in"`
	TokenOut   string          `json:"token_out"`
	AmountIn   decimal.Decimal `json:"amount_in"`
	AmountOut  decimal.Decimal `json:"amount_out"`
	Price      decimal.Decimal `json:"price"`
	TxHash     string          `json:"tx_hash,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// MetricsSnapshot 组合指标快照
type MetricsSnapshot struct {
	TotalValue    float64   `json:"total_value"`
	TotalExposure float64   `json:"total_exposure"`
	DailyPnL      float64   `json:"daily_pnl"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	RiskScore     float64   `json:"risk_score"`
	OpenPositions int       `json:"open_positions"`
	ComputedAt    time.Time `json:"computed_at"`
}
