// Package strategy provides the strategy units run by the portfolio coordinator.
//
// A Unit periodically inspects the market and proposes entries. Every entry passes the
// risk admission check before it reaches the gateway; exits (stop-loss, take-profit,
// forced closes) do not commit new capital and are not gated. Units never call back
// into the coordinator: executed trades and failures are published as Reports.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// ErrNotRunning is returned when a unit is asked to trade before Initialize or after Stop.
var ErrNotRunning = errors.New("strategy not running")

// Unit is the interface every strategy must implement.
type Unit interface {
	// Name returns the unique name of the strategy.
	Name() string

	// RiskLevel is the declared risk class used by the coordinator.
	RiskLevel() models.RiskLevel

	// Interval is the tick period of the unit.
	Interval() time.Duration

	// Initialize prepares the unit for trading.
	Initialize(ctx context.Context) error

	// Execute runs one tick: refresh marks, manage exits and, when enabled, open positions.
	Execute(ctx context.Context) error

	// Stop blocks new trades and waits for in-flight work until ctx is done.
	Stop(ctx context.Context) error

	// GetPositions returns a copy of every position the unit owns.
	GetPositions() []models.Position

	GetPerformanceMetrics() Performance

	SetEnabled(enabled bool)
	Enabled() bool

	// SetMaxPositionSize caps the quote value of each new position.
	SetMaxPositionSize(size float64)
	MaxPositionSize() float64

	// ClosePositions exits the given open positions with the given final status. With
	// force set, positions whose exit trade fails are still marked at their last value.
	ClosePositions(ctx context.Context, ids []string, status models.PositionStatus, force bool) error
}

// Signal is an entry proposed by a strategy's signal generator.
type Signal struct {
	Token string
	// Value is the quote amount to commit before the position size cap.
	Value float64
	// ExpectedReturn is the anticipated move as a fraction; zero skips the fee check.
	ExpectedReturn float64
	Reason         string
	// StopLoss and TakeProfit override the unit defaults when set (percent).
	StopLoss   *float64
	TakeProfit *float64
}

// ReportKind classifies a Report.
type ReportKind string

const (
	ReportTrade          ReportKind = "trade"
	ReportRejected       ReportKind = "rejected"
	ReportGatewayFailure ReportKind = "gateway_failure"
	ReportForcedClose    ReportKind = "forced_close"
)

// Report is published by a unit for every executed trade and every failure.
type Report struct {
	Kind     ReportKind          `json:"kind"`
	Strategy string              `json:"strategy"`
	Trade    *models.TradeRecord `json:"trade,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	At       time.Time           `json:"at"`
}

// Performance 策略表现
type Performance struct {
	Strategy        string    `json:"strategy"`
	OpenPositions   int       `json:"open_positions"`
	ClosedPositions int       `json:"closed_positions"`
	WinningTrades   int       `json:"winning_trades"`
	LosingTrades    int       `json:"losing_trades"`
	WinRate         float64   `json:"win_rate"`
	RealizedPnL     float64   `json:"realized_pnl"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	OpenExposure    float64   `json:"open_exposure"`
	Rejections      int64     `json:"rejections"`
	GatewayFailures int64     `json:"gateway_failures"`
	LastTradeAt     *time.Time `json:"last_trade_at,omitempty"`
}
