package ai

import (
	"context"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Confirmer gives a second opinion on a trade a strategy wants to open
type Confirmer interface {
	// ConfirmTrade returns the model's verdict on the proposed entry
	ConfirmTrade(ctx context.Context, signal TradeSignal) (*Confirmation, error)
}

// TradeSignal 待确认的交易信号
type TradeSignal struct {
	Strategy string             `json:"strategy"`
	TokenIn  string             `json:"token_in"`
	TokenOut string             `json:"token_out"`
	Amount   float64            `json:"amount"`
	Price    float64            `json:"price"`
	Reason   string             `json:"reason"`
	Market   *models.MarketData `json:"market,omitempty"`
}

// Confirmation 确认结果
type Confirmation struct {
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Approved reports whether c approves with at least minConfidence.
func (c *Confirmation) Approved(minConfidence float64) bool {
	return c != nil && c.Approve && c.Confidence >= minConfidence
}
