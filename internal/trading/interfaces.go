package trading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// ErrUnknownPair is returned when neither token of a pair is a known quote asset.
var ErrUnknownPair = errors.New("unknown trading pair")

// Gateway defines the market access the controller needs
type Gateway interface {
	// GetQuote estimates the output of swapping amountIn of tokenIn into tokenOut
	GetQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*Quote, error)

	// ExecuteTrade submits a trade; a nil error with Success=false is an exchange rejection
	ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResult, error)

	// GetMarketData retrieves the latest 24h statistics for the pair
	GetMarketData(ctx context.Context, tokenIn, tokenOut string) (*models.MarketData, error)

	// GetBalance retrieves the free balance of a token
	GetBalance(ctx context.Context, token string) (decimal.Decimal, error)
}

// Quote 报价
type Quote struct {
	AmountIn        decimal.Decimal `json:"amount_in"`
	AmountOut       decimal.Decimal `json:"amount_out"`
	PriceImpact     float64         `json:"price_impact"`
	MinimumReceived decimal.Decimal `json:"minimum_received"`
}

// TradeRequest 交易请求
type TradeRequest struct {
	TokenIn      string          `json:"token_in"`
	TokenOut     string          `json:"token_out"`
	AmountIn     decimal.Decimal `json:"amount_in"`
	AmountOutMin decimal.Decimal `json:"amount_out_min"`
	Deadline     time.Time       `json:"deadline"`
}

// TradeResult 交易结果
type TradeResult struct {
	Success   bool            `json:"success"`
	TxHash    string          `json:"tx_hash,omitempty"`
	AmountOut decimal.Decimal `json:"amount_out"`
	Error     string          `json:"error,omitempty"`
}

// DefaultQuoteAssets are the assets prices are expressed in.
var DefaultQuoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD"}

// Pair resolves a token pair to an exchange symbol. buy is true when tokenIn is the
// quote asset, i.e. the trade acquires the base asset.
func Pair(tokenIn, tokenOut string, quotes []string) (symbol string, buy bool, err error) {
	in, out := strings.ToUpper(tokenIn), strings.ToUpper(tokenOut)
	for _, q := range quotes {
		switch strings.ToUpper(q) {
		case in:
			return out + in, true, nil
		case out:
			return in + out, false, nil
		}
	}
	return "", false, ErrUnknownPair
}
