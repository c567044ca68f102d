package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/data"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/trading"
)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	TokenIn   string          `json:"token_in"`
	TokenOut  string          `json:"token_out"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FilledAt  time.Time       `json:"filled_at"`
}

// Gateway simulates trade execution against live market prices without real
// exchange calls. Balances are tracked per token.
type Gateway struct {
	source data.MarketDataSource
	quotes []string
	log    *slog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	fills    []Fill
	orderSeq int64
	// keepFills bounds the fill history; older fills are dropped
	keepFills int

	// Simulation parameters
	slippageBps int64 // basis points of slippage (e.g., 5 = 0.05%)
}

const defaultKeepFills = 1000

// NewGateway creates a paper trading gateway.
// slippageBps controls simulated slippage in basis points.
func NewGateway(source data.MarketDataSource, balances map[string]decimal.Decimal, slippageBps int64, quotes []string, log *slog.Logger) *Gateway {
	if len(quotes) == 0 {
		quotes = trading.DefaultQuoteAssets
	}
	if log == nil {
		log = slog.Default()
	}
	b := make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		b[k] = v
	}
	return &Gateway{
		source:      source,
		quotes:      quotes,
		log:         log.With("component", "paper"),
		balances:    b,
		fills:       make([]Fill, 0, 64),
		keepFills:   defaultKeepFills,
		slippageBps: slippageBps,
	}
}

// GetFills returns a snapshot of the retained fills, oldest first.
func (g *Gateway) GetFills() []Fill {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]Fill, len(g.fills))
	copy(cp, g.fills)
	return cp
}

// GetMarketData implements trading.Gateway
func (g *Gateway) GetMarketData(ctx context.Context, tokenIn, tokenOut string) (*models.MarketData, error) {
	symbol, _, err := trading.Pair(tokenIn, tokenOut, g.quotes)
	if err != nil {
		return nil, err
	}
	return g.source.CollectMarketData(ctx, symbol)
}

// GetQuote implements trading.Gateway
func (g *Gateway) GetQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*trading.Quote, error) {
	out, _, err := g.simulate(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	impact := float64(g.slippageBps) / 10000
	return &trading.Quote{
		AmountIn:        amountIn,
		AmountOut:       out,
		PriceImpact:     impact,
		MinimumReceived: out,
	}, nil
}

// simulate returns the amount received and the fill price after slippage.
func (g *Gateway) simulate(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if amountIn.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("amount must be positive: %s", amountIn)
	}
	symbol, buy, err := trading.Pair(tokenIn, tokenOut, g.quotes)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	md, err := g.source.CollectMarketData(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to get price: %w", err)
	}
	if md.Price <= 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid price for %s: %v", symbol, md.Price)
	}

	price := decimal.NewFromFloat(md.Price)
	slip := price.Mul(decimal.NewFromInt(g.slippageBps)).Div(decimal.NewFromInt(10000))
	if buy {
		price = price.Add(slip) // buy higher
		return amountIn.Div(price), price, nil
	}
	price = price.Sub(slip) // sell lower
	return amountIn.Mul(price), price, nil
}

// ExecuteTrade implements trading.Gateway
func (g *Gateway) ExecuteTrade(ctx context.Context, req trading.TradeRequest) (*trading.TradeResult, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	out, price, err := g.simulate(ctx, req.TokenIn, req.TokenOut, req.AmountIn)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if bal := g.balances[req.TokenIn]; bal.LessThan(req.AmountIn) {
		return &trading.TradeResult{
			Success: false,
			Error:   fmt.Sprintf("insufficient %s balance: %s < %s", req.TokenIn, bal, req.AmountIn),
		}, nil
	}
	if req.AmountOutMin.Sign() > 0 && out.LessThan(req.AmountOutMin) {
		return &trading.TradeResult{
			Success: false,
			Error:   fmt.Sprintf("slippage exceeded: %s < %s", out, req.AmountOutMin),
		}, nil
	}

	g.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d", g.orderSeq)
	g.balances[req.TokenIn] = g.balances[req.TokenIn].Sub(req.AmountIn)
	g.balances[req.TokenOut] = g.balances[req.TokenOut].Add(out)

	symbol, _, _ := trading.Pair(req.TokenIn, req.TokenOut, g.quotes)
	g.fills = append(g.fills, Fill{
		OrderID:   orderID,
		Symbol:    symbol,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  req.AmountIn,
		AmountOut: out,
		FillPrice: price,
		FilledAt:  time.Now(),
	})
	if drop := len(g.fills) - g.keepFills; drop > 0 {
		g.fills = append(g.fills[:0], g.fills[drop:]...)
	}

	g.log.Info("paper fill", "order", orderID, "symbol", symbol, "token_in", req.TokenIn,
		"amount_in", req.AmountIn.String(), "amount_out", out.String(), "price", price.String())

	return &trading.TradeResult{
		Success:   true,
		TxHash:    orderID,
		AmountOut: out,
	}, nil
}

// GetBalance implements trading.Gateway
func (g *Gateway) GetBalance(_ context.Context, token string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[token], nil
}
