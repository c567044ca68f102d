package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/trading"
)

// Gateway implements trading.Gateway for Binance spot using market orders
type Gateway struct {
	client      *binance.Client
	quotes      []string
	slippageBps int64
	mu          sync.Mutex
}

// NewGateway creates a new Gateway instance
func NewGateway(apiKey, secretKey string, testnet bool, slippageBps int64, quotes []string) *Gateway {
	if testnet {
		binance.UseTestnet = true
	}
	if len(quotes) == 0 {
		quotes = trading.DefaultQuoteAssets
	}

	return &Gateway{
		client:      binance.NewClient(apiKey, secretKey),
		quotes:      quotes,
		slippageBps: slippageBps,
	}
}

// GetMarketData implements trading.Gateway using the 24hr ticker statistics
func (g *Gateway) GetMarketData(ctx context.Context, tokenIn, tokenOut string) (*models.MarketData, error) {
	symbol, _, err := trading.Pair(tokenIn, tokenOut, g.quotes)
	if err != nil {
		return nil, err
	}

	stats, err := g.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticker stats: %w", err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("no ticker stats for symbol: %s", symbol)
	}
	s := stats[0]

	fields := map[string]string{
		"lastPrice":          s.LastPrice,
		"volume":             s.Volume,
		"highPrice":          s.HighPrice,
		"lowPrice":           s.LowPrice,
		"priceChangePercent": s.PriceChangePercent,
	}
	parsed := make(map[string]float64, len(fields))
	for name, raw := range fields {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		parsed[name] = v
	}

	return &models.MarketData{
		Symbol:    symbol,
		Price:     parsed["lastPrice"],
		Volume:    parsed["volume"],
		High24h:   parsed["highPrice"],
		Low24h:    parsed["lowPrice"],
		Change24h: parsed["priceChangePercent"],
		Timestamp: time.UnixMilli(s.CloseTime),
	}, nil
}

// GetQuote implements trading.Gateway from the best bid/ask
func (g *Gateway) GetQuote(ctx context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*trading.Quote, error) {
	symbol, buy, err := trading.Pair(tokenIn, tokenOut, g.quotes)
	if err != nil {
		return nil, err
	}

	tickers, err := g.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get book ticker: %w", err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no book ticker for symbol: %s", symbol)
	}
	t := tickers[0]

	bid, err := decimal.NewFromString(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ask: %w", err)
	}
	if bid.Sign() <= 0 || ask.Sign() <= 0 {
		return nil, fmt.Errorf("empty book for symbol: %s", symbol)
	}

	var out, topQty, size decimal.Decimal
	if buy {
		out = amountIn.Div(ask)
		topQty, _ = decimal.NewFromString(t.AskQuantity)
		size = out
	} else {
		out = amountIn.Mul(bid)
		topQty, _ = decimal.NewFromString(t.BidQuantity)
		size = amountIn
	}

	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	impact := ask.Sub(bid).Div(mid).Div(decimal.NewFromInt(2)).InexactFloat64()
	if topQty.Sign() > 0 && size.GreaterThan(topQty) {
		impact += size.Div(topQty).Sub(decimal.NewFromInt(1)).InexactFloat64() * 0.001
	}

	tolerance := decimal.NewFromInt(g.slippageBps).Div(decimal.NewFromInt(10000))
	return &trading.Quote{
		AmountIn:        amountIn,
		AmountOut:       out,
		PriceImpact:     impact,
		MinimumReceived: out.Mul(decimal.NewFromInt(1).Sub(tolerance)),
	}, nil
}

// ExecuteTrade implements trading.Gateway with a market order
func (g *Gateway) ExecuteTrade(ctx context.Context, req trading.TradeRequest) (*trading.TradeResult, error) {
	symbol, buy, err := trading.Pair(req.TokenIn, req.TokenOut, g.quotes)
	if err != nil {
		return nil, err
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	orderService := g.client.NewCreateOrderService().
		Symbol(symbol).
		Type(binance.OrderTypeMarket)

	amount := req.AmountIn.String()
	if buy {
		orderService.Side(binance.SideTypeBuy).QuoteOrderQty(amount)
	} else {
		orderService.Side(binance.SideTypeSell).Quantity(amount)
	}

	result, err := orderService.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	switch result.Status {
	case binance.OrderStatusTypeFilled, binance.OrderStatusTypePartiallyFilled:
	default:
		return &trading.TradeResult{
			Success: false,
			TxHash:  strconv.FormatInt(result.OrderID, 10),
			Error:   fmt.Sprintf("order not filled: %s", result.Status),
		}, nil
	}

	received := result.ExecutedQuantity
	if !buy {
		received = result.CummulativeQuoteQuantity
	}
	amountOut, err := decimal.NewFromString(received)
	if err != nil {
		return nil, fmt.Errorf("failed to parse executed amount: %w", err)
	}

	res := &trading.TradeResult{
		Success:   true,
		TxHash:    strconv.FormatInt(result.OrderID, 10),
		AmountOut: amountOut,
	}
	if req.AmountOutMin.Sign() > 0 && amountOut.LessThan(req.AmountOutMin) {
		res.Error = fmt.Sprintf("filled below minimum: %s < %s", amountOut, req.AmountOutMin)
	}
	return res, nil
}

// GetBalance implements trading.Gateway
func (g *Gateway) GetBalance(ctx context.Context, token string) (decimal.Decimal, error) {
	account, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account info: %w", err)
	}

	for _, balance := range account.Balances {
		if balance.Asset == token {
			free, err := decimal.NewFromString(balance.Free)
			if err != nil {
				return decimal.Zero, fmt.Errorf("failed to parse balance: %w", err)
			}
			return free, nil
		}
	}

	return decimal.Zero, fmt.Errorf("balance not found for token: %s", token)
}
