package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/trading"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	g := NewGateway("key", "secret", false, 50, nil)
	g.client.BaseURL = server.URL
	return g
}

func TestGateway_GetMarketData(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"50000.5","volume":"1200.5","highPrice":"51000","lowPrice":"49000","priceChangePercent":"2.5","closeTime":1700000000000}`))
	})

	data, err := g.GetMarketData(context.Background(), "USDT", "BTC")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", data.Symbol)
	assert.Equal(t, 50000.5, data.Price)
	assert.Equal(t, 1200.5, data.Volume)
	assert.Equal(t, 51000.0, data.High24h)
	assert.Equal(t, 49000.0, data.Low24h)
	assert.Equal(t, 2.5, data.Change24h)
	assert.Equal(t, time.UnixMilli(1700000000000), data.Timestamp)
}

func TestGateway_GetQuote(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/ticker/bookTicker", r.URL.Path)
		_, _ = w.Write([]byte(`{"symbol":"ETHUSDT","bidPrice":"1999","bidQty":"10","askPrice":"2001","askQty":"10"}`))
	})

	t.Run("buy", func(t *testing.T) {
		q, err := g.GetQuote(context.Background(), "USDT", "ETH", decimal.NewFromInt(2001))
		require.NoError(t, err)
		assert.True(t, q.AmountOut.Equal(decimal.NewFromInt(1)))
		assert.InDelta(t, 0.0005, q.PriceImpact, 1e-9)
		assert.True(t, q.MinimumReceived.Equal(decimal.RequireFromString("0.995")))
	})

	t.Run("sell", func(t *testing.T) {
		q, err := g.GetQuote(context.Background(), "ETH", "USDT", decimal.NewFromInt(2))
		require.NoError(t, err)
		assert.True(t, q.AmountOut.Equal(decimal.NewFromInt(3998)))
	})

	t.Run("unknown pair", func(t *testing.T) {
		_, err := g.GetQuote(context.Background(), "ETH", "BTC", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, trading.ErrUnknownPair)
	})
}

func TestGateway_ExecuteTrade(t *testing.T) {
	tests := []struct {
		name     string
		req      trading.TradeRequest
		response string
		side     string
		success  bool
		out      string
	}{
		{
			name:     "market buy spends quote",
			req:      trading.TradeRequest{TokenIn: "USDT", TokenOut: "BTC", AmountIn: decimal.NewFromInt(100)},
			response: `{"symbol":"BTCUSDT","orderId":42,"status":"FILLED","executedQty":"0.002","cummulativeQuoteQty":"100"}`,
			side:     "BUY",
			success:  true,
			out:      "0.002",
		},
		{
			name:     "market sell returns quote",
			req:      trading.TradeRequest{TokenIn: "BTC", TokenOut: "USDT", AmountIn: decimal.RequireFromString("0.002")},
			response: `{"symbol":"BTCUSDT","orderId":43,"status":"FILLED","executedQty":"0.002","cummulativeQuoteQty":"101.5"}`,
			side:     "SELL",
			success:  true,
			out:      "101.5",
		},
		{
			name:     "expired order is not a success",
			req:      trading.TradeRequest{TokenIn: "USDT", TokenOut: "BTC", AmountIn: decimal.NewFromInt(100)},
			response: `{"symbol":"BTCUSDT","orderId":44,"status":"EXPIRED","executedQty":"0","cummulativeQuoteQty":"0"}`,
			side:     "BUY",
			success:  false,
			out:      "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/v3/order", r.URL.Path)
				require.NoError(t, r.ParseForm())
				assert.Equal(t, tt.side, r.Form.Get("side"))
				assert.Equal(t, "MARKET", r.Form.Get("type"))
				_, _ = w.Write([]byte(tt.response))
			})

			tt.req.Deadline = time.Now().Add(5 * time.Second)
			res, err := g.ExecuteTrade(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			assert.NotEmpty(t, res.TxHash)
			if tt.success {
				assert.True(t, res.AmountOut.Equal(decimal.RequireFromString(tt.out)), res.AmountOut.String())
			}
		})
	}
}

func TestGateway_ExecuteTrade_ExchangeError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance for requested action."}`))
	})

	_, err := g.ExecuteTrade(context.Background(), trading.TradeRequest{
		TokenIn: "USDT", TokenOut: "BTC", AmountIn: decimal.NewFromInt(100),
	})
	require.Error(t, err)
}

func TestGateway_GetBalance(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/account", r.URL.Path)
		_, _ = w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5","locked":"0"},{"asset":"USDT","free":"1000","locked":"10"}]}`))
	})

	balance, err := g.GetBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000)))

	_, err = g.GetBalance(context.Background(), "DOGE")
	assert.Error(t, err)
}

func TestGateway_Integration(t *testing.T) {
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if testing.Short() || apiKey == "" {
		t.Skip("Skipping integration test: no testnet credentials")
	}

	g := NewGateway(apiKey, secretKey, true, 50, nil)
	ctx := context.Background()

	data, err := g.GetMarketData(ctx, "USDT", "BTC")
	require.NoError(t, err)
	require.Greater(t, data.Price, 0.0)

	balance, err := g.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	require.True(t, balance.GreaterThanOrEqual(decimal.Zero))
}
