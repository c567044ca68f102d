package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/utils/request"
)

const (
	DefaultBaseURL = "https://api.binance.com"
	tickerPath     = "/api/v3/ticker/24hr"
)

// BinanceDataSource 通过公开 REST 接口获取 24h 行情，无需 API key
type BinanceDataSource struct {
	baseURL    string
	httpClient *resty.Client
	now        func() time.Time
}

func NewBinanceDataSource(baseURL string) *BinanceDataSource {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &BinanceDataSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: request.Request,
		now:        time.Now,
	}
}

func (b *BinanceDataSource) Name() string {
	return "binance"
}

// ticker24h is the subset of the 24hr statistics payload the gateways need.
// Binance encodes numbers as strings.
type ticker24h struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	Volume             decimal.Decimal `json:"volume"`
	HighPrice          decimal.Decimal `json:"highPrice"`
	LowPrice           decimal.Decimal `json:"lowPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	CloseTime          int64           `json:"closeTime"`
}

// apiError is the body Binance returns on a rejected request.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// CollectMarketData fetches the 24h statistics of an exchange symbol such as BTCUSDT.
func (b *BinanceDataSource) CollectMarketData(ctx context.Context, symbol string) (*models.MarketData, error) {
	symbol = strings.ToUpper(symbol)
	resp, err := b.httpClient.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get(b.baseURL + tickerPath)
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}

	if resp.StatusCode() != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("binance ticker %s: status %d: %s (code %d)",
				symbol, resp.StatusCode(), apiErr.Msg, apiErr.Code)
		}
		return nil, fmt.Errorf("binance ticker %s: unexpected status %d", symbol, resp.StatusCode())
	}

	var t ticker24h
	if err := json.Unmarshal(resp.Body(), &t); err != nil {
		return nil, fmt.Errorf("binance ticker %s: decode: %w", symbol, err)
	}
	if !t.LastPrice.IsPositive() {
		return nil, fmt.Errorf("binance ticker %s: no last price", symbol)
	}
	return t.marketData(symbol, b.now()), nil
}

func (t ticker24h) marketData(symbol string, now time.Time) *models.MarketData {
	ts := now
	if t.CloseTime > 0 {
		ts = time.UnixMilli(t.CloseTime)
	}
	// high/low 缺失时保持为零
	return &models.MarketData{
		Symbol:    symbol,
		Price:     t.LastPrice.InexactFloat64(),
		Volume:    t.Volume.InexactFloat64(),
		High24h:   t.HighPrice.InexactFloat64(),
		Low24h:    t.LowPrice.InexactFloat64(),
		Change24h: t.PriceChangePercent.InexactFloat64(),
		Timestamp: ts,
	}
}
