package strategy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/ai"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/trading"
)

// fakeGateway fills every trade at the current price of the non-quote token.
type fakeGateway struct {
	mu         sync.Mutex
	prices     map[string]float64
	low        map[string]float64
	execErr    error
	dataErr    error
	block      chan struct{}
	entered    chan struct{}
	executions []trading.TradeRequest
	seq        int
}

func newFakeGateway(prices map[string]float64) *fakeGateway {
	return &fakeGateway{prices: prices, low: map[string]float64{}}
}

func (g *fakeGateway) setPrice(token string, p float64) {
	g.mu.Lock()
	g.prices[token] = p
	g.mu.Unlock()
}

func (g *fakeGateway) setExecErr(err error) {
	g.mu.Lock()
	g.execErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) GetQuote(_ context.Context, tokenIn, tokenOut string, amountIn decimal.Decimal) (*trading.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tokenIn == "USDT" {
		out := amountIn.Div(decimal.NewFromFloat(g.prices[tokenOut]))
		return &trading.Quote{AmountIn: amountIn, AmountOut: out, MinimumReceived: out}, nil
	}
	out := amountIn.Mul(decimal.NewFromFloat(g.prices[tokenIn]))
	return &trading.Quote{AmountIn: amountIn, AmountOut: out, MinimumReceived: out}, nil
}

func (g *fakeGateway) ExecuteTrade(ctx context.Context, req trading.TradeRequest) (*trading.TradeResult, error) {
	if g.block != nil {
		if g.entered != nil {
			g.entered <- struct{}{}
		}
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.execErr != nil {
		return nil, g.execErr
	}
	g.executions = append(g.executions, req)
	g.seq++

	var out decimal.Decimal
	if req.TokenIn == "USDT" {
		out = req.AmountIn.Div(decimal.NewFromFloat(g.prices[req.TokenOut]))
	} else {
		out = req.AmountIn.Mul(decimal.NewFromFloat(g.prices[req.TokenIn]))
	}
	return &trading.TradeResult{Success: true, TxHash: "TX-" + decimal.NewFromInt(int64(g.seq)).String(), AmountOut: out}, nil
}

func (g *fakeGateway) GetMarketData(_ context.Context, _, tokenOut string) (*models.MarketData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dataErr != nil {
		return nil, g.dataErr
	}
	return &models.MarketData{
		Symbol:    tokenOut + "USDT",
		Price:     g.prices[tokenOut],
		Low24h:    g.low[tokenOut],
		Volume:    1000,
		Timestamp: time.Now(),
	}, nil
}

func (g *fakeGateway) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100000), nil
}

type fakeConfirmer struct {
	conf *ai.Confirmation
	err  error
}

func (f fakeConfirmer) ConfirmTrade(context.Context, ai.TradeSignal) (*ai.Confirmation, error) {
	return f.conf, f.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gw      *fakeGateway
	engine  *risk.Engine
	reports chan Report
	clock   *clock
	deps    Deps
}

func newFixture(t *testing.T, limits risk.Limits) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := risk.NewEngine(limits, risk.Options{Capital: 10000, QuoteAssets: []string{"USDT"}, Logger: log})
	require.NoError(t, err)

	f := &fixture{
		gw:      newFakeGateway(map[string]float64{"BTC": 50000, "ETH": 2000}),
		engine:  engine,
		reports: make(chan Report, 256),
		clock:   &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
	}
	f.deps = Deps{
		Gateway:  f.gw,
		Admitter: engine,
		Prices:   engine,
		Reports:  f.reports,
		Logger:   log,
		Clock:    f.clock.Now,
	}
	return f
}

func (f *fixture) drain() []Report {
	var out []Report
	for {
		select {
		case r := <-f.reports:
			out = append(out, r)
		default:
			return out
		}
	}
}

func baseConfig(name string) Config {
	return Config{
		Name:            name,
		QuoteAsset:      "USDT",
		Tokens:          []string{"BTC"},
		Interval:        time.Minute,
		MaxPositionSize: 100,
		StopLoss:        5,
		TakeProfit:      10,
	}
}

func newDCA(t *testing.T, f *fixture, cfg Config) *DCA {
	t.Helper()
	s, err := NewDCA(cfg, Params{"buy_every_hours": 1}, f.deps)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func TestBase_OpensAdmittedPosition(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s := newDCA(t, f, baseConfig("dca"))

	require.NoError(t, s.Execute(context.Background()))

	positions := s.GetPositions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "dca", p.Strategy)
	assert.Equal(t, "USDT", p.TokenIn)
	assert.Equal(t, "BTC", p.TokenOut)
	assert.Equal(t, models.PositionOpen, p.Status)
	assert.True(t, p.AmountIn.Equal(decimal.NewFromInt(100)))
	assert.True(t, p.AmountOut.IsZero())
	assert.True(t, p.Quantity.Equal(decimal.RequireFromString("0.002")), p.Quantity.String())
	assert.True(t, p.EntryPrice.Equal(decimal.NewFromInt(50000)), p.EntryPrice.String())
	require.NotNil(t, p.StopLoss)
	assert.True(t, p.StopLoss.Equal(decimal.NewFromInt(5)))

	reports := f.drain()
	require.Len(t, reports, 1)
	assert.Equal(t, ReportTrade, reports[0].Kind)
	assert.Equal(t, models.TradeOpen, reports[0].Trade.Action)
	assert.Equal(t, p.ID, reports[0].Trade.PositionID)

	// same hour: no second buy
	require.NoError(t, s.Execute(context.Background()))
	assert.Len(t, s.GetPositions(), 1)
}

func TestBase_SizeCappedByMaxPositionSize(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s, err := NewDCA(baseConfig("dca"), Params{"trade_size": 500}, f.deps)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	s.SetMaxPositionSize(250)
	s.SetMaxPositionSize(-1) // ignored
	assert.Equal(t, 250.0, s.MaxPositionSize())

	require.NoError(t, s.Execute(context.Background()))
	positions := s.GetPositions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].AmountIn.Equal(decimal.NewFromInt(250)))
}

func TestBase_RiskRejection(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxPositionSize = 50
	f := newFixture(t, limits)
	s := newDCA(t, f, baseConfig("dca"))

	require.NoError(t, s.Execute(context.Background()))
	assert.Empty(t, s.GetPositions())
	assert.Empty(t, f.gw.executions)

	perf := s.GetPerformanceMetrics()
	assert.Equal(t, int64(1), perf.Rejections)

	reports := f.drain()
	require.Len(t, reports, 1)
	assert.Equal(t, ReportRejected, reports[0].Kind)
	assert.Contains(t, reports[0].Reason, "exceeds maximum")
}

func TestBase_StopLossAndTakeProfit(t *testing.T) {
	tests := []struct {
		name       string
		exitPrice  float64
		wantStatus models.PositionStatus
		wantOut    string
	}{
		{"stop loss", 45000, models.PositionStopped, "90"},
		{"take profit", 56000, models.PositionClosed, "112"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, risk.DefaultLimits())
			s := newDCA(t, f, baseConfig("dca"))
			ctx := context.Background()

			require.NoError(t, s.Execute(ctx))
			f.drain()

			f.gw.setPrice("BTC", tt.exitPrice)
			require.NoError(t, s.Execute(ctx))

			positions := s.GetPositions()
			require.Len(t, positions, 1)
			assert.Equal(t, tt.wantStatus, positions[0].Status)
			assert.True(t, positions[0].AmountOut.Equal(decimal.RequireFromString(tt.wantOut)), positions[0].AmountOut.String())

			reports := f.drain()
			require.Len(t, reports, 1)
			assert.Equal(t, models.TradeClose, reports[0].Trade.Action)

			perf := s.GetPerformanceMetrics()
			assert.Equal(t, 1, perf.ClosedPositions)
			assert.Equal(t, 0, perf.OpenPositions)
		})
	}
}

func TestBase_DisabledManagesExitsOnly(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s := newDCA(t, f, baseConfig("dca"))
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx))
	s.SetEnabled(false)
	assert.False(t, s.Enabled())

	f.clock.Advance(2 * time.Hour)
	f.gw.setPrice("BTC", 44000)
	require.NoError(t, s.Execute(ctx))

	positions := s.GetPositions()
	require.Len(t, positions, 1, "no new entry while disabled")
	assert.Equal(t, models.PositionStopped, positions[0].Status)
}

func TestBase_HourlyTradeCapAndCooldown(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	cfg := baseConfig("dca")
	cfg.MaxTradesPerHour = 2
	cfg.Cooldown = 5 * time.Minute
	s, err := NewDCA(cfg, Params{"buy_every_hours": 0.001}, f.deps)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx))
	f.clock.Advance(time.Minute)
	require.NoError(t, s.Execute(ctx)) // cooling down
	assert.Len(t, s.GetPositions(), 1)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, s.Execute(ctx))
	assert.Len(t, s.GetPositions(), 2)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, s.Execute(ctx)) // hourly cap
	assert.Len(t, s.GetPositions(), 2)

	f.clock.Advance(time.Hour)
	require.NoError(t, s.Execute(ctx))
	assert.Len(t, s.GetPositions(), 3)
}

func TestBase_GatewayFailureReleasesReservation(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxTotalExposure = 150
	limits.MaxPositionSize = 150
	f := newFixture(t, limits)
	s := newDCA(t, f, baseConfig("dca"))
	ctx := context.Background()

	f.gw.setExecErr(errors.New("exchange unavailable"))
	require.NoError(t, s.Execute(ctx))
	assert.Empty(t, s.GetPositions())
	assert.Equal(t, int64(1), s.GetPerformanceMetrics().GatewayFailures)

	reports := f.drain()
	require.Len(t, reports, 1)
	assert.Equal(t, ReportGatewayFailure, reports[0].Kind)

	// the failed trade's reservation no longer counts toward exposure
	d := f.engine.CheckTradeAdmission("USDT", "BTC", 0.002, 50000)
	assert.True(t, d.Allowed, d.Reason)
}

func TestBase_CommittedReservationCountsTowardExposure(t *testing.T) {
	limits := risk.DefaultLimits()
	limits.MaxTotalExposure = 150
	limits.MaxPositionSize = 150
	f := newFixture(t, limits)
	s := newDCA(t, f, baseConfig("dca"))

	require.NoError(t, s.Execute(context.Background()))
	require.Len(t, s.GetPositions(), 1)

	d := f.engine.CheckTradeAdmission("USDT", "ETH", 0.05, 2000)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "total exposure")
}

func TestBase_MarketDataFailure(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s := newDCA(t, f, baseConfig("dca"))

	f.gw.dataErr = errors.New("timeout")
	err := s.Execute(context.Background())
	require.Error(t, err)
	assert.Empty(t, s.GetPositions())
	assert.Equal(t, int64(1), s.GetPerformanceMetrics().GatewayFailures)
}

func TestBase_AIConfirmationFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		c    fakeConfirmer
		want int
	}{
		{"error", fakeConfirmer{err: errors.New("llm down")}, 0},
		{"declined", fakeConfirmer{conf: &ai.Confirmation{Approve: false, Confidence: 0.9}}, 0},
		{"low confidence", fakeConfirmer{conf: &ai.Confirmation{Approve: true, Confidence: 0.3}}, 0},
		{"approved", fakeConfirmer{conf: &ai.Confirmation{Approve: true, Confidence: 0.8}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, risk.DefaultLimits())
			f.deps.Confirmer = tt.c
			cfg := baseConfig("dca")
			cfg.MinConfidence = 0.6
			s := newDCA(t, f, cfg)

			require.NoError(t, s.Execute(context.Background()))
			assert.Len(t, s.GetPositions(), tt.want)
		})
	}
}

func TestBase_FeePreFilter(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	f.gw.low["BTC"] = 49900
	cfg := baseConfig("scalp")
	cfg.FeeRate = 0.004
	s, err := NewScalping(cfg, Params{"take_profit": 0.5}, f.deps)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, s.Execute(context.Background()))
	assert.Empty(t, s.GetPositions())
	assert.Equal(t, int64(1), s.GetPerformanceMetrics().Rejections)
}

func TestBase_StopWaitsForInflightTrade(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	f.gw.block = make(chan struct{})
	f.gw.entered = make(chan struct{}, 1)
	s := newDCA(t, f, baseConfig("dca"))

	done := make(chan error, 1)
	go func() { done <- s.Execute(context.Background()) }()
	<-f.gw.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(ctx), "stop must wait for the in-flight trade")

	close(f.gw.block)
	require.NoError(t, <-done)
	require.NoError(t, s.Stop(context.Background()))

	// the in-flight trade completed
	assert.Len(t, s.GetPositions(), 1)
	assert.ErrorIs(t, s.Execute(context.Background()), ErrNotRunning)
}

func TestBase_ClosePositions(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	cfg := baseConfig("dca")
	cfg.Tokens = []string{"BTC", "ETH"}
	s := newDCA(t, f, cfg)
	ctx := context.Background()

	require.NoError(t, s.Execute(ctx))
	ids := s.OpenPositionIDs()
	require.Len(t, ids, 2)
	f.drain()

	assert.Error(t, s.ClosePositions(ctx, ids, models.PositionOpen, false))

	require.NoError(t, s.ClosePositions(ctx, ids[:1], models.PositionClosed, false))
	assert.Len(t, s.OpenPositionIDs(), 1)

	// closing again is a no-op
	require.NoError(t, s.ClosePositions(ctx, ids[:1], models.PositionStopped, false))
	for _, p := range s.GetPositions() {
		if p.ID == ids[0] {
			assert.Equal(t, models.PositionClosed, p.Status)
		}
	}

	// forced close with a failing gateway marks the position at its last value
	f.gw.setExecErr(errors.New("exchange down"))
	err := s.ClosePositions(ctx, ids[1:], models.PositionStopped, true)
	require.Error(t, err)
	assert.Empty(t, s.OpenPositionIDs())

	var forced bool
	for _, r := range f.drain() {
		if r.Kind == ReportForcedClose {
			forced = true
		}
	}
	assert.True(t, forced)

	for _, p := range s.GetPositions() {
		if p.ID == ids[1] {
			assert.Equal(t, models.PositionStopped, p.Status)
			assert.True(t, p.AmountOut.Equal(decimal.NewFromInt(100)), p.AmountOut.String())
		}
	}
}

func TestNewBase_Validation(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no name", func(c *Config) { c.Name = "" }},
		{"no tokens", func(c *Config) { c.Tokens = nil }},
		{"zero size", func(c *Config) { c.MaxPositionSize = 0 }},
		{"bad risk level", func(c *Config) { c.RiskLevel = "extreme" }},
		{"bad slippage", func(c *Config) { c.MaxSlippage = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig("x")
			tt.mutate(&cfg)
			_, err := NewBase(cfg, f.deps)
			assert.Error(t, err)
		})
	}

	_, err := NewBase(baseConfig("x"), Deps{})
	assert.Error(t, err)
}
