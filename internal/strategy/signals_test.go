package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
)

func md(price float64) *models.MarketData {
	return &models.MarketData{Price: price}
}

func TestMomentum_Signal(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s, err := NewMomentum(baseConfig("mom"), Params{"lookback": 3, "threshold": 0.05}, f.deps)
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, s.RiskLevel())

	ctx := context.Background()
	assert.Nil(t, s.signal(ctx, "BTC", md(100)))
	assert.Nil(t, s.signal(ctx, "BTC", md(102)))
	assert.Nil(t, s.signal(ctx, "BTC", md(104)), "4% is below threshold")

	sig := s.signal(ctx, "BTC", md(108))
	require.NotNil(t, sig)
	assert.InDelta(t, 108.0/102-1, sig.ExpectedReturn, 1e-9)
	assert.Equal(t, 100.0, sig.Value)
}

func TestGrid_Signal(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s, err := NewGrid(baseConfig("grid"), Params{"levels": 3, "spacing": 0.01}, f.deps)
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, s.RiskLevel())

	ctx := context.Background()
	assert.Nil(t, s.signal(ctx, "BTC", md(1000)), "first observation sets the reference")
	assert.Nil(t, s.signal(ctx, "BTC", md(995)), "still inside the first band")

	sig := s.signal(ctx, "BTC", md(988))
	require.NotNil(t, sig, "crossed the first line down")
	require.NotNil(t, sig.TakeProfit)
	assert.InDelta(t, 1.0, *sig.TakeProfit, 1e-9)

	assert.Nil(t, s.signal(ctx, "BTC", md(985)), "same level")
	require.NotNil(t, s.signal(ctx, "BTC", md(978)), "next level down")
	assert.Nil(t, s.signal(ctx, "BTC", md(992)), "moving up never buys")
	require.NotNil(t, s.signal(ctx, "BTC", md(985)), "re-crossing a level buys again")

	assert.Nil(t, s.signal(ctx, "BTC", md(900)), "leaving the grid re-centres")
	assert.Nil(t, s.signal(ctx, "BTC", md(899)))
	require.NotNil(t, s.signal(ctx, "BTC", md(890)))
}

func TestScalping_Signal(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s, err := NewScalping(baseConfig("scalp"), Params{"entry_band": 0.01, "take_profit": 0.8, "min_volume": 500}, f.deps)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Nil(t, s.signal(ctx, "BTC", &models.MarketData{Price: 100, Low24h: 0, Volume: 1000}), "no low")
	assert.Nil(t, s.signal(ctx, "BTC", &models.MarketData{Price: 100, Low24h: 99.5, Volume: 100}), "thin volume")
	assert.Nil(t, s.signal(ctx, "BTC", &models.MarketData{Price: 102, Low24h: 100, Volume: 1000}), "too far from low")

	sig := s.signal(ctx, "BTC", &models.MarketData{Price: 100.5, Low24h: 100, Volume: 1000})
	require.NotNil(t, sig)
	assert.InDelta(t, 0.008, sig.ExpectedReturn, 1e-12)
	assert.InDelta(t, 0.8, *sig.TakeProfit, 1e-12)
}

func TestArbitrage_Signal(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	s, err := NewArbitrage(baseConfig("arb"), Params{"min_profit": 0.001}, f.deps)
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, s.RiskLevel())

	// a symmetric book has no round-trip edge
	assert.Nil(t, s.signal(context.Background(), "BTC", md(50000)))
}

func TestNew(t *testing.T) {
	f := newFixture(t, risk.DefaultLimits())
	assert.Equal(t, []string{"arbitrage", "dca", "grid", "momentum", "scalping"}, Kinds())

	for _, kind := range Kinds() {
		u, err := New(kind, baseConfig(kind), nil, f.deps)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, u.Name())
	}

	_, err := New("martingale", baseConfig("m"), nil, f.deps)
	assert.Error(t, err)

	_, err = New("grid", baseConfig("g"), Params{"spacing": -1}, f.deps)
	assert.Error(t, err)
}
