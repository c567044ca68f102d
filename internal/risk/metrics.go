package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// PortfolioMetrics 组合指标，每次从仓位快照完整重算
type PortfolioMetrics struct {
	TotalValue        float64                       `json:"total_value"`
	TotalExposure     float64                       `json:"total_exposure"`
	DailyPnL          float64                       `json:"daily_pnl"`
	MaxDrawdown       float64                       `json:"max_drawdown"`
	SharpeRatio       float64                       `json:"sharpe_ratio"`
	WinRate           float64                       `json:"win_rate"`
	AverageWin        float64                       `json:"average_win"`
	AverageLoss       float64                       `json:"average_loss"`
	CorrelationMatrix map[string]map[string]float64 `json:"correlation_matrix"`
	Volatility        float64                       `json:"volatility"`
	Liquidity         float64                       `json:"liquidity"`
	Leverage          float64                       `json:"leverage"`
	OpenPositions     int                           `json:"open_positions"`
	ClosedPositions   int                           `json:"closed_positions"`
	HighWaterMark     float64                       `json:"high_water_mark"`
	ComputedAt        time.Time                     `json:"computed_at"`
}

type correlator interface {
	Correlation(a, b string) (float64, bool)
}

// computeMetrics derives every metric from positions. highWater is the mark carried
// over from previous computations; the returned metrics hold the raised mark.
func computeMetrics(positions []models.Position, capital, highWater float64, quotes map[string]bool, hist correlator, now time.Time) (PortfolioMetrics, error) {
	m := PortfolioMetrics{ComputedAt: now}

	var (
		realized, unrealized float64
		closedReturns        []float64
		allReturns           []float64
		wins, losses         []float64
		heldTokens           = make(map[string]bool)
	)

	for i := range positions {
		p := positions[i]
		if err := validatePosition(p); err != nil {
			return PortfolioMetrics{}, err
		}

		in := p.AmountIn.InexactFloat64()
		pnl := p.PnL().InexactFloat64()

		if sameDay(p.CreatedAt, now) {
			m.DailyPnL += pnl
		}

		var ret float64
		if in > 0 {
			ret = pnl / in
			allReturns = append(allReturns, ret)
		}

		if p.IsOpen() {
			m.OpenPositions++
			m.TotalExposure += in
			unrealized += pnl
			for _, token := range []string{p.TokenIn, p.TokenOut} {
				if !quotes[token] {
					heldTokens[token] = true
				}
			}
			continue
		}

		m.ClosedPositions++
		realized += pnl
		if in > 0 {
			closedReturns = append(closedReturns, ret)
		}
		switch {
		case pnl > 0:
			wins = append(wins, pnl)
		case pnl < 0:
			losses = append(losses, -pnl)
		}
	}

	m.TotalValue = capital + realized + unrealized
	m.HighWaterMark = math.Max(highWater, m.TotalValue)
	if m.HighWaterMark > 0 {
		m.MaxDrawdown = math.Max(0, (m.HighWaterMark-m.TotalValue)/m.HighWaterMark)
	}

	if m.ClosedPositions > 0 {
		m.WinRate = float64(len(wins)) / float64(m.ClosedPositions)
	}
	m.AverageWin = mean(wins)
	m.AverageLoss = mean(losses)

	if sd := stddev(closedReturns); sd > 0 {
		m.SharpeRatio = mean(closedReturns) / sd
	}
	m.Volatility = stddev(allReturns)

	m.Liquidity = math.Max(0, capital+realized-m.TotalExposure)
	if m.TotalValue > 0 {
		m.Leverage = m.TotalExposure / m.TotalValue
	}

	m.CorrelationMatrix = correlationMatrix(heldTokens, hist)

	if !finite(m.TotalValue, m.TotalExposure, m.DailyPnL, m.MaxDrawdown, m.SharpeRatio, m.Volatility, m.Liquidity, m.Leverage) {
		return PortfolioMetrics{}, fmt.Errorf("non-finite portfolio metric")
	}
	return m, nil
}

func validatePosition(p models.Position) error {
	switch p.Status {
	case models.PositionOpen, models.PositionClosed, models.PositionStopped:
	default:
		return fmt.Errorf("position %s: unknown status %q", p.ID, p.Status)
	}
	if p.AmountIn.IsNegative() || p.AmountOut.IsNegative() {
		return fmt.Errorf("position %s: negative amount", p.ID)
	}
	if p.EntryPrice.IsNegative() || p.CurrentPrice.IsNegative() {
		return fmt.Errorf("position %s: negative price", p.ID)
	}
	if p.IsOpen() && !p.AmountOut.IsZero() {
		return fmt.Errorf("position %s: open position with settled output", p.ID)
	}
	return nil
}

func correlationMatrix(tokens map[string]bool, hist correlator) map[string]map[string]float64 {
	matrix := make(map[string]map[string]float64)
	if hist == nil || len(tokens) == 0 {
		return matrix
	}

	names := make([]string, 0, len(tokens))
	for t := range tokens {
		names = append(names, t)
	}
	sort.Strings(names)

	for i, a := range names {
		for _, b := range names[i+1:] {
			c, ok := hist.Correlation(a, b)
			if !ok {
				continue
			}
			if matrix[a] == nil {
				matrix[a] = map[string]float64{a: 1}
			}
			if matrix[b] == nil {
				matrix[b] = map[string]float64{b: 1}
			}
			matrix[a][b] = c
			matrix[b][a] = c
		}
	}
	return matrix
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ya, ma, da := a.Date()
	yb, mb, db := b.Date()
	return ya == yb && ma == mb && da == db
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation; zero for fewer than two values.
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 100
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
