package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/strategy"
)

const (
	// a strategy is over-allocated above this multiple of its target value
	overAllocation = 1.1
	// share of an over-allocated strategy's open positions closed per rebalance
	rebalanceFraction = 0.1
)

// RunMonitorCycle refreshes the portfolio metrics and reacts to them: emergency
// triggers first, then disabling high-risk units, then rebalancing. It does nothing
// unless the coordinator is running. Cycles are serialized, so the decisions of a cycle
// always see the metrics that cycle computed.
func (c *Coordinator) RunMonitorCycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.State() != StateRunning {
		return nil
	}
	start := time.Now()
	defer func() { c.opts.Recorder.ObserveCycle("monitor", time.Since(start).Seconds()) }()

	m, err := c.engine.UpdatePortfolioMetrics(c.snapshot())
	if err != nil {
		return fmt.Errorf("update portfolio metrics: %w", err)
	}

	c.mu.Lock()
	c.lastCycle = c.now()
	c.mu.Unlock()

	if reason, hit := c.emergencyTrigger(m); hit {
		c.EmergencyStop(ctx, reason)
		return nil
	}

	score := c.engine.RiskScore()
	if score > c.opts.DisableScore {
		c.disableHighRisk(score)
	}

	if sum, drift := c.allocationDrift(); drift {
		c.rebalance(ctx, m, sum)
	}

	c.saveMetrics(ctx, m, score)
	c.log.Debug("monitoring cycle done", "total_value", m.TotalValue, "exposure", m.TotalExposure,
		"daily_pnl", m.DailyPnL, "drawdown", m.MaxDrawdown, "risk_score", score)
	return nil
}

// RunEmergencyCheck refreshes the metrics and emergency stops when a hard trigger fires.
// It reports whether this call stopped the portfolio.
func (c *Coordinator) RunEmergencyCheck(ctx context.Context) bool {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.State() != StateRunning {
		return false
	}
	start := time.Now()
	defer func() { c.opts.Recorder.ObserveCycle("emergency", time.Since(start).Seconds()) }()

	m, err := c.engine.UpdatePortfolioMetrics(c.snapshot())
	if err != nil {
		c.log.Error("emergency check: metrics update failed, using last metrics", "err", err)
		m = c.engine.Metrics()
	}
	reason, hit := c.emergencyTrigger(m)
	if !hit {
		return false
	}
	return c.EmergencyStop(ctx, reason)
}

// emergencyTrigger checks the drawdown threshold and the daily loss bound of
// maxDrawdown × totalValue.
func (c *Coordinator) emergencyTrigger(m risk.PortfolioMetrics) (string, bool) {
	if m.MaxDrawdown > c.opts.EmergencyDrawdown {
		return fmt.Sprintf("drawdown %.2f%% exceeds emergency threshold %.2f%%",
			m.MaxDrawdown*100, c.opts.EmergencyDrawdown*100), true
	}
	bound := c.engine.Limits().MaxDrawdown * m.TotalValue
	if m.DailyPnL < -bound {
		return fmt.Sprintf("daily pnl %.2f below -%.2f (max drawdown × portfolio value)", m.DailyPnL, bound), true
	}
	return "", false
}

// disableHighRisk disables every enabled high-risk strategy.
func (c *Coordinator) disableHighRisk(score float64) {
	var disabled []string
	c.mu.Lock()
	for name, a := range c.allocations {
		if !a.Enabled || a.RiskLevel != models.RiskHigh {
			continue
		}
		a.Enabled = false
		c.allocations[name] = a
		c.units[name].SetEnabled(false)
		disabled = append(disabled, name)
	}
	c.mu.Unlock()

	sort.Strings(disabled)
	for _, name := range disabled {
		c.opts.Recorder.SetStrategyEnabled(name, false)
		c.log.Warn("high-risk strategy disabled", "strategy", name, "risk_score", score,
			"threshold", c.opts.DisableScore)
		c.emit(models.EventStrategyDisabled, models.SeverityMedium,
			fmt.Sprintf("strategy %s disabled: portfolio risk score %.1f above %.1f", name, score, c.opts.DisableScore),
			map[string]string{"strategy": name, "risk_score": fmt.Sprintf("%.1f", score)})
	}
}

// allocationDrift returns the enabled allocation sum and whether it drifted from 100 by
// more than the rebalance threshold.
func (c *Coordinator) allocationDrift() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var sum float64
	for _, a := range c.allocations {
		if a.Enabled {
			sum += a.Allocation
		}
	}
	return sum, math.Abs(sum-100) > c.opts.RebalanceThreshold
}

// rebalance closes the oldest tenth (at least one) of the open positions of every
// enabled strategy whose open exposure exceeds 110% of its target value.
func (c *Coordinator) rebalance(ctx context.Context, m risk.PortfolioMetrics, sum float64) {
	c.mu.RLock()
	type target struct {
		alloc Allocation
		unit  strategy.Unit
	}
	var targets []target
	for name, a := range c.allocations {
		if a.Enabled {
			targets = append(targets, target{alloc: a, unit: c.units[name]})
		}
	}
	c.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].alloc.Name < targets[j].alloc.Name })

	c.log.Info("rebalancing portfolio", "enabled_allocation", sum, "threshold", c.opts.RebalanceThreshold)
	for _, t := range targets {
		var (
			open     []models.Position
			exposure float64
		)
		for _, p := range t.unit.GetPositions() {
			if p.IsOpen() {
				open = append(open, p)
				exposure += p.AmountIn.InexactFloat64()
			}
		}
		limit := t.alloc.Allocation / 100 * m.TotalValue * overAllocation
		if len(open) == 0 || exposure <= limit {
			continue
		}

		sort.SliceStable(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
		n := int(math.Ceil(float64(len(open)) * rebalanceFraction))
		ids := make([]string, 0, n)
		for _, p := range open[:n] {
			ids = append(ids, p.ID)
		}

		name := t.alloc.Name
		if err := t.unit.ClosePositions(ctx, ids, models.PositionClosed, false); err != nil {
			c.log.Error("rebalance close failed", "strategy", name, "err", err)
		}
		c.log.Info("strategy rebalanced", "strategy", name, "exposure", exposure, "limit", limit, "closed", len(ids))
		c.emit(models.EventRebalance, models.SeverityLow,
			fmt.Sprintf("rebalanced %s: exposure %.2f above %.2f, closing %d oldest positions", name, exposure, limit, len(ids)),
			map[string]string{
				"strategy":  name,
				"exposure":  fmt.Sprintf("%.2f", exposure),
				"limit":     fmt.Sprintf("%.2f", limit),
				"positions": fmt.Sprint(len(ids)),
			})
	}
}

func (c *Coordinator) saveMetrics(ctx context.Context, m risk.PortfolioMetrics, score float64) {
	if c.opts.Journal == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.opts.Journal.SaveMetrics(sctx, &models.MetricsSnapshot{
		TotalValue:    m.TotalValue,
		TotalExposure: m.TotalExposure,
		DailyPnL:      m.DailyPnL,
		MaxDrawdown:   m.MaxDrawdown,
		RiskScore:     score,
		OpenPositions: m.OpenPositions,
		ComputedAt:    m.ComputedAt,
	})
	if err != nil {
		c.log.Warn("saving metrics snapshot failed", "err", err)
	}
}
