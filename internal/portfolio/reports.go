package portfolio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/strategy"
)

const journalTimeout = 5 * time.Second

// Run consumes strategy reports and risk violations until ctx is done, then stops the
// portfolio if it is still running. Loops started by Start derive from ctx.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.root = ctx
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.consumeViolations(ctx)
	}()
	c.consumeReports(ctx)
	wg.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
	defer cancel()
	if err := c.Stop(sctx); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	return nil
}

func (c *Coordinator) consumeReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-c.reports:
					c.handleReport(context.WithoutCancel(ctx), r)
				default:
					return
				}
			}
		case r := <-c.reports:
			c.handleReport(ctx, r)
		}
	}
}

// handleReport turns a unit report into metrics, journal entries and events.
func (c *Coordinator) handleReport(ctx context.Context, r strategy.Report) {
	switch r.Kind {
	case strategy.ReportTrade:
		if r.Trade == nil {
			return
		}
		c.opts.Recorder.TradeExecuted(r.Strategy, string(r.Trade.Action))
		if c.opts.Frequency != nil {
			c.opts.Frequency.RecordTrade(r.Strategy, r.At)
		}
		if c.opts.Journal != nil {
			jctx, cancel := context.WithTimeout(ctx, journalTimeout)
			if err := c.opts.Journal.SaveTrade(jctx, r.Trade); err != nil {
				c.log.Warn("saving trade failed", "strategy", r.Strategy, "trade", r.Trade.ID, "err", err)
			}
			cancel()
		}

	case strategy.ReportGatewayFailure:
		c.opts.Recorder.GatewayFailure(r.Strategy)
		c.emit(models.EventGatewayFailure, models.SeverityMedium, r.Reason,
			map[string]string{"strategy": r.Strategy})

	case strategy.ReportForcedClose:
		c.emit(models.EventForcedCloseFailure, models.SeverityHigh, r.Reason,
			map[string]string{"strategy": r.Strategy})

	case strategy.ReportRejected:
		c.log.Debug("trade rejected by risk engine", "strategy", r.Strategy, "reason", r.Reason)
	}
}

// consumeViolations runs an emergency check as soon as the engine reports a breach
// instead of waiting for the next emergency tick.
func (c *Coordinator) consumeViolations(ctx context.Context) {
	violations := c.engine.Violations()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-violations:
			if !ok {
				return
			}
			c.log.Warn("risk limits breached", "breaches", strings.Join(v.Breaches, "; "),
				"total_value", v.Metrics.TotalValue, "drawdown", v.Metrics.MaxDrawdown)
			if c.State() == StateRunning {
				c.RunEmergencyCheck(ctx)
			}
		}
	}
}
