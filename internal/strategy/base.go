package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/ai"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/trading"
)

// keepClosed bounds the closed positions a unit retains for metrics.
const keepClosed = 1000

// Config holds the parameters shared by every unit.
type Config struct {
	Name       string
	RiskLevel  models.RiskLevel
	QuoteAsset string
	Tokens     []string
	Interval   time.Duration

	MaxPositionSize  float64
	MaxTradesPerHour int
	Cooldown         time.Duration

	// StopLoss and TakeProfit are percentages from entry; zero disables.
	StopLoss   float64
	TakeProfit float64

	// FeeRate is the per-side fee fraction used by the profitability pre-filter.
	FeeRate float64
	// MaxSlippage is the accepted shortfall of the filled quantity, as a fraction.
	MaxSlippage   float64
	TradeTimeout  time.Duration
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.TradeTimeout <= 0 {
		c.TradeTimeout = 30 * time.Second
	}
	if c.RiskLevel == "" {
		c.RiskLevel = models.RiskMedium
	}
	return c
}

// Validate checks the static configuration.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("strategy name is required")
	case !c.RiskLevel.Valid():
		return fmt.Errorf("strategy %s: invalid risk level %q", c.Name, c.RiskLevel)
	case len(c.Tokens) == 0:
		return fmt.Errorf("strategy %s: no tokens configured", c.Name)
	case !(c.MaxPositionSize > 0):
		return fmt.Errorf("strategy %s: max position size must be positive", c.Name)
	case c.StopLoss < 0 || c.TakeProfit < 0 || c.FeeRate < 0 || c.MaxSlippage < 0 || c.MaxSlippage >= 1:
		return fmt.Errorf("strategy %s: invalid exit or fee parameters", c.Name)
	}
	return nil
}

// Deps are the collaborators of a unit. Confirmer, Prices and Reports are optional.
type Deps struct {
	Gateway   trading.Gateway
	Admitter  risk.Admitter
	Prices    risk.PriceRecorder
	Confirmer ai.Confirmer
	Reports   chan<- Report
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Generator inspects fresh market data for one token and returns an entry, or nil.
type Generator func(ctx context.Context, token string, md *models.MarketData) *Signal

// Base implements the gate shared by every unit: lifecycle flags, in-flight tracking,
// trade rate limits, stop-loss and take-profit exits, the fee and AI pre-filters,
// risk admission and gateway execution. Concrete strategies embed it and supply a
// Generator to Tick.
type Base struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	enabled atomic.Bool

	mu        sync.Mutex
	running   bool
	inflight  sync.WaitGroup
	maxPos    float64
	positions []*models.Position
	closing   map[string]bool
	opens     []time.Time
	lastOpen  time.Time
	lastTrade time.Time

	rejections atomic.Int64
	failures   atomic.Int64
}

// NewBase validates cfg and deps and returns an enabled, not yet running base.
func NewBase(cfg Config, deps Deps) (*Base, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Admitter == nil {
		return nil, fmt.Errorf("strategy %s: gateway and admitter are required", cfg.Name)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	b := &Base{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("component", "strategy", "strategy", cfg.Name),
		now:     deps.Clock,
		maxPos:  cfg.MaxPositionSize,
		closing: make(map[string]bool),
	}
	b.enabled.Store(true)
	return b, nil
}

func (b *Base) Name() string                { return b.cfg.Name }
func (b *Base) RiskLevel() models.RiskLevel { return b.cfg.RiskLevel }
func (b *Base) Interval() time.Duration     { return b.cfg.Interval }
func (b *Base) Enabled() bool               { return b.enabled.Load() }
func (b *Base) Gateway() trading.Gateway    { return b.deps.Gateway }
func (b *Base) QuoteAsset() string          { return b.cfg.QuoteAsset }

func (b *Base) SetEnabled(enabled bool) {
	if b.enabled.Swap(enabled) != enabled {
		b.log.Info("strategy enabled flag changed", "enabled", enabled)
	}
}

func (b *Base) MaxPositionSize() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxPos
}

func (b *Base) SetMaxPositionSize(size float64) {
	if !(size > 0) || math.IsInf(size, 0) {
		return
	}
	b.mu.Lock()
	b.maxPos = size
	b.mu.Unlock()
}

// Initialize marks the unit running. A failing balance probe is logged, not fatal.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	if bal, err := b.deps.Gateway.GetBalance(ctx, b.cfg.QuoteAsset); err != nil {
		b.log.Warn("balance probe failed", "asset", b.cfg.QuoteAsset, "err", err)
	} else {
		b.log.Info("strategy initialized", "asset", b.cfg.QuoteAsset, "balance", bal.String())
	}
	return nil
}

// Stop blocks new ticks and waits for the in-flight one to finish or ctx to end.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.log.Info("strategy stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("strategy %s: waiting for in-flight trade: %w", b.cfg.Name, ctx.Err())
	}
}

func (b *Base) isRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Base) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return false
	}
	b.inflight.Add(1)
	return true
}

// Tick runs one cycle over every configured token.
func (b *Base) Tick(ctx context.Context, gen Generator) error {
	if !b.begin() {
		return ErrNotRunning
	}
	defer b.inflight.Done()

	var errs []error
	for _, token := range b.cfg.Tokens {
		if ctx.Err() != nil {
			break
		}

		md, err := b.deps.Gateway.GetMarketData(ctx, b.cfg.QuoteAsset, token)
		if err != nil {
			b.gatewayFailure(ctx, "market data "+token, err)
			errs = append(errs, fmt.Errorf("%s: %w", token, err))
			continue
		}
		if !(md.Price > 0) || math.IsInf(md.Price, 0) {
			b.log.Warn("ignoring invalid price", "token", token, "price", md.Price)
			continue
		}

		now := b.now()
		if b.deps.Prices != nil {
			b.deps.Prices.RecordPrice(token, md.Price, now)
		}
		b.mark(token, md.Price, now)
		b.manageExits(ctx, token)

		if !b.Enabled() || !b.isRunning() {
			continue
		}
		sig := gen(ctx, token, md)
		if sig == nil {
			continue
		}
		if sig.Token == "" {
			sig.Token = token
		}
		b.enter(ctx, md, *sig)
	}
	return errors.Join(errs...)
}

func (b *Base) mark(token string, price float64, now time.Time) {
	p := decimal.NewFromFloat(price)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pos := range b.positions {
		if pos.IsOpen() && pos.TokenOut == token {
			pos.CurrentPrice = p
			pos.UpdatedAt = now
		}
	}
}

func (b *Base) manageExits(ctx context.Context, token string) {
	type exit struct {
		id     string
		status models.PositionStatus
		reason string
	}
	var exits []exit

	b.mu.Lock()
	for _, pos := range b.positions {
		if !pos.IsOpen() || pos.TokenOut != token || b.closing[pos.ID] || pos.EntryPrice.IsZero() {
			continue
		}
		change := pos.CurrentPrice.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
		switch {
		case pos.StopLoss != nil && change.LessThanOrEqual(pos.StopLoss.Neg()):
			exits = append(exits, exit{pos.ID, models.PositionStopped, "stop loss"})
		case pos.TakeProfit != nil && change.GreaterThanOrEqual(*pos.TakeProfit):
			exits = append(exits, exit{pos.ID, models.PositionClosed, "take profit"})
		}
	}
	b.mu.Unlock()

	for _, e := range exits {
		targets := b.claim([]string{e.id})
		if len(targets) == 0 {
			continue
		}
		if err := b.exit(ctx, targets[0], e.status, e.reason); err != nil {
			b.log.Warn("exit failed, will retry next tick", "position", e.id, "reason", e.reason, "err", err)
		}
	}
}

// rateLimitedLocked returns a reason when a new entry is not allowed yet.
func (b *Base) rateLimitedLocked(now time.Time) string {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(b.opens) && !b.opens[i].After(cutoff) {
		i++
	}
	b.opens = b.opens[i:]

	if b.cfg.MaxTradesPerHour > 0 && len(b.opens) >= b.cfg.MaxTradesPerHour {
		return "hourly trade limit reached"
	}
	if b.cfg.Cooldown > 0 && !b.lastOpen.IsZero() && now.Sub(b.lastOpen) < b.cfg.Cooldown {
		return "cooling down"
	}
	return ""
}

func (b *Base) enter(ctx context.Context, md *models.MarketData, sig Signal) {
	now := b.now()

	b.mu.Lock()
	limited := b.rateLimitedLocked(now)
	maxPos := b.maxPos
	b.mu.Unlock()
	if limited != "" {
		b.log.Debug("entry skipped", "token", sig.Token, "reason", limited)
		return
	}

	value := math.Min(sig.Value, maxPos)
	if !(value > 0) {
		return
	}

	if fee := b.cfg.FeeRate; fee > 0 && sig.ExpectedReturn > 0 && sig.ExpectedReturn <= 2*fee {
		b.reject(ctx, fmt.Sprintf("expected return %.4f does not cover round-trip fees %.4f", sig.ExpectedReturn, 2*fee))
		return
	}

	amount := value / md.Price

	if c := b.deps.Confirmer; c != nil {
		cctx, cancel := context.WithTimeout(ctx, b.cfg.TradeTimeout)
		conf, err := c.ConfirmTrade(cctx, ai.TradeSignal{
			Strategy: b.cfg.Name,
			TokenIn:  b.cfg.QuoteAsset,
			TokenOut: sig.Token,
			Amount:   amount,
			Price:    md.Price,
			Reason:   sig.Reason,
			Market:   md,
		})
		cancel()
		if err != nil {
			b.reject(ctx, "ai confirmation failed: "+err.Error())
			return
		}
		if !conf.Approved(b.cfg.MinConfidence) {
			b.reject(ctx, "ai confirmation declined: "+conf.Reason)
			return
		}
	}

	decision, reservation := b.deps.Admitter.Admit(risk.Proposal{
		Strategy: b.cfg.Name,
		TokenIn:  b.cfg.QuoteAsset,
		TokenOut: sig.Token,
		Amount:   amount,
		Price:    md.Price,
	})
	if !decision.Allowed {
		b.reject(ctx, decision.Reason)
		return
	}

	// disabled or stopped while admission ran
	if !b.Enabled() || !b.isRunning() {
		reservation.Release()
		return
	}

	req := trading.TradeRequest{
		TokenIn:  b.cfg.QuoteAsset,
		TokenOut: sig.Token,
		AmountIn: decimal.NewFromFloat(value),
		Deadline: time.Now().Add(b.cfg.TradeTimeout),
	}
	if b.cfg.MaxSlippage > 0 {
		req.AmountOutMin = decimal.NewFromFloat(amount * (1 - b.cfg.MaxSlippage))
	}

	tctx, cancel := context.WithDeadline(ctx, req.Deadline)
	result, err := b.deps.Gateway.ExecuteTrade(tctx, req)
	cancel()
	if err == nil && !result.Success {
		err = fmt.Errorf("trade rejected: %s", result.Error)
	}
	if err != nil {
		reservation.Release()
		b.gatewayFailure(ctx, "open "+sig.Token, err)
		return
	}

	qty := result.AmountOut
	if !qty.IsPositive() {
		qty = decimal.NewFromFloat(amount)
	}
	entry := req.AmountIn.Div(qty)

	pos := &models.Position{
		ID:           uuid.NewString(),
		Strategy:     b.cfg.Name,
		TokenIn:      b.cfg.QuoteAsset,
		TokenOut:     sig.Token,
		AmountIn:     req.AmountIn,
		AmountOut:    decimal.Zero,
		Quantity:     qty,
		EntryPrice:   entry,
		CurrentPrice: decimal.NewFromFloat(md.Price),
		StopLoss:     percent(sig.StopLoss, b.cfg.StopLoss),
		TakeProfit:   percent(sig.TakeProfit, b.cfg.TakeProfit),
		Status:       models.PositionOpen,
		TxHash:       result.TxHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	b.mu.Lock()
	b.positions = append(b.positions, pos)
	b.opens = append(b.opens, now)
	b.lastOpen = now
	b.lastTrade = now
	b.mu.Unlock()

	reservation.Commit(pos.ID)

	b.log.Info("position opened", "position", pos.ID, "token", sig.Token, "value", value,
		"quantity", qty.String(), "entry", entry.String(), "reason", sig.Reason, "risk_score", decision.RiskScore)

	b.publish(ctx, Report{
		Kind:     ReportTrade,
		Strategy: b.cfg.Name,
		Reason:   sig.Reason,
		At:       now,
		Trade: &models.TradeRecord{
			ID:         uuid.NewString(),
			Strategy:   b.cfg.Name,
			PositionID: pos.ID,
			Action:     models.TradeOpen,
			TokenIn:    pos.TokenIn,
			TokenOut:   pos.TokenOut,
			AmountIn:   pos.AmountIn,
			AmountOut:  qty,
			Price:      entry,
			TxHash:     result.TxHash,
			Reason:     sig.Reason,
			ExecutedAt: now,
		},
	})
}

// claim marks the open, unclaimed positions among ids as closing and returns copies.
func (b *Base) claim(ids []string) []models.Position {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Position
	for _, pos := range b.positions {
		if want[pos.ID] && pos.IsOpen() && !b.closing[pos.ID] {
			b.closing[pos.ID] = true
			out = append(out, *pos)
		}
	}
	return out
}

func (b *Base) unclaim(id string) {
	b.mu.Lock()
	delete(b.closing, id)
	b.mu.Unlock()
}

// exit sells a claimed position back to the quote asset.
func (b *Base) exit(ctx context.Context, pos models.Position, status models.PositionStatus, reason string) error {
	req := trading.TradeRequest{
		TokenIn:  pos.TokenOut,
		TokenOut: pos.TokenIn,
		AmountIn: pos.Quantity,
		Deadline: time.Now().Add(b.cfg.TradeTimeout),
	}
	tctx, cancel := context.WithDeadline(ctx, req.Deadline)
	result, err := b.deps.Gateway.ExecuteTrade(tctx, req)
	cancel()
	if err == nil && !result.Success {
		err = fmt.Errorf("trade rejected: %s", result.Error)
	}
	if err != nil {
		b.unclaim(pos.ID)
		b.gatewayFailure(ctx, "close "+pos.TokenOut, err)
		return err
	}

	price := decimal.Zero
	if pos.Quantity.IsPositive() {
		price = result.AmountOut.Div(pos.Quantity)
	}
	now := b.now()
	b.settle(pos.ID, result.AmountOut, price, status, now)

	b.log.Info("position closed", "position", pos.ID, "token", pos.TokenOut, "status", status,
		"amount_in", pos.AmountIn.String(), "amount_out", result.AmountOut.String(), "reason", reason)

	b.publish(ctx, Report{
		Kind:     ReportTrade,
		Strategy: b.cfg.Name,
		Reason:   reason,
		At:       now,
		Trade: &models.TradeRecord{
			ID:         uuid.NewString(),
			Strategy:   b.cfg.Name,
			PositionID: pos.ID,
			Action:     models.TradeClose,
			TokenIn:    pos.TokenOut,
			TokenOut:   pos.TokenIn,
			AmountIn:   pos.Quantity,
			AmountOut:  result.AmountOut,
			Price:      price,
			TxHash:     result.TxHash,
			Reason:     reason,
			ExecutedAt: now,
		},
	})
	return nil
}

func (b *Base) settle(id string, amountOut, price decimal.Decimal, status models.PositionStatus, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.closing, id)
	for _, pos := range b.positions {
		if pos.ID != id || !pos.IsOpen() {
			continue
		}
		pos.AmountOut = amountOut
		if price.IsPositive() {
			pos.CurrentPrice = price
		}
		pos.Status = status
		pos.UpdatedAt = now
		b.lastTrade = now
		break
	}
	b.pruneLocked()
}

func (b *Base) pruneLocked() {
	closed := 0
	for _, pos := range b.positions {
		if !pos.IsOpen() {
			closed++
		}
	}
	if closed <= keepClosed {
		return
	}
	drop := closed - keepClosed
	kept := b.positions[:0]
	for _, pos := range b.positions {
		if !pos.IsOpen() && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, pos)
	}
	b.positions = kept
}

// ClosePositions implements Unit.
func (b *Base) ClosePositions(ctx context.Context, ids []string, status models.PositionStatus, force bool) error {
	if status == models.PositionOpen {
		return fmt.Errorf("invalid close status %q", status)
	}

	reason := "rebalance"
	if status == models.PositionStopped {
		reason = "forced stop"
	}

	var errs []error
	for _, pos := range b.claim(ids) {
		err := b.exit(ctx, pos, status, reason)
		if err == nil {
			continue
		}
		errs = append(errs, fmt.Errorf("close %s: %w", pos.ID, err))
		if !force {
			continue
		}

		// exit failed; settle at the last marked value so the position stops counting
		// as exposure
		now := b.now()
		marked := pos.MarkedValue()
		b.settle(pos.ID, marked, pos.CurrentPrice, status, now)
		b.log.Error("forced close failed, position marked at last value", "position", pos.ID,
			"token", pos.TokenOut, "marked_value", marked.String(), "err", err)
		b.publish(ctx, Report{
			Kind:     ReportForcedClose,
			Strategy: b.cfg.Name,
			Reason:   fmt.Sprintf("position %s (%s) marked %s at %s: %v", pos.ID, pos.TokenOut, status, marked.StringFixed(2), err),
			At:       now,
		})
	}
	return errors.Join(errs...)
}

// OpenPositionIDs returns open position ids, oldest first.
func (b *Base) OpenPositionIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for _, pos := range b.positions {
		if pos.IsOpen() {
			ids = append(ids, pos.ID)
		}
	}
	return ids
}

// HasOpen reports whether the unit holds an open position in token.
func (b *Base) HasOpen(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pos := range b.positions {
		if pos.IsOpen() && pos.TokenOut == token {
			return true
		}
	}
	return false
}

// GetPositions implements Unit.
func (b *Base) GetPositions() []models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// GetPerformanceMetrics implements Unit.
func (b *Base) GetPerformanceMetrics() Performance {
	perf := Performance{
		Strategy:        b.cfg.Name,
		Rejections:      b.rejections.Load(),
		GatewayFailures: b.failures.Load(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lastTrade.IsZero() {
		last := b.lastTrade
		perf.LastTradeAt = &last
	}
	for _, pos := range b.positions {
		pnl := pos.PnL().InexactFloat64()
		if pos.IsOpen() {
			perf.OpenPositions++
			perf.OpenExposure += pos.MarkedValue().InexactFloat64()
			perf.UnrealizedPnL += pnl
			continue
		}
		perf.ClosedPositions++
		perf.RealizedPnL += pnl
		if pnl > 0 {
			perf.WinningTrades++
		} else {
			perf.LosingTrades++
		}
	}
	if perf.ClosedPositions > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.ClosedPositions)
	}
	return perf
}

func (b *Base) reject(ctx context.Context, reason string) {
	b.rejections.Add(1)
	b.log.Info("entry rejected", "reason", reason)
	b.publish(ctx, Report{Kind: ReportRejected, Strategy: b.cfg.Name, Reason: reason, At: b.now()})
}

func (b *Base) gatewayFailure(ctx context.Context, op string, err error) {
	b.failures.Add(1)
	b.log.Warn("gateway call failed", "op", op, "err", err)
	b.publish(ctx, Report{Kind: ReportGatewayFailure, Strategy: b.cfg.Name, Reason: op + ": " + err.Error(), At: b.now()})
}

func (b *Base) publish(ctx context.Context, r Report) {
	if b.deps.Reports == nil {
		return
	}
	select {
	case b.deps.Reports <- r:
	case <-ctx.Done():
		b.log.Warn("report dropped", "kind", r.Kind, "err", ctx.Err())
	}
}

func percent(override *float64, fallback float64) *decimal.Decimal {
	v := fallback
	if override != nil {
		v = *override
	}
	if !(v > 0) {
		return nil
	}
	d := decimal.NewFromFloat(v)
	return &d
}
