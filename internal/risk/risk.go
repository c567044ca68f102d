package risk

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/models"
)

// Admission policy constants.
const (
	admissionThreshold = 80.0
	correlationPenalty = 20.0
	liquidityPenalty   = 15.0
	rejectScore        = 100.0

	evaluationErrorReason = "risk evaluation error"
)

// Options configures an Engine. Zero values select sensible defaults.
type Options struct {
	// Capital is the starting quote balance the portfolio value is measured from.
	Capital float64
	// QuoteAssets are ignored by the token-overlap correlation heuristic.
	QuoteAssets []string
	History     *PriceHistory
	Sink        EventSink
	Recorder    Recorder
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Engine 组合风险引擎
//
// All mutable state sits behind mu: admission checks, reservations and metric updates
// are serialized so concurrent proposals cannot pass against a stale exposure figure.
type Engine struct {
	mu        sync.Mutex
	limits    Limits
	metrics   PortfolioMetrics
	positions []models.Position
	highWater float64
	capital   float64
	quotes    map[string]bool

	// evalErr holds the failure of the last metrics update; admissions fail closed while set.
	evalErr error

	pending   map[string]*Reservation
	committed map[string]*Reservation // keyed by position id

	lastBreaches string

	history    *PriceHistory
	sink       EventSink
	recorder   Recorder
	log        *slog.Logger
	now        func() time.Time
	violations chan Violation
}

// NewEngine creates an engine with validated limits.
func NewEngine(limits Limits, opts Options) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	if opts.History == nil {
		opts.History = NewPriceHistory(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	quotes := make(map[string]bool, len(opts.QuoteAssets))
	for _, q := range opts.QuoteAssets {
		quotes[q] = true
	}

	e := &Engine{
		limits:     limits,
		capital:    opts.Capital,
		highWater:  opts.Capital,
		quotes:     quotes,
		pending:    make(map[string]*Reservation),
		committed:  make(map[string]*Reservation),
		history:    opts.History,
		sink:       opts.Sink,
		recorder:   opts.Recorder,
		log:        opts.Logger.With("component", "risk"),
		now:        opts.Clock,
		violations: make(chan Violation, 16),
	}

	m, err := computeMetrics(nil, e.capital, e.highWater, e.quotes, e.history, e.now())
	if err != nil {
		return nil, err
	}
	e.metrics = m
	return e, nil
}

// Violations delivers limit breaches found by UpdatePortfolioMetrics. Deliveries are
// dropped when the consumer falls behind.
func (e *Engine) Violations() <-chan Violation {
	return e.violations
}

// RecordPrice feeds the price history used for volatility and correlation.
func (e *Engine) RecordPrice(token string, price float64, at time.Time) {
	e.history.RecordPrice(token, price, at)
}

// CheckTradeAdmission evaluates a proposed trade against the current limits and metrics.
// It never mutates state; a passing decision is not a reservation.
func (e *Engine) CheckTradeAdmission(tokenIn, tokenOut string, amount, price float64) Decision {
	e.mu.Lock()
	d, evalErr := e.evaluate(Proposal{TokenIn: tokenIn, TokenOut: tokenOut, Amount: amount, Price: price})
	e.mu.Unlock()

	e.afterAdmission(d, evalErr)
	return d
}

// Admit evaluates p and, when allowed, reserves its value against total exposure until
// the reservation is committed and observed in a snapshot, or released.
func (e *Engine) Admit(p Proposal) (Decision, *Reservation) {
	e.mu.Lock()
	d, evalErr := e.evaluate(p)
	var r *Reservation
	if d.Allowed {
		r = &Reservation{id: uuid.NewString(), value: p.Value(), engine: e}
		e.pending[r.id] = r
	}
	e.mu.Unlock()

	e.afterAdmission(d, evalErr)
	return d, r
}

func (e *Engine) afterAdmission(d Decision, evalErr error) {
	if e.recorder != nil {
		e.recorder.ObserveAdmission(d.Allowed, d.RiskScore)
	}
	if evalErr == nil {
		return
	}
	e.log.Error("risk evaluation failed, rejecting trade", "err", evalErr)
	e.emit(models.EventRiskEvaluation, models.SeverityHigh, "risk evaluation failed; trade rejected",
		map[string]string{"error": evalErr.Error()})
}

// evaluate must be called with mu held.
func (e *Engine) evaluate(p Proposal) (d Decision, evalErr error) {
	defer func() {
		if r := recover(); r != nil {
			evalErr = fmt.Errorf("panic: %v", r)
			d = failClosed()
		}
	}()

	if e.evalErr != nil {
		return failClosed(), e.evalErr
	}
	if !(p.Amount > 0) || !(p.Price > 0) || math.IsInf(p.Amount, 0) || math.IsInf(p.Price, 0) {
		return Decision{Allowed: false, Reason: "amount and price must be positive", RiskScore: rejectScore}, nil
	}

	l := e.limits
	m := e.metrics
	value := p.Value()
	exposure := e.exposureLocked()

	switch {
	case value > l.MaxPositionSize:
		return reject(fmt.Sprintf("position value %s exceeds maximum %s", num(value), num(l.MaxPositionSize))), nil
	case exposure+value > l.MaxTotalExposure:
		return reject(fmt.Sprintf("total exposure %s would exceed maximum %s", num(exposure+value), num(l.MaxTotalExposure))), nil
	case m.DailyPnL < -l.MaxDailyLoss:
		return reject(fmt.Sprintf("daily loss limit reached: pnl %s below -%s", num(m.DailyPnL), num(l.MaxDailyLoss))), nil
	case m.MaxDrawdown > l.MaxDrawdown:
		return reject(fmt.Sprintf("drawdown %s exceeds maximum %s", pct(m.MaxDrawdown), pct(l.MaxDrawdown))), nil
	}

	score := 30*(value/l.MaxPositionSize) +
		25*((exposure+value)/l.MaxTotalExposure) +
		20*math.Abs(m.DailyPnL/l.MaxDailyLoss) +
		15*(m.MaxDrawdown/l.MaxDrawdown) +
		10*(m.Volatility/l.MaxVolatility)

	var reasons []string
	if overlap := e.tokenOverlapLocked(p.TokenIn, p.TokenOut); overlap > l.MaxCorrelation {
		score += correlationPenalty
		reasons = append(reasons, fmt.Sprintf("high correlation with existing positions (%s overlap)", pct(overlap)))
	}
	if m.Liquidity < l.MinLiquidity {
		score += liquidityPenalty
		reasons = append(reasons, fmt.Sprintf("liquidity %s below minimum %s", num(m.Liquidity), num(l.MinLiquidity)))
	}

	if math.IsNaN(score) || math.IsInf(score, 0) {
		return failClosed(), fmt.Errorf("non-finite risk score")
	}
	score = clampScore(score)

	d = Decision{Allowed: score < admissionThreshold, RiskScore: score}
	if !d.Allowed {
		reasons = append(reasons, fmt.Sprintf("risk score %s above threshold %s", num(score), num(admissionThreshold)))
	}
	d.Reason = strings.Join(reasons, "; ")
	return d, nil
}

// tokenOverlapLocked is the fraction of open positions sharing a non-quote token with
// the proposal.
func (e *Engine) tokenOverlapLocked(tokenIn, tokenOut string) float64 {
	var open, shared int
	for _, pos := range e.positions {
		if !pos.IsOpen() {
			continue
		}
		open++
		for _, t := range []string{tokenIn, tokenOut} {
			if e.quotes[t] {
				continue
			}
			if pos.TokenIn == t || pos.TokenOut == t {
				shared++
				break
			}
		}
	}
	if open == 0 {
		return 0
	}
	return float64(shared) / float64(open)
}

func (e *Engine) exposureLocked() float64 {
	exposure := e.metrics.TotalExposure
	for _, r := range e.pending {
		exposure += r.value
	}
	for _, r := range e.committed {
		exposure += r.value
	}
	return exposure
}

// UpdatePortfolioMetrics replaces the position snapshot and recomputes every metric.
// A malformed snapshot leaves the previous metrics in place and makes admissions fail
// closed until a valid snapshot arrives.
func (e *Engine) UpdatePortfolioMetrics(positions []models.Position) (PortfolioMetrics, error) {
	snapshot := make([]models.Position, len(positions))
	copy(snapshot, positions)

	e.mu.Lock()
	m, err := computeMetrics(snapshot, e.capital, e.highWater, e.quotes, e.history, e.now())
	if err != nil {
		e.evalErr = fmt.Errorf("update portfolio metrics: %w", err)
		prev := e.metrics
		e.mu.Unlock()
		e.log.Error("portfolio metrics update failed", "err", err)
		e.emit(models.EventRiskEvaluation, models.SeverityHigh, "portfolio metrics update failed",
			map[string]string{"error": err.Error()})
		return prev, e.evalErr
	}

	e.evalErr = nil
	e.positions = snapshot
	e.metrics = m
	e.highWater = m.HighWaterMark
	for _, p := range snapshot {
		delete(e.committed, p.ID)
	}

	breaches := e.breachesLocked()
	key := strings.Join(breaches, "|")
	notify := len(breaches) > 0 && key != e.lastBreaches
	e.lastBreaches = key
	score := e.scoreLocked()
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.ObservePortfolio(m.TotalValue, m.TotalExposure, m.DailyPnL, m.MaxDrawdown, score)
	}

	if notify {
		msg := "risk limits violated: " + strings.Join(breaches, "; ")
		e.log.Warn(msg, "total_value", m.TotalValue, "exposure", m.TotalExposure, "daily_pnl", m.DailyPnL, "drawdown", m.MaxDrawdown)
		e.emit(models.EventRiskViolation, models.SeverityHigh, msg, map[string]string{
			"breaches": strings.Join(breaches, ","),
		})
		select {
		case e.violations <- Violation{Breaches: breaches, Metrics: m, At: m.ComputedAt}:
		default:
			e.log.Warn("violation channel full, dropping notification")
		}
	}
	return m, nil
}

func (e *Engine) breachesLocked() []string {
	var out []string
	l, m := e.limits, e.metrics
	if m.TotalExposure > l.MaxTotalExposure {
		out = append(out, fmt.Sprintf("exposure %s exceeds %s", num(m.TotalExposure), num(l.MaxTotalExposure)))
	}
	if m.DailyPnL < -l.MaxDailyLoss {
		out = append(out, fmt.Sprintf("daily pnl %s below -%s", num(m.DailyPnL), num(l.MaxDailyLoss)))
	}
	if m.MaxDrawdown > l.MaxDrawdown {
		out = append(out, fmt.Sprintf("drawdown %s exceeds %s", pct(m.MaxDrawdown), pct(l.MaxDrawdown)))
	}
	return out
}

// Metrics returns the most recently computed metrics.
func (e *Engine) Metrics() PortfolioMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Limits returns the current limits.
func (e *Engine) Limits() Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// RiskScore returns the portfolio-wide composite score in [0, 100].
func (e *Engine) RiskScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scoreLocked()
}

func (e *Engine) scoreLocked() float64 {
	l, m := e.limits, e.metrics
	score := 25*(m.TotalExposure/l.MaxTotalExposure) +
		25*math.Abs(m.DailyPnL/l.MaxDailyLoss) +
		25*(m.MaxDrawdown/l.MaxDrawdown) +
		25*(m.Volatility/l.MaxVolatility)
	return clampScore(score)
}

// GetRiskMetrics returns metrics, limits, the composite score and recommendations.
func (e *Engine) GetRiskMetrics() RiskReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, m := e.limits, e.metrics
	var recs []string

	if r := m.TotalExposure / l.MaxTotalExposure; r >= 0.8 {
		recs = append(recs, fmt.Sprintf("approaching exposure limit (%s used); reduce new positions", pct(r)))
	}
	if m.DailyPnL < 0 {
		if r := -m.DailyPnL / l.MaxDailyLoss; r >= 0.7 {
			recs = append(recs, fmt.Sprintf("daily loss at %s of limit; consider pausing aggressive strategies", pct(r)))
		}
	}
	if r := m.MaxDrawdown / l.MaxDrawdown; r >= 0.7 {
		recs = append(recs, fmt.Sprintf("drawdown at %s of limit; consider reducing positions", pct(r)))
	}
	if r := m.Volatility / l.MaxVolatility; r >= 0.8 {
		recs = append(recs, "high volatility; consider smaller position sizes")
	}
	if m.ClosedPositions > 0 && m.WinRate < 0.4 {
		recs = append(recs, fmt.Sprintf("review strategies - win rate below 40%% (%s)", pct(m.WinRate)))
	}
	if m.Liquidity < l.MinLiquidity {
		recs = append(recs, "liquidity below minimum; avoid opening new positions")
	}
	if m.Leverage > l.MaxLeverage {
		recs = append(recs, fmt.Sprintf("leverage %s above maximum %s", num(m.Leverage), num(l.MaxLeverage)))
	}
	if c := maxCorrelation(m.CorrelationMatrix); c > l.MaxCorrelation {
		recs = append(recs, fmt.Sprintf("held assets highly correlated (%s); diversify", num(c)))
	}

	return RiskReport{
		Metrics:         copyMetrics(m),
		Limits:          l,
		RiskScore:       e.scoreLocked(),
		Recommendations: recs,
	}
}

// UpdateRiskLimits merges u into the current limits after validation.
func (e *Engine) UpdateRiskLimits(u LimitsUpdate) (Limits, error) {
	if u.Empty() {
		return Limits{}, fmt.Errorf("%w: no fields to update", ErrInvalidLimits)
	}

	e.mu.Lock()
	prev := e.limits
	next := prev.Apply(u)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return prev, err
	}
	e.limits = next
	e.mu.Unlock()

	changes := diffLimits(prev, next)
	e.log.Info("risk limits updated", "changes", changes)
	e.emit(models.EventLimitsUpdated, models.SeverityLow, "risk limits updated", changes)
	return next, nil
}

func (e *Engine) emit(kind string, sev models.Severity, msg string, meta map[string]string) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(models.SecurityEvent{
		ID:        uuid.NewString(),
		Type:      kind,
		Severity:  sev,
		Message:   msg,
		Timestamp: e.now(),
		Metadata:  meta,
	})
}

// Reservation holds admitted exposure between admission and execution.
type Reservation struct {
	id     string
	value  float64
	engine *Engine
	once   sync.Once
}

// Value is the reserved quote value.
func (r *Reservation) Value() float64 {
	if r == nil {
		return 0
	}
	return r.value
}

// Commit marks the trade as executed. The reserved value keeps counting toward exposure
// until a snapshot containing positionID is supplied to UpdatePortfolioMetrics. A
// snapshot taken between execution and Commit already counts the position.
func (r *Reservation) Commit(positionID string) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		e := r.engine
		e.mu.Lock()
		delete(e.pending, r.id)
		if !e.inSnapshotLocked(positionID) {
			e.committed[positionID] = r
		}
		e.mu.Unlock()
	})
}

func (e *Engine) inSnapshotLocked(positionID string) bool {
	for _, p := range e.positions {
		if p.ID == positionID {
			return true
		}
	}
	return false
}

// Release drops the reservation after a failed or abandoned trade.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		e := r.engine
		e.mu.Lock()
		delete(e.pending, r.id)
		e.mu.Unlock()
	})
}

func failClosed() Decision {
	return Decision{Allowed: false, Reason: evaluationErrorReason, RiskScore: rejectScore}
}

func reject(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, RiskScore: rejectScore}
}

func num(v float64) string {
	return decimal.NewFromFloat(v).Round(2).String()
}

func pct(v float64) string {
	return decimal.NewFromFloat(v*100).Round(1).String() + "%"
}

func maxCorrelation(matrix map[string]map[string]float64) float64 {
	var highest float64
	for a, row := range matrix {
		for b, c := range row {
			if a != b && c > highest {
				highest = c
			}
		}
	}
	return highest
}

func copyMetrics(m PortfolioMetrics) PortfolioMetrics {
	out := m
	out.CorrelationMatrix = make(map[string]map[string]float64, len(m.CorrelationMatrix))
	for a, row := range m.CorrelationMatrix {
		cp := make(map[string]float64, len(row))
		for b, c := range row {
			cp[b] = c
		}
		out.CorrelationMatrix[a] = cp
	}
	return out
}

func diffLimits(prev, next Limits) map[string]string {
	pairs := []struct {
		name     string
		old, new float64
	}{
		{"max_total_exposure", prev.MaxTotalExposure, next.MaxTotalExposure},
		{"max_position_size", prev.MaxPositionSize, next.MaxPositionSize},
		{"max_daily_loss", prev.MaxDailyLoss, next.MaxDailyLoss},
		{"max_drawdown", prev.MaxDrawdown, next.MaxDrawdown},
		{"max_correlation", prev.MaxCorrelation, next.MaxCorrelation},
		{"max_leverage", prev.MaxLeverage, next.MaxLeverage},
		{"min_liquidity", prev.MinLiquidity, next.MinLiquidity},
		{"max_volatility", prev.MaxVolatility, next.MaxVolatility},
	}
	out := make(map[string]string)
	for _, p := range pairs {
		if p.old != p.new {
			out[p.name] = num(p.old) + " -> " + num(p.new)
		}
	}
	return out
}
