// Package portfolio coordinates the strategy units: it owns their allocations and
// lifecycle, feeds position snapshots to the risk engine and de-risks the portfolio by
// disabling high-risk units, rebalancing and stopping everything in an emergency.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/quantaguard/internal/data"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/security"
	"github.com/songzhibin97/quantaguard/internal/strategy"
)

// RiskEngine is the part of the risk engine the coordinator drives. *risk.Engine
// implements it.
type RiskEngine interface {
	UpdatePortfolioMetrics(positions []models.Position) (risk.PortfolioMetrics, error)
	Metrics() risk.PortfolioMetrics
	Limits() risk.Limits
	RiskScore() float64
	Violations() <-chan risk.Violation
}

// Recorder exports coordinator observations, typically to prometheus.
type Recorder interface {
	SetState(state int)
	SetStrategyEnabled(strategy string, enabled bool)
	TradeExecuted(strategy, action string)
	GatewayFailure(strategy string)
	ObserveCycle(cycle string, seconds float64)
}

// Options configures a Coordinator. Zero values select the defaults noted per field.
type Options struct {
	MonitorInterval   time.Duration // 5m
	EmergencyInterval time.Duration // 30s
	// RebalanceThreshold is the tolerated drift of the enabled allocation sum from 100,
	// in percentage points (5).
	RebalanceThreshold float64
	// EmergencyDrawdown is the drawdown fraction that triggers an emergency stop (0.2).
	EmergencyDrawdown float64
	// DisableScore is the portfolio risk score above which high-risk units are disabled (70).
	DisableScore float64
	// StopTimeout bounds waiting for in-flight trades and forced closes (30s).
	StopTimeout  time.Duration
	ReportBuffer int // 256

	Frequency *security.FrequencyMonitor
	Sink      security.Sink
	Journal   data.Journal
	Recorder  Recorder
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = 5 * time.Minute
	}
	if o.EmergencyInterval <= 0 {
		o.EmergencyInterval = 30 * time.Second
	}
	if o.RebalanceThreshold <= 0 {
		o.RebalanceThreshold = 5
	}
	if o.EmergencyDrawdown <= 0 {
		o.EmergencyDrawdown = 0.2
	}
	if o.DisableScore <= 0 {
		o.DisableScore = 70
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.ReportBuffer <= 0 {
		o.ReportBuffer = 256
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// run holds the loops of one Running period.
type run struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Coordinator 组合协调器
//
// Lock order: lifeMu, then cycleMu, then mu. EmergencyStop never takes lifeMu or cycleMu
// so it can preempt an ordinary stop and be called from inside a cycle.
type Coordinator struct {
	opts    Options
	engine  RiskEngine
	log     *slog.Logger
	now     func() time.Time
	reports chan strategy.Report

	// lifeMu serializes Start, Stop and Restart.
	lifeMu sync.Mutex
	// cycleMu serializes monitoring and emergency cycles.
	cycleMu sync.Mutex

	mu              sync.RWMutex
	state           State
	units           map[string]strategy.Unit
	allocations     map[string]Allocation
	root            context.Context
	current         *run
	lastCycle       time.Time
	emergencyReason string
	// emergencyDone is closed when the current emergency stop has finished closing.
	emergencyDone chan struct{}
}

// New creates a stopped coordinator.
func New(engine RiskEngine, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts:        opts,
		engine:      engine,
		log:         opts.Logger.With("component", "portfolio"),
		now:         opts.Clock,
		reports:     make(chan strategy.Report, opts.ReportBuffer),
		state:       StateStopped,
		units:       make(map[string]strategy.Unit),
		allocations: make(map[string]Allocation),
		root:        context.Background(),
	}
	opts.Recorder.SetState(StateStopped.Gauge())
	return c
}

// Reports is the channel strategy units publish their reports on.
func (c *Coordinator) Reports() chan<- strategy.Report {
	return c.reports
}

// Register adds a unit with its allocation. Zero allocation fields default to the unit's
// own risk level and position size cap. Registration is refused while running.
func (c *Coordinator) Register(u strategy.Unit, a Allocation) error {
	a.Name = u.Name()
	if a.RiskLevel == "" {
		a.RiskLevel = u.RiskLevel()
	}
	if a.MaxPositionSize == 0 {
		a.MaxPositionSize = u.MaxPositionSize()
	}
	if err := a.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", a.Name, err)
	}

	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("register %s: %w: coordinator is running", a.Name, ErrInvalidState)
	}
	if _, ok := c.units[a.Name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("register %s: %w", a.Name, ErrDuplicateStrategy)
	}
	c.units[a.Name] = u
	c.allocations[a.Name] = a
	c.mu.Unlock()

	u.SetEnabled(a.Enabled)
	u.SetMaxPositionSize(a.MaxPositionSize)
	c.opts.Recorder.SetStrategyEnabled(a.Name, a.Enabled)
	c.log.Info("strategy registered", "strategy", a.Name, "allocation", a.Allocation,
		"risk_level", a.RiskLevel, "enabled", a.Enabled)
	return nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start initializes every unit and launches the tick, monitoring and emergency loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.RLock()
	state := c.state
	units := c.unitsLocked()
	c.mu.RUnlock()

	switch state {
	case StateRunning:
		return fmt.Errorf("%w: already running", ErrInvalidState)
	case StateEmergencyStopped:
		return fmt.Errorf("%w: emergency stopped, restart first", ErrInvalidState)
	}

	for i, u := range units {
		if err := u.Initialize(ctx); err != nil {
			_, _ = c.stopUnits(ctx, units[:i])
			return fmt.Errorf("initialize %s: %w", u.Name(), err)
		}
	}

	c.mu.Lock()
	if c.state != StateStopped {
		// emergency stop raced with start
		c.mu.Unlock()
		_, _ = c.stopUnits(ctx, units)
		return fmt.Errorf("%w: state changed to %s during start", ErrInvalidState, c.State())
	}
	runCtx, cancel := context.WithCancel(c.root)
	r := &run{cancel: cancel}
	c.current = r
	c.state = StateRunning
	c.emergencyReason = ""
	execCtx := c.root
	c.mu.Unlock()

	for _, u := range units {
		r.wg.Add(1)
		go func(u strategy.Unit) {
			defer r.wg.Done()
			c.tickLoop(runCtx, execCtx, u)
		}(u)
	}
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		c.every(runCtx, c.opts.MonitorInterval, func() {
			if err := c.RunMonitorCycle(execCtx); err != nil {
				c.log.Error("monitoring cycle failed", "err", err)
			}
		})
	}()
	go func() {
		defer r.wg.Done()
		c.every(runCtx, c.opts.EmergencyInterval, func() { c.RunEmergencyCheck(execCtx) })
	}()

	c.opts.Recorder.SetState(StateRunning.Gauge())
	c.log.Info("portfolio started", "strategies", len(units))
	return nil
}

// Stop halts the loops and stops every unit, letting in-flight trades finish until ctx
// ends. Open positions are kept.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, state)
	}
	c.state = StateStopped
	r := c.current
	c.current = nil
	units := c.unitsLocked()
	c.mu.Unlock()

	c.opts.Recorder.SetState(StateStopped.Gauge())
	var errs []error
	if r != nil {
		r.cancel()
		if err := waitGroup(ctx, &r.wg); err != nil {
			errs = append(errs, fmt.Errorf("waiting for loops: %w", err))
		}
	}
	stopErrs, _ := c.stopUnits(ctx, units)
	errs = append(errs, stopErrs...)

	c.log.Info("portfolio stopped")
	return errors.Join(errs...)
}

// EmergencyStop moves to EmergencyStopped, stops every unit, force-closes every open
// position with status stopped and emits a critical event. When already emergency
// stopped it waits for the running stop to finish closing (or ctx to end) and returns
// false. Each phase is bounded by StopTimeout and continues when ctx is cancelled.
func (c *Coordinator) EmergencyStop(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if c.state == StateEmergencyStopped {
		done := c.emergencyDone
		c.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		return false
	}
	prev := c.state
	c.state = StateEmergencyStopped
	c.emergencyReason = reason
	done := make(chan struct{})
	c.emergencyDone = done
	r := c.current
	c.current = nil
	units := c.unitsLocked()
	c.mu.Unlock()
	defer close(done)

	c.opts.Recorder.SetState(StateEmergencyStopped.Gauge())
	c.log.Error("EMERGENCY STOP", "reason", reason, "previous_state", prev)
	if r != nil {
		r.cancel()
	}

	base := context.WithoutCancel(ctx)
	_, late := c.stopUnitsWithin(base, units)
	targeted, failures := c.closeAllWithin(base, units)

	// a trade still in flight after the stop timeout may open a position after the
	// first sweep
	if len(late) > 0 {
		c.log.Warn("strategies still trading after stop timeout, sweeping again", "strategies", len(late))
		c.stopUnitsWithin(base, late)
		t, f := c.closeAllWithin(base, late)
		targeted += t
		failures += f
	}

	if _, err := c.engine.UpdatePortfolioMetrics(c.snapshot()); err != nil {
		c.log.Error("metrics refresh after emergency stop failed", "err", err)
	}

	c.emit(models.EventEmergencyStop, models.SeverityCritical, "emergency stop: "+reason, map[string]string{
		"reason":           reason,
		"previous_state":   string(prev),
		"positions_closed": fmt.Sprint(targeted),
		"close_failures":   fmt.Sprint(failures),
	})
	return true
}

// Restart clears an emergency stop. The coordinator is left stopped.
func (c *Coordinator) Restart() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.RLock()
	done := c.emergencyDone
	c.mu.RUnlock()
	if done != nil {
		// forced closes must finish before units can be initialized again
		<-done
	}

	c.mu.Lock()
	if c.state != StateEmergencyStopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: restart only applies to %s, state is %s", ErrInvalidState, StateEmergencyStopped, state)
	}
	c.state = StateStopped
	reason := c.emergencyReason
	c.emergencyReason = ""
	c.mu.Unlock()

	c.opts.Recorder.SetState(StateStopped.Gauge())
	c.log.Warn("emergency stop cleared", "previous_reason", reason)
	return nil
}

// UpdateAllocation merges u into the named allocation. It toggles the unit's enabled
// flag and position size cap; it never starts or stops the unit.
func (c *Coordinator) UpdateAllocation(name string, u AllocationUpdate) (Allocation, error) {
	if u.Empty() {
		return Allocation{}, fmt.Errorf("%w: no fields to update", ErrInvalidAllocation)
	}

	c.mu.Lock()
	prev, ok := c.allocations[name]
	if !ok {
		c.mu.Unlock()
		return Allocation{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	next := prev.Apply(u)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return prev, err
	}
	c.allocations[name] = next
	unit := c.units[name]
	c.mu.Unlock()

	unit.SetEnabled(next.Enabled)
	unit.SetMaxPositionSize(next.MaxPositionSize)
	c.opts.Recorder.SetStrategyEnabled(name, next.Enabled)
	c.log.Info("allocation updated", "strategy", name, "allocation", next.Allocation,
		"enabled", next.Enabled, "risk_level", next.RiskLevel, "max_position_size", next.MaxPositionSize)
	return next, nil
}

// SetEnabled toggles the enabled flag of the named allocation.
func (c *Coordinator) SetEnabled(name string, enabled bool) (Allocation, error) {
	return c.UpdateAllocation(name, AllocationUpdate{Enabled: &enabled})
}

// Allocations returns every allocation ordered by name.
func (c *Coordinator) Allocations() []Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Allocation, 0, len(c.allocations))
	for _, a := range c.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Positions returns a copy of the named unit's positions.
func (c *Coordinator) Positions(name string) ([]models.Position, error) {
	c.mu.RLock()
	u, ok := c.units[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return u.GetPositions(), nil
}

// StrategyStatus 单个策略的状态
type StrategyStatus struct {
	Allocation
	OpenPositions int                  `json:"open_positions"`
	Positions     int                  `json:"positions"`
	Performance   strategy.Performance `json:"performance"`
}

// Status 组合状态
type Status struct {
	State           State            `json:"state"`
	IsRunning       bool             `json:"is_running"`
	TotalValue      float64          `json:"total_value"`
	TotalExposure   float64          `json:"total_exposure"`
	DailyPnL        float64          `json:"daily_pnl"`
	RiskScore       float64          `json:"risk_score"`
	AllocationSum   float64          `json:"allocation_sum"`
	LastCycleAt     *time.Time       `json:"last_cycle_at,omitempty"`
	EmergencyReason string           `json:"emergency_reason,omitempty"`
	Strategies      []StrategyStatus `json:"strategies"`
}

// Status returns the coordinator state with per-strategy allocation and performance.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	s := Status{
		State:           c.state,
		IsRunning:       c.state == StateRunning,
		EmergencyReason: c.emergencyReason,
	}
	if !c.lastCycle.IsZero() {
		last := c.lastCycle
		s.LastCycleAt = &last
	}
	allocs := make([]Allocation, 0, len(c.allocations))
	units := make(map[string]strategy.Unit, len(c.units))
	for name, a := range c.allocations {
		allocs = append(allocs, a)
		units[name] = c.units[name]
	}
	c.mu.RUnlock()

	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Name < allocs[j].Name })
	m := c.engine.Metrics()
	s.TotalValue = m.TotalValue
	s.TotalExposure = m.TotalExposure
	s.DailyPnL = m.DailyPnL
	s.RiskScore = c.engine.RiskScore()

	s.Strategies = make([]StrategyStatus, 0, len(allocs))
	for _, a := range allocs {
		if a.Enabled {
			s.AllocationSum += a.Allocation
		}
		u := units[a.Name]
		positions := u.GetPositions()
		open := 0
		for _, p := range positions {
			if p.IsOpen() {
				open++
			}
		}
		s.Strategies = append(s.Strategies, StrategyStatus{
			Allocation:    a,
			OpenPositions: open,
			Positions:     len(positions),
			Performance:   u.GetPerformanceMetrics(),
		})
	}
	return s
}

// unitsLocked returns the units ordered by name; mu must be held.
func (c *Coordinator) unitsLocked() []strategy.Unit {
	names := make([]string, 0, len(c.units))
	for name := range c.units {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]strategy.Unit, 0, len(names))
	for _, name := range names {
		out = append(out, c.units[name])
	}
	return out
}

// snapshot copies every unit's positions.
func (c *Coordinator) snapshot() []models.Position {
	c.mu.RLock()
	units := c.unitsLocked()
	c.mu.RUnlock()

	var out []models.Position
	for _, u := range units {
		out = append(out, u.GetPositions()...)
	}
	return out
}

// stopUnits stops units concurrently. It returns the stop errors and the units whose
// Stop failed, which may still have a trade in flight.
func (c *Coordinator) stopUnits(ctx context.Context, units []strategy.Unit) (errs []error, late []strategy.Unit) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, u := range units {
		wg.Add(1)
		go func(u strategy.Unit) {
			defer wg.Done()
			if err := u.Stop(ctx); err != nil {
				c.log.Error("strategy stop failed", "strategy", u.Name(), "err", err)
				mu.Lock()
				errs = append(errs, err)
				late = append(late, u)
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	return errs, late
}

func (c *Coordinator) stopUnitsWithin(base context.Context, units []strategy.Unit) ([]error, []strategy.Unit) {
	ctx, cancel := context.WithTimeout(base, c.opts.StopTimeout)
	defer cancel()
	return c.stopUnits(ctx, units)
}

func (c *Coordinator) closeAllWithin(base context.Context, units []strategy.Unit) (targeted, failures int) {
	ctx, cancel := context.WithTimeout(base, c.opts.StopTimeout)
	defer cancel()
	return c.closeAll(ctx, units)
}

// closeAll force-closes every open position. It returns the number of positions
// targeted and the number whose exit trade failed.
func (c *Coordinator) closeAll(ctx context.Context, units []strategy.Unit) (targeted, failures int) {
	for _, u := range units {
		ids := openIDs(u.GetPositions())
		if len(ids) == 0 {
			continue
		}
		targeted += len(ids)
		if err := u.ClosePositions(ctx, ids, models.PositionStopped, true); err != nil {
			failures += len(unwrapJoined(err))
			c.log.Error("forced close incomplete", "strategy", u.Name(), "err", err)
		}
	}
	return targeted, failures
}

func (c *Coordinator) tickLoop(runCtx, execCtx context.Context, u strategy.Unit) {
	c.every(runCtx, u.Interval(), func() {
		if err := u.Execute(execCtx); err != nil && !errors.Is(err, strategy.ErrNotRunning) {
			c.log.Warn("strategy tick failed", "strategy", u.Name(), "err", err)
		}
	})
}

// every calls fn at each interval until ctx is done.
func (c *Coordinator) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (c *Coordinator) emit(kind string, sev models.Severity, msg string, meta map[string]string) {
	if c.opts.Sink == nil {
		return
	}
	c.opts.Sink.Emit(security.NewEvent(kind, sev, msg, c.now(), meta))
}

func openIDs(positions []models.Position) []string {
	var ids []string
	for _, p := range positions {
		if p.IsOpen() {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopRecorder struct{}

func (nopRecorder) SetState(int)                    {}
func (nopRecorder) SetStrategyEnabled(string, bool) {}
func (nopRecorder) TradeExecuted(string, string)    {}
func (nopRecorder) GatewayFailure(string)           {}
func (nopRecorder) ObserveCycle(string, float64)    {}
