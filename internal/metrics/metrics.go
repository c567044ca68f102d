// Package metrics exposes controller state as Prometheus metrics. A nil *Metrics is a
// valid no-op recorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the controller.
type Metrics struct {
	gatherer prometheus.Gatherer

	AdmissionsTotal *prometheus.CounterVec // labels: result=allowed|rejected
	AdmissionScore  prometheus.Histogram

	PortfolioValue    prometheus.Gauge
	PortfolioExposure prometheus.Gauge
	DailyPnL          prometheus.Gauge
	Drawdown          prometheus.Gauge
	RiskScore         prometheus.Gauge

	TradesTotal          *prometheus.CounterVec // labels: strategy, action
	GatewayFailuresTotal *prometheus.CounterVec // labels: strategy
	EventsTotal          *prometheus.CounterVec // labels: type, severity
	EventsDropped        prometheus.Counter

	CoordinatorState prometheus.Gauge // 0=stopped, 1=running, 2=emergency_stopped
	StrategyEnabled  *prometheus.GaugeVec
	CycleDuration    *prometheus.HistogramVec // labels: cycle=monitor|emergency
}

// New registers and returns all metrics on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantaguard_admissions_total",
			Help: "Trade admission decisions by result",
		}, []string{"result"}),
		AdmissionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quantaguard_admission_risk_score",
			Help:    "Risk score of evaluated trade proposals",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_portfolio_value",
			Help: "Total portfolio value in the quote asset",
		}),
		PortfolioExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_portfolio_exposure",
			Help: "Open exposure in the quote asset",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_daily_pnl",
			Help: "Profit and loss of the current day",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_drawdown_ratio",
			Help: "Drawdown from the high-water mark",
		}),
		RiskScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_risk_score",
			Help: "Portfolio composite risk score (0-100)",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantaguard_trades_total",
			Help: "Executed trades by strategy and action",
		}, []string{"strategy", "action"}),
		GatewayFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantaguard_gateway_failures_total",
			Help: "Failed gateway calls by strategy",
		}, []string{"strategy"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantaguard_security_events_total",
			Help: "Security events by type and severity",
		}, []string{"type", "severity"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quantaguard_security_events_dropped_total",
			Help: "Security events dropped because the bus was full",
		}),
		CoordinatorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantaguard_coordinator_state",
			Help: "Coordinator state: 0=stopped, 1=running, 2=emergency_stopped",
		}),
		StrategyEnabled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantaguard_strategy_enabled",
			Help: "Whether a strategy is enabled (1) or disabled (0)",
		}, []string{"strategy"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quantaguard_cycle_duration_seconds",
			Help:    "Duration of coordinator cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"cycle"}),
	}

	reg.MustRegister(
		m.AdmissionsTotal,
		m.AdmissionScore,
		m.PortfolioValue,
		m.PortfolioExposure,
		m.DailyPnL,
		m.Drawdown,
		m.RiskScore,
		m.TradesTotal,
		m.GatewayFailuresTotal,
		m.EventsTotal,
		m.EventsDropped,
		m.CoordinatorState,
		m.StrategyEnabled,
		m.CycleDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveAdmission records an admission decision.
func (m *Metrics) ObserveAdmission(allowed bool, score float64) {
	if m == nil {
		return
	}
	result := "rejected"
	if allowed {
		result = "allowed"
	}
	m.AdmissionsTotal.WithLabelValues(result).Inc()
	m.AdmissionScore.Observe(score)
}

// ObservePortfolio records the latest portfolio metrics.
func (m *Metrics) ObservePortfolio(totalValue, exposure, dailyPnL, drawdown, score float64) {
	if m == nil {
		return
	}
	m.PortfolioValue.Set(totalValue)
	m.PortfolioExposure.Set(exposure)
	m.DailyPnL.Set(dailyPnL)
	m.Drawdown.Set(drawdown)
	m.RiskScore.Set(score)
}

// EventEmitted counts an emitted security event.
func (m *Metrics) EventEmitted(kind, severity string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind, severity).Inc()
}

// EventDropped counts a dropped security event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// TradeExecuted counts an executed trade.
func (m *Metrics) TradeExecuted(strategy, action string) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(strategy, action).Inc()
}

// GatewayFailure counts a failed gateway call.
func (m *Metrics) GatewayFailure(strategy string) {
	if m == nil {
		return
	}
	m.GatewayFailuresTotal.WithLabelValues(strategy).Inc()
}

// SetState records the coordinator state.
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.CoordinatorState.Set(float64(state))
}

// SetStrategyEnabled records a strategy's enabled flag.
func (m *Metrics) SetStrategyEnabled(strategy string, enabled bool) {
	if m == nil {
		return
	}
	v := 0.0
	if enabled {
		v = 1
	}
	m.StrategyEnabled.WithLabelValues(strategy).Set(v)
}

// ObserveCycle records the duration of a coordinator cycle in seconds.
func (m *Metrics) ObserveCycle(cycle string, seconds float64) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(cycle).Observe(seconds)
}
