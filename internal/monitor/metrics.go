package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one trader instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Ticks          *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	Signals        *prometheus.CounterVec
	Orders         *prometheus.CounterVec
	GatewayRetries *prometheus.CounterVec
	RiskBlocked    *prometheus.CounterVec
	PositionSize   *prometheus.GaugeVec
	DailyPnL       prometheus.Gauge
	Drawdown       prometheus.Gauge
	WSClients      prometheus.Gauge
	APIRequests    *prometheus.CounterVec
	APILatency     *prometheus.HistogramVec
}

// NewMetrics registers every collector on a fresh registry, plus the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_ticks_total",
			Help: "Controller ticks by result (ok, abandoned, idle).",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_tick_duration_seconds",
			Help:    "Wall time of one controller tick.",
			Buckets: prometheus.DefBuckets,
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_signals_total",
			Help: "Evaluated signals by action and source.",
		}, []string{"action", "source"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Order state transitions by target state.",
		}, []string{"state"}),
		GatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_gateway_retries_total",
			Help: "Gateway call retries by operation.",
		}, []string{"op"}),
		RiskBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_risk_blocked_total",
			Help: "Entries downgraded by risk limits, by reason.",
		}, []string{"reason"}),
		PositionSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_position_size",
			Help: "Open position size in base units (negative for shorts).",
		}, []string{"symbol"}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_daily_pnl",
			Help: "Realized plus unrealized PnL for the current UTC day.",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_drawdown",
			Help: "Current drawdown from the equity peak, as a fraction.",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trader_ws_clients",
			Help: "Connected websocket clients.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_api_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "status"}),
		APILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trader_api_latency_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"route"}),
	}
	reg.MustRegister(
		m.Ticks, m.TickDuration, m.Signals, m.Orders, m.GatewayRetries, m.RiskBlocked,
		m.PositionSize, m.DailyPnL, m.Drawdown, m.WSClients, m.APIRequests, m.APILatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// TickDone records one tick outcome.
func (m *Metrics) TickDone(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(result).Inc()
	m.TickDuration.Observe(elapsed.Seconds())
}

// Signal counts an evaluated signal.
func (m *Metrics) Signal(action, source string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(action, source).Inc()
}

// OrderState counts a transition into state.
func (m *Metrics) OrderState(state string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(state).Inc()
}

// GatewayRetry counts a retried gateway call.
func (m *Metrics) GatewayRetry(op string) {
	if m == nil {
		return
	}
	m.GatewayRetries.WithLabelValues(op).Inc()
}

// RiskBlock counts a downgraded entry.
func (m *Metrics) RiskBlock(reason string) {
	if m == nil {
		return
	}
	m.RiskBlocked.WithLabelValues(reason).Inc()
}

// Portfolio sets the position and PnL gauges.
func (m *Metrics) Portfolio(positions map[string]float64, dailyPnL, drawdown float64) {
	if m == nil {
		return
	}
	m.PositionSize.Reset()
	for sym, size := range positions {
		m.PositionSize.WithLabelValues(sym).Set(size)
	}
	m.DailyPnL.Set(dailyPnL)
	m.Drawdown.Set(drawdown)
}

// ClientConnected adjusts the websocket client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WSClients.Add(float64(delta))
}

// Request records one HTTP request.
func (m *Metrics) Request(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.APILatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Timer measures an operation into a Prometheus observer.
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

// NewTimer starts a timer that records to obs; obs may be nil.
func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), obs: obs}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.obs != nil {
		t.obs.Observe(elapsed.Seconds())
	}
	return elapsed
}
