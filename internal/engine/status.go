package engine

import (
	"time"

	"resonance-trader/internal/gateway"
	"resonance-trader/internal/order"
	"resonance-trader/internal/pairs"
	"resonance-trader/internal/risk"
	"resonance-trader/internal/strategy"
	"resonance-trader/pkg/exchanges/common"
)

// Status is the snapshot broadcast after every tick and every applied command.
type Status struct {
	Timeframe        string           `json:"timeframe"`
	TimeframeOptions []string         `json:"timeframe_options"`
	ActivePair       string           `json:"active_pair"`
	Pairs            []pairs.Pair     `json:"pairs"`
	TradingEnabled   bool             `json:"trading_enabled"`
	Mode             string           `json:"mode"`
	Exchange         string           `json:"exchange"`
	Price            float64          `json:"price"`
	LastSignal       *strategy.Signal `json:"last_signal,omitempty"`
	Position         *risk.Position   `json:"position,omitempty"`
	Positions        []risk.Position  `json:"positions"`
	OpenOrders       []order.Order    `json:"open_orders"`
	OrderStats       order.Stats      `json:"order_stats"`
	RiskMetrics      risk.Metrics     `json:"risk_metrics"`
	Gateway          *gateway.Health  `json:"gateway,omitempty"`
	LastTick         time.Time        `json:"last_tick"`
	LastError        string           `json:"last_error,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}

// buildStatusLocked assembles a fresh snapshot. Caller holds c.mu.
func (c *Controller) buildStatusLocked(now time.Time) Status {
	st := Status{
		Timeframe:        c.timeframe,
		TimeframeOptions: c.cfg.Gateway.AvailableTimeframes(),
		Pairs:            c.cfg.Pairs.List(),
		TradingEnabled:   c.trading,
		Mode:             c.cfg.Mode,
		Exchange:         c.cfg.Gateway.Name(),
		Price:            c.lastPrice,
		LastSignal:       c.lastSignal,
		Positions:        c.cfg.Risk.Positions(),
		OpenOrders:       c.cfg.Orders.OutstandingAll(),
		OrderStats:       c.cfg.Orders.Stats(),
		RiskMetrics:      c.cfg.Risk.Metrics(now),
		LastTick:         c.lastTick,
		LastError:        c.lastErr,
		Timestamp:        now,
	}
	if active, ok := c.cfg.Pairs.Active(); ok {
		st.ActivePair = active
		if pos, ok := c.cfg.Risk.Position(active); ok {
			st.Position = &pos
		}
	}
	if c.cfg.Health != nil {
		h := c.cfg.Health()
		st.Gateway = &h
	}
	return st
}

// positionSizes maps open positions to signed sizes for the gauges.
func positionSizes(ps []risk.Position) map[string]float64 {
	out := make(map[string]float64, len(ps))
	for _, p := range ps {
		size := p.Size
		if p.Side == common.SideSell {
			size = -size
		}
		out[p.Symbol] = size
	}
	return out
}
