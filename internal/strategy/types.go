package strategy

import (
	"time"

	"resonance-trader/internal/indicators"
	"resonance-trader/pkg/exchanges/common"
)

// Action is the directional outcome of an evaluation.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionNone Action = "NONE"
)

// Side maps an actionable signal to an order side.
func (a Action) Side() common.Side {
	if a == ActionSell {
		return common.SideSell
	}
	return common.SideBuy
}

// Source tags why a signal was produced.
type Source string

const (
	SourceResonance  Source = "resonance"
	SourceStopLoss   Source = "stop_loss"
	SourceTakeProfit Source = "take_profit"
	// SourceManual marks exits requested by the operator (stop command).
	SourceManual Source = "manual"
)

// IsExit reports whether the source closes a position regardless of risk limits.
func (s Source) IsExit() bool {
	return s == SourceStopLoss || s == SourceTakeProfit || s == SourceManual
}

// Signal is the single decision emitted per evaluation.
type Signal struct {
	Symbol     string               `json:"symbol"`
	Action     Action               `json:"action"`
	Source     Source               `json:"source"`
	Confidence float64              `json:"confidence"`
	Price      float64              `json:"price"`
	KDJAction  Action               `json:"kdj_action"`
	MACDAction Action               `json:"macd_action"`
	Snapshot   *indicators.Snapshot `json:"snapshot,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	At         time.Time            `json:"at"`
}

// Actionable reports whether the signal asks for an order.
func (s Signal) Actionable() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

// OpenPosition is the part of a position the exit check needs.
type OpenPosition struct {
	Side       common.Side
	EntryPrice float64
}

// Input is everything one evaluation looks at.
type Input struct {
	Symbol    string
	Candles   []common.Candle // may include the forming candle; it is dropped
	Price     float64
	Position  *OpenPosition
	Timeframe time.Duration
	Now       time.Time
}
