package risk

import (
	"time"

	"resonance-trader/pkg/exchanges/common"
)

// Limits are the risk parameters loaded once at startup.
type Limits struct {
	PositionSize     float64 `json:"position_size"` // quote notional per entry
	MaxDailyLoss     float64 `json:"max_daily_loss"`
	MaxPositionRatio float64 `json:"max_position_ratio"`
	StopLossPct      float64 `json:"stop_loss_pct"`
	TakeProfitPct    float64 `json:"take_profit_pct"`
	MaxPositions     int     `json:"max_positions"`
	AllowShort       bool    `json:"allow_short"`
}

// Block reasons, also used as metric labels.
const (
	ReasonNoSignal          = "no_signal"
	ReasonNoPosition        = "no_position"
	ReasonDuplicatePosition = "duplicate_position"
	ReasonDailyLoss         = "daily_loss"
	ReasonMaxPositions      = "max_positions"
	ReasonShortDisabled     = "short_disabled"
	ReasonSize              = "size"
)

// Position is an open position on one symbol.
type Position struct {
	Symbol     string      `json:"symbol"`
	Side       common.Side `json:"side"` // BUY = long, SELL = short
	Size       float64     `json:"size"`
	EntryPrice float64     `json:"entry_price"`
	EntryFees  float64     `json:"entry_fees"`
	OpenedAt   time.Time   `json:"opened_at"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
}

// UnrealizedPnL at price, gross of fees.
func (p Position) UnrealizedPnL(price float64) float64 {
	if p.Side == common.SideSell {
		return (p.EntryPrice - price) * p.Size
	}
	return (price - p.EntryPrice) * p.Size
}

// Fill is an execution applied to the portfolio.
type Fill struct {
	Symbol string
	Side   common.Side
	Qty    float64
	Price  float64
	Fee    float64
	At     time.Time
}

// Decision is the outcome of evaluating a signal.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Exit       bool        `json:"exit"`
	Reason     string      `json:"reason,omitempty"`
	Side       common.Side `json:"side,omitempty"`
	Size       float64     `json:"size"`
	Notional   float64     `json:"notional"`
	StopLoss   float64     `json:"stop_loss,omitempty"`
	TakeProfit float64     `json:"take_profit,omitempty"`
}

// Metrics is the risk section of the status snapshot.
type Metrics struct {
	Day              string  `json:"day"`
	DailyRealizedPnL float64 `json:"daily_realized_pnl"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	DailyLoss        float64 `json:"daily_loss"`
	DailyLossLimit   float64 `json:"daily_loss_limit"`
	DailyTrades      int     `json:"daily_trades"`
	Wins             int     `json:"wins"`
	Losses           int     `json:"losses"`
	WinRate          float64 `json:"win_rate"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
	PortfolioValue   float64 `json:"portfolio_value"`
	Cash             float64 `json:"cash"`
	EquityPeak       float64 `json:"equity_peak"`
	Drawdown         float64 `json:"drawdown"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	OpenPositions    int     `json:"open_positions"`
	MaxPositions     int     `json:"max_positions"`
	MaxPositionRatio float64 `json:"max_position_ratio"`
	BlockedEntries   uint64  `json:"blocked_entries"`
	EntriesBlocked   bool    `json:"entries_blocked"`
}
