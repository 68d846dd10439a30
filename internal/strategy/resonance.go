package strategy

import (
	"fmt"
	"math"

	"resonance-trader/internal/indicators"
	"resonance-trader/pkg/exchanges/common"
)

// Engine is the KDJ+MACD resonance signal engine. It holds only configuration,
// so Evaluate is a pure function of its input.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// RequiredHistory is the number of closed candles needed for a resonance decision.
func (e *Engine) RequiredHistory() int { return e.cfg.Params().RequiredHistory() }

// Evaluate produces exactly one signal. An open position is checked for stop-loss
// and take-profit first; only then are KDJ and MACD compared on the last closed candle.
func (e *Engine) Evaluate(in Input) Signal {
	sig := Signal{
		Symbol:     in.Symbol,
		Action:     ActionNone,
		Price:      in.Price,
		KDJAction:  ActionNone,
		MACDAction: ActionNone,
		At:         in.Now,
	}

	if action, source, ok := e.CheckExit(in.Position, in.Price); ok {
		sig.Action = action
		sig.Source = source
		sig.Confidence = 1
		sig.Reason = fmt.Sprintf("%s at %.8g (entry %.8g)", source, in.Price, in.Position.EntryPrice)
		if snap, ok := indicators.Compute(common.ClosedOnly(in.Candles, in.Timeframe, in.Now), e.cfg.Params()); ok {
			sig.Snapshot = &snap
		}
		return sig
	}

	sig.Source = SourceResonance
	closed := common.ClosedOnly(in.Candles, in.Timeframe, in.Now)
	snap, ok := indicators.Compute(closed, e.cfg.Params())
	if !ok {
		sig.Reason = fmt.Sprintf("insufficient history: %d/%d closed candles", len(closed), e.RequiredHistory())
		return sig
	}
	sig.Snapshot = &snap

	sig.Action, sig.KDJAction, sig.MACDAction, sig.Confidence = e.decide(snap)
	if sig.Action != ActionNone {
		sig.Reason = "kdj and macd agree"
	}
	return sig
}

// decide fuses the two indicator directions: both must point the same way.
func (e *Engine) decide(snap indicators.Snapshot) (action, kdjAction, macdAction Action, confidence float64) {
	kdjAction, kdjConf := e.kdjDirection(snap)
	macdAction, macdConf := e.macdDirection(snap)
	if kdjAction != ActionNone && kdjAction == macdAction {
		return kdjAction, kdjAction, macdAction, math.Min(kdjConf, macdConf)
	}
	return ActionNone, kdjAction, macdAction, 0
}

// CheckExit reports whether price breaches the stop-loss or take-profit band of pos.
// Longs exit with SELL, shorts with BUY.
func (e *Engine) CheckExit(pos *OpenPosition, price float64) (Action, Source, bool) {
	if pos == nil || pos.EntryPrice <= 0 || price <= 0 {
		return ActionNone, "", false
	}
	var pnl float64
	exit := ActionSell
	if pos.Side == common.SideSell {
		pnl = (pos.EntryPrice - price) / pos.EntryPrice
		exit = ActionBuy
	} else {
		pnl = (price - pos.EntryPrice) / pos.EntryPrice
	}
	switch {
	case pnl <= -e.cfg.StopLoss:
		return exit, SourceStopLoss, true
	case pnl >= e.cfg.TakeProfit:
		return exit, SourceTakeProfit, true
	}
	return ActionNone, "", false
}

func (e *Engine) kdjDirection(s indicators.Snapshot) (Action, float64) {
	cur, prev := s.KDJ, s.PrevKDJ
	switch {
	case prev.K <= prev.D && cur.K > cur.D && cur.K < e.cfg.KDJ.Oversold:
		return ActionBuy, kdjConfidence(cur, e.cfg.MinConfidence)
	case prev.K >= prev.D && cur.K < cur.D && cur.K > e.cfg.KDJ.Overbought:
		return ActionSell, kdjConfidence(cur, e.cfg.MinConfidence)
	}
	return ActionNone, 0
}

func (e *Engine) macdDirection(s indicators.Snapshot) (Action, float64) {
	cur, prev := s.MACD, s.PrevMACD
	switch {
	case prev.MACD <= prev.Signal && cur.MACD > cur.Signal:
		return ActionBuy, macdConfidence(cur, e.cfg.MinConfidence)
	case prev.MACD >= prev.Signal && cur.MACD < cur.Signal:
		return ActionSell, macdConfidence(cur, e.cfg.MinConfidence)
	}
	return ActionNone, 0
}

func kdjConfidence(p indicators.KDJPoint, base float64) float64 {
	gap := math.Abs(p.K-p.D) / 100
	penalty := math.Abs(p.J-50) / 50 * 0.3
	return clamp01(base * (1 + gap) * (1 - penalty))
}

func macdConfidence(p indicators.MACDPoint, base float64) float64 {
	cross := math.Min(math.Abs(p.MACD-p.Signal), 1)
	hist := math.Min(math.Abs(p.Hist), 1)
	return clamp01(base * (1 + cross) * (1 + 0.3*hist))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
