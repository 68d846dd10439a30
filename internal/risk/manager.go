package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"resonance-trader/internal/strategy"
	"resonance-trader/pkg/db"
	"resonance-trader/pkg/exchanges/common"
)

const dayLayout = "2006-01-02"

// DailyStore persists realized daily aggregates. *db.Database satisfies it.
type DailyStore interface {
	AddDailyResult(ctx context.Context, date string, pnl float64) error
	GetDailyRisk(ctx context.Context, date string) (*db.DailyRisk, error)
}

// FillHistory lists every persisted fill in execution order. *db.Database
// satisfies it.
type FillHistory interface {
	ListAllFills(ctx context.Context) ([]db.Fill, error)
}

type dailyStats struct {
	day      string
	realized float64
	trades   int
	wins     int
	losses   int
}

// Manager sizes entries, gates them against the limits and tracks the portfolio.
// Exits are never blocked.
type Manager struct {
	mu        sync.RWMutex
	limits    Limits
	initial   float64
	portfolio *Portfolio
	marks     map[string]float64
	daily     dailyStats

	equityPeak  float64
	drawdown    float64
	maxDrawdown float64
	blocked     uint64

	store   DailyStore
	logger  *zap.Logger
	onBlock func(reason string)
}

// NewManager creates a manager with initialBalance of quote cash. store may be nil.
func NewManager(limits Limits, initialBalance float64, store DailyStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		limits:     limits,
		initial:    initialBalance,
		portfolio:  NewPortfolio(initialBalance),
		marks:      make(map[string]float64),
		equityPeak: initialBalance,
		store:      store,
		logger:     logger.Named("risk"),
	}
}

// OnBlock registers a callback invoked with the reason of every blocked entry.
func (m *Manager) OnBlock(fn func(reason string)) {
	m.mu.Lock()
	m.onBlock = fn
	m.mu.Unlock()
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits {
	return m.limits
}

// LoadDaily restores today's realized aggregate from the store.
func (m *Manager) LoadDaily(ctx context.Context, now time.Time) error {
	if m.store == nil {
		return nil
	}
	day := now.UTC().Format(dayLayout)
	row, err := m.store.GetDailyRisk(ctx, day)
	if err != nil {
		return fmt.Errorf("load daily risk: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily = dailyStats{day: day}
	if row != nil {
		m.daily.realized = row.RealizedPnL
		m.daily.trades = row.Trades
		m.daily.wins = row.Wins
		m.daily.losses = row.Trades - row.Wins
	}
	return nil
}

// RestorePositions rebuilds the portfolio from the initial balance by replaying
// the fill history. Daily aggregates come from LoadDaily and nothing is
// persisted. It returns the number of open positions.
func (m *Manager) RestorePositions(ctx context.Context, src FillHistory) (int, error) {
	rows, err := src.ListAllFills(ctx)
	if err != nil {
		return 0, fmt.Errorf("load fill history: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio = NewPortfolio(m.initial)
	m.marks = make(map[string]float64)
	for _, r := range rows {
		side := common.Side(strings.ToUpper(r.Side))
		if side != common.SideBuy && side != common.SideSell {
			m.logger.Warn("skip fill with unknown side", zap.String("fill_id", r.ID), zap.String("side", r.Side))
			continue
		}
		m.portfolio.Apply(Fill{Symbol: r.Symbol, Side: side, Qty: r.Qty, Price: r.Price, Fee: r.Fee, At: r.CreatedAt})
		m.marks[r.Symbol] = r.Price
	}
	for _, pos := range m.portfolio.positions {
		pos.StopLoss, pos.TakeProfit = Levels(pos.Side, pos.EntryPrice, m.limits.StopLossPct, m.limits.TakeProfitPct)
	}
	m.equityPeak = m.initial
	m.drawdown, m.maxDrawdown = 0, 0
	m.updateDrawdownLocked()
	return m.portfolio.Count(), nil
}

// MarkPrice records the latest price of symbol for valuation and drawdown.
func (m *Manager) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = price
	m.updateDrawdownLocked()
}

// Evaluate turns a signal into a sizing decision at price.
//
// An actionable signal on a symbol with an open position is an exit when it comes
// from stop-loss/take-profit or points against the position; exits always pass
// with the full position size. Anything else is an entry and is blocked when the
// daily loss limit is exceeded, max positions are open, or the symbol already has
// a position in that direction. A sell on a flat symbol with shorts disabled is
// not an entry and is neither counted nor reported as a block.
func (m *Manager) Evaluate(sig strategy.Signal, price float64, now time.Time) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(now)
	if price > 0 {
		m.marks[sig.Symbol] = price
	}

	if !sig.Actionable() {
		return Decision{Reason: ReasonNoSignal}
	}
	side := sig.Action.Side()
	pos, hasPos := m.portfolio.Position(sig.Symbol)

	if hasPos && (sig.Source.IsExit() || side != pos.Side) {
		return Decision{
			Allowed:  true,
			Exit:     true,
			Side:     side,
			Size:     pos.Size,
			Notional: pos.Size * price,
			Reason:   string(sig.Source),
		}
	}
	if sig.Source.IsExit() {
		return Decision{Reason: ReasonNoPosition}
	}

	if hasPos {
		return m.blockLocked(ReasonDuplicatePosition, "position already open in this direction", sig)
	}
	// With shorts off a bearish cross on a flat symbol is not an entry.
	if side == common.SideSell && !m.limits.AllowShort {
		return Decision{Reason: ReasonShortDisabled}
	}
	if loss := m.dailyLossLocked(); m.limits.MaxDailyLoss > 0 && loss > m.limits.MaxDailyLoss {
		return m.blockLocked(ReasonDailyLoss,
			fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, m.limits.MaxDailyLoss), sig)
	}
	if m.limits.MaxPositions > 0 && m.portfolio.Count() >= m.limits.MaxPositions {
		return m.blockLocked(ReasonMaxPositions,
			fmt.Sprintf("%d/%d positions open", m.portfolio.Count(), m.limits.MaxPositions), sig)
	}
	if price <= 0 {
		return m.blockLocked(ReasonSize, "no price", sig)
	}

	size := m.limits.PositionSize / price
	notional := size * price
	if m.limits.MaxPositionRatio > 0 {
		maxNotional := m.limits.MaxPositionRatio * m.portfolio.Value(m.marks)
		if notional > maxNotional {
			m.logger.Info("entry size clamped",
				zap.String("symbol", sig.Symbol), zap.Float64("notional", notional), zap.Float64("max", maxNotional))
			notional = math.Max(maxNotional, 0)
			size = notional / price
		}
	}
	if size <= 0 {
		return m.blockLocked(ReasonSize, "position size is zero", sig)
	}

	sl, tp := Levels(side, price, m.limits.StopLossPct, m.limits.TakeProfitPct)
	return Decision{
		Allowed:    true,
		Side:       side,
		Size:       size,
		Notional:   notional,
		StopLoss:   sl,
		TakeProfit: tp,
	}
}

// RecordFill books an execution. Closing fills realize PnL into the daily
// aggregate, which is persisted; a persistence failure is logged only.
func (m *Manager) RecordFill(ctx context.Context, f Fill) (realized float64, closed bool) {
	m.mu.Lock()
	m.rollDayLocked(f.At)
	realized, closed = m.portfolio.Apply(f)
	if pos, ok := m.portfolio.positions[f.Symbol]; ok {
		pos.StopLoss, pos.TakeProfit = Levels(pos.Side, pos.EntryPrice, m.limits.StopLossPct, m.limits.TakeProfitPct)
	}
	m.marks[f.Symbol] = f.Price
	day := m.daily.day
	if closed {
		m.daily.realized += realized
		m.daily.trades++
		if realized > 0 {
			m.daily.wins++
		} else {
			m.daily.losses++
		}
	}
	m.updateDrawdownLocked()
	m.mu.Unlock()

	if closed && m.store != nil {
		if err := m.store.AddDailyResult(ctx, day, realized); err != nil {
			m.logger.Warn("persist daily result failed", zap.Error(err))
		}
	}
	return realized, closed
}

// Position returns the open position on symbol.
func (m *Manager) Position(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Position(symbol)
}

// Positions returns all open positions.
func (m *Manager) Positions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.portfolio.Positions()
}

// Metrics returns the current risk figures.
func (m *Manager) Metrics(now time.Time) Metrics {
	m.mu.Lock()
	m.rollDayLocked(now)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	unrealized := m.portfolio.Unrealized(m.marks)
	loss := m.dailyLossLocked()
	mt := Metrics{
		Day:              m.daily.day,
		DailyRealizedPnL: m.daily.realized,
		UnrealizedPnL:    unrealized,
		DailyLoss:        loss,
		DailyLossLimit:   m.limits.MaxDailyLoss,
		DailyTrades:      m.daily.trades,
		Wins:             m.daily.wins,
		Losses:           m.daily.losses,
		TotalRealizedPnL: m.portfolio.Realized(),
		PortfolioValue:   m.portfolio.Value(m.marks),
		Cash:             m.portfolio.Cash(),
		EquityPeak:       m.equityPeak,
		Drawdown:         m.drawdown,
		MaxDrawdown:      m.maxDrawdown,
		OpenPositions:    m.portfolio.Count(),
		MaxPositions:     m.limits.MaxPositions,
		MaxPositionRatio: m.limits.MaxPositionRatio,
		BlockedEntries:   m.blocked,
		EntriesBlocked:   m.limits.MaxDailyLoss > 0 && loss > m.limits.MaxDailyLoss,
	}
	if m.daily.trades > 0 {
		mt.WinRate = float64(m.daily.wins) / float64(m.daily.trades)
	}
	return mt
}

// dailyLossLocked is the positive part of -(realized today + unrealized).
func (m *Manager) dailyLossLocked() float64 {
	pnl := m.daily.realized + m.portfolio.Unrealized(m.marks)
	if pnl >= 0 {
		return 0
	}
	return -pnl
}

func (m *Manager) rollDayLocked(now time.Time) {
	if now.IsZero() {
		return
	}
	day := now.UTC().Format(dayLayout)
	if m.daily.day == day {
		return
	}
	if m.daily.day != "" {
		m.logger.Info("daily risk counters reset",
			zap.String("previous_day", m.daily.day),
			zap.Float64("realized_pnl", m.daily.realized),
			zap.Int("trades", m.daily.trades))
	}
	m.daily = dailyStats{day: day}
}

func (m *Manager) updateDrawdownLocked() {
	value := m.portfolio.Value(m.marks)
	if value > m.equityPeak {
		m.equityPeak = value
	}
	if m.equityPeak > 0 {
		m.drawdown = (m.equityPeak - value) / m.equityPeak
		if m.drawdown > m.maxDrawdown {
			m.maxDrawdown = m.drawdown
		}
	}
}

func (m *Manager) blockLocked(reason, detail string, sig strategy.Signal) Decision {
	m.blocked++
	m.logger.Info("entry blocked by risk",
		zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)),
		zap.String("reason", reason), zap.String("detail", detail))
	if m.onBlock != nil {
		m.onBlock(reason)
	}
	return Decision{Reason: reason + ": " + detail}
}
