package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resonance-trader/internal/events"
	"resonance-trader/internal/gateway"
	"resonance-trader/internal/monitor"
	"resonance-trader/internal/order"
	"resonance-trader/internal/pairs"
	"resonance-trader/internal/risk"
	"resonance-trader/internal/settings"
	"resonance-trader/internal/strategy"
	"resonance-trader/pkg/exchanges/common"
)

const (
	defaultSettleDelay = 2 * time.Second
	defaultTickTimeout = 60 * time.Second
	defaultCandleLimit = 200

	// Tick results, also metric labels.
	tickOK        = "ok"
	tickIdle      = "idle"
	tickAbandoned = "abandoned"
)

// Config wires a Controller. Every component field is required except Bus,
// Metrics and Health.
type Config struct {
	Gateway  common.Gateway
	Settings *settings.Store
	Pairs    *pairs.Registry
	Strategy *strategy.Engine
	Risk     *risk.Manager
	Orders   *order.Manager
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Health   func() gateway.Health
	Logger   *zap.Logger

	Mode           string
	Timeframe      string // resolved startup timeframe
	TradingEnabled bool
	TickOnStart    bool
	CandleLimit    int
	SettleDelay    time.Duration // wait after a candle close before fetching
	MaxTickTimeout time.Duration
	Now            func() time.Time
}

type cmdRequest struct {
	cmd   Command
	reply chan Ack
}

// Controller owns the tick loop and the single mutation path for
// timeframe, trading flag and pair changes.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	cmds   chan cmdRequest
	manual chan chan struct{}

	mu         sync.RWMutex
	timeframe  string
	tfDur      time.Duration
	trading    bool
	lastSignal *strategy.Signal
	lastPrice  float64
	lastTick   time.Time
	lastErr    string
	status     Status

	running   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and returns a Controller; call Run to start ticking.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Gateway == nil:
		return nil, errors.New("engine: gateway is required")
	case cfg.Settings == nil, cfg.Pairs == nil:
		return nil, errors.New("engine: settings and pairs are required")
	case cfg.Strategy == nil, cfg.Risk == nil, cfg.Orders == nil:
		return nil, errors.New("engine: strategy, risk and orders are required")
	}
	tfDur, err := common.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = defaultCandleLimit
	}
	if need := cfg.Strategy.RequiredHistory() + 1; cfg.CandleLimit < need {
		cfg.CandleLimit = need
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.MaxTickTimeout <= 0 {
		cfg.MaxTickTimeout = defaultTickTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	c := &Controller{
		cfg:       cfg,
		logger:    cfg.Logger.Named("engine"),
		cmds:      make(chan cmdRequest),
		manual:    make(chan chan struct{}),
		timeframe: cfg.Timeframe,
		tfDur:     tfDur,
		trading:   cfg.TradingEnabled,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	metrics := cfg.Metrics
	cfg.Risk.OnBlock(metrics.RiskBlock)
	cfg.Orders.OnTransition(func(_ order.Order, _, to order.State) {
		metrics.OrderState(string(to))
	})

	c.mu.Lock()
	c.status = c.buildStatusLocked(cfg.Now())
	c.mu.Unlock()
	return c, nil
}

// Run ticks until ctx is cancelled or Close is called. Commands sent through
// Apply are handled between ticks.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("engine: already running")
	}
	defer close(c.stopped)

	c.logger.Info("controller started",
		zap.String("timeframe", c.Timeframe()),
		zap.Bool("trading_enabled", c.TradingEnabled()),
		zap.String("exchange", c.cfg.Gateway.Name()))

	if c.cfg.TickOnStart {
		c.tick(ctx)
	}
	timer := time.NewTimer(c.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case req := <-c.cmds:
			ack, rearm := c.handle(ctx, req.cmd)
			req.reply <- ack
			// The broadcast follows the ack.
			if ack.OK() {
				c.publishStatus(c.Status())
			}
			if rearm {
				resetTimer(timer, c.nextDelay())
			}
		case done := <-c.manual:
			c.tick(ctx)
			close(done)
		case <-timer.C:
			c.tick(ctx)
			timer.Reset(c.nextDelay())
		}
	}
}

// Apply validates cmd and hands it to the loop, waiting for the result.
func (c *Controller) Apply(ctx context.Context, cmd Command) Ack {
	if err := cmd.Validate(); err != nil {
		return fail(cmd.Type, err)
	}
	if cmd.Type == CmdStatus {
		return ok(cmd.Type)
	}
	req := cmdRequest{cmd: cmd, reply: make(chan Ack, 1)}
	select {
	case c.cmds <- req:
	case <-ctx.Done():
		return fail(cmd.Type, ctx.Err())
	case <-c.done:
		return fail(cmd.Type, ErrStopped)
	case <-c.stopped:
		return fail(cmd.Type, ErrStopped)
	}
	select {
	case ack := <-req.reply:
		return ack
	case <-ctx.Done():
		return fail(cmd.Type, ctx.Err())
	}
}

// Status returns the last snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Timeframe returns the active timeframe code.
func (c *Controller) Timeframe() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeframe
}

// TradingEnabled reports whether new submissions are allowed.
func (c *Controller) TradingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trading
}

// RecentOrders returns up to n orders, newest first.
func (c *Controller) RecentOrders(n int) []order.Order { return c.cfg.Orders.Recent(n) }

// Pairs lists the trading pairs.
func (c *Controller) Pairs() []pairs.Pair { return c.cfg.Pairs.List() }

// Settings lists persisted settings.
func (c *Controller) Settings(ctx context.Context) ([]settings.Setting, error) {
	return c.cfg.Settings.List(ctx)
}

// Close stops the loop and closes the gateway. Only the first call has effect.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.running.Load() {
			select {
			case <-c.stopped:
			case <-time.After(c.cfg.MaxTickTimeout + 5*time.Second):
				c.logger.Warn("controller loop did not stop in time")
			}
		}
		if err := c.cfg.Gateway.Close(); err != nil {
			c.logger.Error("gateway close failed", zap.Error(err))
			c.closeErr = err
		}
		c.logger.Info("controller stopped")
	})
	return c.closeErr
}

// ---------------------------------------------------------------------------
// Commands

func (c *Controller) handle(ctx context.Context, cmd Command) (Ack, bool) {
	var (
		err   error
		rearm bool
	)
	switch cmd.Type {
	case CmdTimeframe:
		err = c.setTimeframe(ctx, cmd.Timeframe)
		rearm = err == nil
	case CmdStart:
		c.setTrading(ctx, true)
	case CmdStop:
		c.stop(ctx)
	case CmdAddPair:
		_, err = c.cfg.Pairs.Add(ctx, cmd.Symbol)
	case CmdActivatePair:
		err = c.cfg.Pairs.Activate(ctx, cmd.Symbol)
	case CmdDeactivatePair:
		err = c.cfg.Pairs.Deactivate(ctx, cmd.Symbol)
	case CmdRemovePair:
		err = c.cfg.Pairs.Remove(ctx, cmd.Symbol)
	default:
		err = ErrUnknownCommand
	}
	if err != nil {
		c.logger.Info("command rejected", zap.String("type", string(cmd.Type)), zap.Error(err))
		return fail(cmd.Type, err), false
	}
	c.logger.Info("command applied",
		zap.String("type", string(cmd.Type)),
		zap.String("timeframe", cmd.Timeframe),
		zap.String("symbol", cmd.Symbol))
	c.rebuildStatus()
	return ok(cmd.Type), rearm
}

func (c *Controller) setTimeframe(ctx context.Context, tf string) error {
	tf = strings.TrimSpace(tf)
	if !common.SupportsTimeframe(c.cfg.Gateway, tf) {
		return fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	d, err := common.ParseTimeframe(tf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimeframe, err)
	}

	c.mu.Lock()
	prev := c.timeframe
	c.timeframe = tf
	c.tfDur = d
	c.mu.Unlock()

	if err := c.cfg.Settings.Set(ctx, settings.KeyTimeframe, tf); err != nil {
		c.logger.Warn("persist timeframe failed, running with in-memory value",
			zap.String("timeframe", tf), zap.Error(err))
	}
	c.logger.Info("timeframe changed", zap.String("from", prev), zap.String("to", tf))
	return nil
}

func (c *Controller) setTrading(ctx context.Context, enabled bool) {
	c.mu.Lock()
	c.trading = enabled
	c.mu.Unlock()
	if err := c.cfg.Settings.Set(ctx, settings.KeyTradingEnabled, strconv.FormatBool(enabled)); err != nil {
		c.logger.Warn("persist trading flag failed, running with in-memory value",
			zap.Bool("trading_enabled", enabled), zap.Error(err))
	}
}

// stop pauses trading, cancels live orders and closes open positions at market.
func (c *Controller) stop(ctx context.Context) {
	c.setTrading(ctx, false)

	sctx, cancel := context.WithTimeout(ctx, c.cfg.MaxTickTimeout)
	defer cancel()

	fills, err := c.cfg.Orders.CancelAll(sctx)
	c.applyFills(sctx, fills)
	if err != nil {
		c.logger.Warn("cancel outstanding orders failed", zap.Error(err))
	}

	for _, pos := range c.cfg.Risk.Positions() {
		price, err := c.cfg.Gateway.FetchPrice(sctx, pos.Symbol)
		if err != nil {
			c.logger.Warn("price for manual close unavailable", zap.String("symbol", pos.Symbol), zap.Error(err))
			price = pos.EntryPrice
		}
		sig := strategy.Signal{
			Symbol:     pos.Symbol,
			Action:     strategy.ActionSell,
			Source:     strategy.SourceManual,
			Confidence: 1,
			Price:      price,
			Reason:     "stop command",
			At:         c.cfg.Now(),
		}
		if pos.Side == common.SideSell {
			sig.Action = strategy.ActionBuy
		}
		dec := c.cfg.Risk.Evaluate(sig, price, sig.At)
		if !dec.Allowed {
			continue
		}
		c.submit(sctx, sig, dec)
	}
}

// ---------------------------------------------------------------------------
// Tick

func (c *Controller) tick(ctx context.Context) {
	wall := time.Now()
	now := c.cfg.Now()

	c.mu.RLock()
	tf, tfDur, trading := c.timeframe, c.tfDur, c.trading
	c.mu.RUnlock()

	timeout := c.cfg.MaxTickTimeout
	if tfDur < timeout {
		timeout = tfDur
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.runTick(tctx, tf, tfDur, trading, now)
	if err != nil {
		c.logger.Warn("tick abandoned", zap.String("timeframe", tf), zap.Error(err))
	}

	c.mu.Lock()
	c.lastTick = now
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	c.mu.Unlock()

	c.cfg.Metrics.TickDone(result, time.Since(wall))
	c.refreshStatus()
}

func (c *Controller) runTick(ctx context.Context, tf string, tfDur time.Duration, trading bool, now time.Time) (string, error) {
	fills, err := c.cfg.Orders.ReconcileAll(ctx)
	c.applyFills(ctx, fills)
	if err != nil {
		c.logger.Warn("reconcile outstanding orders failed", zap.Error(err))
	}

	active, hasActive := c.cfg.Pairs.Active()
	c.checkExits(ctx, active, trading, now)
	if !hasActive {
		c.mu.Lock()
		c.lastSignal, c.lastPrice = nil, 0
		c.mu.Unlock()
		return tickIdle, nil
	}

	candles, err := c.cfg.Gateway.FetchCandles(ctx, active, tf, c.cfg.CandleLimit)
	if err != nil {
		return tickAbandoned, fmt.Errorf("fetch candles %s %s: %w", active, tf, err)
	}
	price, err := c.cfg.Gateway.FetchPrice(ctx, active)
	if err != nil {
		return tickAbandoned, fmt.Errorf("fetch price %s: %w", active, err)
	}
	c.cfg.Risk.MarkPrice(active, price)

	in := strategy.Input{
		Symbol:    active,
		Candles:   candles,
		Price:     price,
		Position:  c.openPosition(active),
		Timeframe: tfDur,
		Now:       now,
	}
	sig := c.cfg.Strategy.Evaluate(in)
	c.recordSignal(sig)

	c.mu.Lock()
	c.lastSignal, c.lastPrice = &sig, price
	c.mu.Unlock()

	c.act(ctx, sig, price, trading, now)
	return tickOK, nil
}

// checkExits runs the stop-loss/take-profit check for positions held on
// symbols other than the active one.
func (c *Controller) checkExits(ctx context.Context, active string, trading bool, now time.Time) {
	for _, pos := range c.cfg.Risk.Positions() {
		if pos.Symbol == active {
			continue
		}
		price, err := c.cfg.Gateway.FetchPrice(ctx, pos.Symbol)
		if err != nil {
			c.logger.Warn("exit check skipped, no price", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		c.cfg.Risk.MarkPrice(pos.Symbol, price)
		sig := c.cfg.Strategy.Evaluate(strategy.Input{
			Symbol:   pos.Symbol,
			Price:    price,
			Position: &strategy.OpenPosition{Side: pos.Side, EntryPrice: pos.EntryPrice},
			Now:      now,
		})
		if !sig.Source.IsExit() {
			continue
		}
		c.recordSignal(sig)
		c.act(ctx, sig, price, trading, now)
	}
}

func (c *Controller) openPosition(symbol string) *strategy.OpenPosition {
	pos, ok := c.cfg.Risk.Position(symbol)
	if !ok {
		return nil
	}
	return &strategy.OpenPosition{Side: pos.Side, EntryPrice: pos.EntryPrice}
}

func (c *Controller) recordSignal(sig strategy.Signal) {
	c.cfg.Metrics.Signal(string(sig.Action), string(sig.Source))
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.EventSignal, sig)
	}
	if sig.Actionable() {
		c.logger.Info("signal",
			zap.String("symbol", sig.Symbol),
			zap.String("action", string(sig.Action)),
			zap.String("source", string(sig.Source)),
			zap.Float64("confidence", sig.Confidence),
			zap.Float64("price", sig.Price))
	}
}

// act runs the risk check and, when trading is enabled, submits the order.
// reportable is false for refusals that are routine signal outcomes rather
// than risk limits.
func reportable(reason string) bool {
	return !strings.HasPrefix(reason, risk.ReasonNoPosition) &&
		!strings.HasPrefix(reason, risk.ReasonShortDisabled)
}

func (c *Controller) act(ctx context.Context, sig strategy.Signal, price float64, trading bool, now time.Time) {
	if !sig.Actionable() {
		return
	}
	dec := c.cfg.Risk.Evaluate(sig, price, now)
	if !dec.Allowed {
		if reportable(dec.Reason) && c.cfg.Bus != nil {
			c.cfg.Bus.Publish(events.EventRiskBlocked, events.RiskBlock{
				Symbol: sig.Symbol,
				Action: string(sig.Action),
				Reason: dec.Reason,
				At:     now,
			})
		}
		return
	}
	if !trading {
		c.logger.Info("trading paused, order suppressed",
			zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)))
		return
	}
	c.submit(ctx, sig, dec)
}

func (c *Controller) submit(ctx context.Context, sig strategy.Signal, dec risk.Decision) {
	_, fills, err := c.cfg.Orders.Submit(ctx, order.Request{
		Symbol: sig.Symbol,
		Side:   dec.Side,
		Qty:    dec.Size,
		Price:  sig.Price,
		Source: string(sig.Source),
		Reason: sig.Reason,
	})
	c.applyFills(ctx, fills)

	var subErr *order.SubmissionError
	switch {
	case err == nil:
	case errors.Is(err, order.ErrOutstandingOrder):
		c.logger.Info("submission skipped, order outstanding", zap.String("symbol", sig.Symbol))
	case errors.Is(err, order.ErrUnconfirmed):
		// logged by the order manager; settled by the next reconcile
	case errors.As(err, &subErr):
		// already logged by the order manager
	default:
		c.logger.Warn("submission failed", zap.String("symbol", sig.Symbol), zap.Error(err))
	}
}

func (c *Controller) applyFills(ctx context.Context, fills []order.Fill) {
	for _, f := range fills {
		realized, closed := c.cfg.Risk.RecordFill(ctx, risk.Fill{
			Symbol: f.Symbol,
			Side:   f.Side,
			Qty:    f.Qty,
			Price:  f.Price,
			Fee:    f.Fee,
			At:     f.At,
		})
		if closed {
			c.logger.Info("position closed",
				zap.String("symbol", f.Symbol),
				zap.String("source", f.Source),
				zap.Float64("realized_pnl", realized))
		}
	}
}

// refreshStatus rebuilds the snapshot and broadcasts it.
func (c *Controller) refreshStatus() {
	c.publishStatus(c.rebuildStatus())
}

// rebuildStatus stores a fresh snapshot and updates the portfolio gauges.
func (c *Controller) rebuildStatus() Status {
	now := c.cfg.Now()
	c.mu.Lock()
	st := c.buildStatusLocked(now)
	c.status = st
	c.mu.Unlock()

	m := st.RiskMetrics
	c.cfg.Metrics.Portfolio(positionSizes(st.Positions), m.DailyRealizedPnL+m.UnrealizedPnL, m.Drawdown)
	return st
}

func (c *Controller) publishStatus(st Status) {
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(events.EventStatus, st)
	}
}

// nextDelay waits for the close of the forming candle plus the settle delay.
func (c *Controller) nextDelay() time.Duration {
	c.mu.RLock()
	tfDur := c.tfDur
	c.mu.RUnlock()
	now := c.cfg.Now()
	d := common.NextClose(now, tfDur).Add(c.cfg.SettleDelay).Sub(now)
	if d <= 0 {
		d = c.cfg.SettleDelay
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// tickOnce runs one tick on the loop goroutine and waits for it.
func (c *Controller) tickOnce(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case c.manual <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
