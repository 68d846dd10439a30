package paper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"resonance-trader/pkg/exchanges/common"
)

// Timeframes served by the simulated venue.
var Timeframes = []string{"1m", "5m", "15m", "1h", "4h"}

// Config tunes the fill simulation.
type Config struct {
	InitialBalance float64 // quote currency
	FeeRate        float64 // decimal, e.g. 0.001 = 10 bps
	SlippageBps    float64 // max adverse slippage applied to market fills
	StartPrice     float64
	Volatility     float64
	Seed           int64
	Now            func() time.Time
}

// Gateway simulates an exchange: synthetic candles, immediate market fills with
// slippage and fees, and a quote/base balance ledger.
type Gateway struct {
	cfg    Config
	feed   *Feed
	logger *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	cash     float64
	holdings map[string]float64 // base qty per symbol, negative for shorts
	orders   map[string]*common.OrderResult
	symbols  map[string]string // exchange id -> symbol
	clients  map[string]string // client id -> exchange id
	seq      int64

	closed atomic.Bool
}

// New creates a paper gateway.
func New(cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Gateway{
		cfg:      cfg,
		feed:     NewFeed(cfg.StartPrice, cfg.Volatility, cfg.Seed, cfg.Now),
		logger:   logger.Named("paper"),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		cash:     cfg.InitialBalance,
		holdings: make(map[string]float64),
		orders:   make(map[string]*common.OrderResult),
		symbols:  make(map[string]string),
		clients:  make(map[string]string),
	}
}

func (g *Gateway) Name() string { return "paper" }

func (g *Gateway) AvailableTimeframes() []string {
	out := make([]string, len(Timeframes))
	copy(out, Timeframes)
	return out
}

func (g *Gateway) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]common.Candle, error) {
	if err := g.check(ctx); err != nil {
		return nil, err
	}
	tf, err := common.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	return g.feed.Candles(symbol, tf, limit), nil
}

func (g *Gateway) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.check(ctx); err != nil {
		return 0, err
	}
	return g.feed.Price(symbol), nil
}

// SubmitOrder fills market orders immediately. Limit orders rest as NEW until cancelled.
func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := g.check(ctx); err != nil {
		return common.OrderResult{}, err
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: -1013, Message: "invalid quantity"}
	}
	if req.Side != common.SideBuy && req.Side != common.SideSell {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: -1102, Message: "invalid side"}
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return common.OrderResult{}, &common.APIError{Status: 400, Code: -1121, Message: "invalid symbol"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	id := strconv.FormatInt(g.seq, 10)
	res := &common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: common.StatusNew}

	if req.Type == common.OrderTypeLimit {
		g.record(id, req, res)
		return *res, nil
	}

	price := g.feed.Price(req.Symbol)
	slip := g.cfg.SlippageBps / 10000 * g.rng.Float64()
	if req.Side == common.SideBuy {
		price *= 1 + slip
	} else {
		price *= 1 - slip
	}
	notional := price * req.Qty
	fee := notional * g.cfg.FeeRate

	if req.Side == common.SideBuy {
		if notional+fee > g.cash {
			return common.OrderResult{}, &common.APIError{Status: 400, Code: -2010,
				Message: fmt.Sprintf("insufficient balance: need %.2f, have %.2f", notional+fee, g.cash)}
		}
		g.cash -= notional + fee
		g.holdings[req.Symbol] += req.Qty
	} else {
		g.cash += notional - fee
		g.holdings[req.Symbol] -= req.Qty
	}

	res.Status = common.StatusFilled
	res.FilledQty = req.Qty
	res.AvgPrice = price
	res.Fee = fee
	g.record(id, req, res)

	g.logger.Debug("paper fill",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty), zap.Float64("price", price), zap.Float64("fee", fee))
	return *res, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if err := g.check(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrOrderNotFound, exchangeOrderID)
	}
	if o.Status != common.StatusNew && o.Status != common.StatusPartial {
		return &common.APIError{Status: 400, Code: -2011, Message: "unknown order sent"}
	}
	o.Status = common.StatusCanceled
	return nil
}

func (g *Gateway) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	if err := g.check(ctx); err != nil {
		return common.OrderResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeOrderID]
	if !ok || g.symbols[exchangeOrderID] != symbol {
		return common.OrderResult{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, exchangeOrderID)
	}
	return *o, nil
}

func (g *Gateway) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	if err := g.check(ctx); err != nil {
		return common.OrderResult{}, err
	}
	g.mu.Lock()
	id, ok := g.clients[clientID]
	g.mu.Unlock()
	if !ok {
		return common.OrderResult{}, fmt.Errorf("%w: client id %s", common.ErrOrderNotFound, clientID)
	}
	return g.QueryOrder(ctx, symbol, id)
}

// record stores an accepted order. Caller holds g.mu.
func (g *Gateway) record(id string, req common.OrderRequest, res *common.OrderResult) {
	g.orders[id] = res
	g.symbols[id] = req.Symbol
	if req.ClientID != "" {
		g.clients[req.ClientID] = id
	}
}

// Balance returns the simulated quote cash and base holdings of symbol.
func (g *Gateway) Balance(symbol string) (cash, base float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cash, g.holdings[symbol]
}

func (g *Gateway) Close() error {
	g.closed.Store(true)
	return nil
}

var errClosed = errors.New("paper gateway closed")

func (g *Gateway) check(ctx context.Context) error {
	if g.closed.Load() {
		return errClosed
	}
	return ctx.Err()
}
