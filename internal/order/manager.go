// Package order owns the order lifecycle: submission, cancellation and
// reconciliation against the exchange gateway, with an audit trail in sqlite.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resonance-trader/internal/events"
	"resonance-trader/pkg/db"
	"resonance-trader/pkg/exchanges/common"
)

const (
	qtyEpsilon     = 1e-12
	defaultHistory = 500
)

// AuditStore persists order transitions and fills.
type AuditStore interface {
	UpsertOrder(ctx context.Context, o db.Order) error
	CreateFill(ctx context.Context, f db.Fill) error
	ListOrdersByState(ctx context.Context, states ...string) ([]db.Order, error)
}

// Request describes one order to place.
type Request struct {
	Symbol string
	Side   common.Side
	Qty    float64
	Price  float64 // reference price, used for audit only on market orders
	Source string
	Reason string
}

// Manager tracks orders and enforces at most one non-terminal order per symbol.
type Manager struct {
	gw     common.Gateway
	store  AuditStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	symMu   sync.Mutex
	symLock map[string]*sync.Mutex

	mu          sync.RWMutex
	orders      map[string]*Order
	outstanding map[string]string // symbol -> order id
	sequence    []string          // creation order
	maxHistory  int
	stats       Stats
	onState     func(o Order, from, to State)
}

// NewManager wires a Manager. store and bus may be nil.
func NewManager(gw common.Gateway, store AuditStore, bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gw:          gw,
		store:       store,
		bus:         bus,
		logger:      logger.Named("order"),
		now:         func() time.Time { return time.Now().UTC() },
		symLock:     make(map[string]*sync.Mutex),
		orders:      make(map[string]*Order),
		outstanding: make(map[string]string),
		maxHistory:  defaultHistory,
	}
}

// OnTransition registers a hook invoked after every state change.
func (m *Manager) OnTransition(fn func(o Order, from, to State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *Manager) lockSymbol(symbol string) func() {
	m.symMu.Lock()
	l, ok := m.symLock[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.symLock[symbol] = l
	}
	m.symMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Restore reloads non-terminal orders from the audit store so they are
// reconciled after a restart. Submitted orders without an exchange id are
// looked up by client id on the next reconcile. Created orders never reached
// the venue and are closed as Rejected.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	rows, err := m.store.ListOrdersByState(ctx,
		string(StateCreated), string(StateSubmitted), string(StateOpen), string(StatePartiallyFilled))
	if err != nil {
		return 0, fmt.Errorf("load outstanding orders: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	var interrupted []*Order
	n := 0
	m.mu.Lock()
	for _, r := range rows {
		o := fromRow(r)
		if o.State == StateCreated {
			o.Reason = "interrupted before submission"
			m.orders[o.ID] = o
			m.sequence = append(m.sequence, o.ID)
			m.stats.Total++
			interrupted = append(interrupted, o)
			continue
		}
		if _, taken := m.outstanding[o.Symbol]; taken {
			m.logger.Warn("second outstanding order for symbol ignored",
				zap.String("symbol", o.Symbol), zap.String("order_id", o.ID))
			continue
		}
		m.orders[o.ID] = o
		m.outstanding[o.Symbol] = o.ID
		m.sequence = append(m.sequence, o.ID)
		m.stats.Total++
		n++
	}
	m.mu.Unlock()

	// Created has no terminal edge of its own; close through Submitted.
	for _, o := range interrupted {
		if err := m.transition(ctx, o, StateSubmitted); err != nil {
			continue
		}
		_ = m.transition(ctx, o, StateRejected)
	}
	return n, nil
}

// Submit places a market order. It refuses with ErrOutstandingOrder while the
// symbol has a non-terminal order, and returns a *SubmissionError when the
// gateway refuses the order.
func (m *Manager) Submit(ctx context.Context, req Request) (Order, []Fill, error) {
	unlock := m.lockSymbol(req.Symbol)
	defer unlock()

	if existing, ok := m.Outstanding(req.Symbol); ok {
		return existing, nil, fmt.Errorf("%w: %s (%s)", ErrOutstandingOrder, req.Symbol, existing.ID)
	}
	if req.Qty <= 0 {
		return Order{}, nil, &SubmissionError{Symbol: req.Symbol, Reason: "invalid size"}
	}
	if req.Side != common.SideBuy && req.Side != common.SideSell {
		return Order{}, nil, &SubmissionError{Symbol: req.Symbol, Reason: "invalid side"}
	}

	now := m.now()
	o := &Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      common.OrderTypeMarket,
		Qty:       req.Qty,
		Price:     req.Price,
		State:     StateCreated,
		Source:    req.Source,
		Reason:    req.Reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.track(o)
	m.persist(ctx, o)

	if err := m.transition(ctx, o, StateSubmitted); err != nil {
		return o.clone(), nil, err
	}

	res, err := m.gw.SubmitOrder(ctx, common.OrderRequest{
		Symbol:   o.Symbol,
		Side:     o.Side,
		Type:     o.Type,
		Qty:      o.Qty,
		ClientID: o.ID,
	})
	if err != nil {
		if common.IsTransient(err) {
			// The venue may have accepted it; keep the symbol locked until a
			// client-id lookup settles the outcome.
			m.mu.Lock()
			o.Reason = "unconfirmed: " + err.Error()
			m.mu.Unlock()
			m.persist(ctx, o)
			m.logger.Warn("order submission unconfirmed, will reconcile by client id",
				zap.String("order_id", o.ID),
				zap.String("symbol", o.Symbol),
				zap.String("side", string(o.Side)),
				zap.Float64("qty", o.Qty),
				zap.Error(err))
			return o.clone(), nil, fmt.Errorf("%w: %s: %w", ErrUnconfirmed, o.ID, err)
		}
		m.mu.Lock()
		o.Reason = err.Error()
		m.mu.Unlock()
		_ = m.transition(ctx, o, StateRejected)
		m.logger.Warn("order rejected",
			zap.String("order_id", o.ID),
			zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)),
			zap.Float64("qty", o.Qty),
			zap.Error(err))
		return o.clone(), nil, &SubmissionError{Symbol: o.Symbol, OrderID: o.ID, Reason: "gateway refused order", Err: err}
	}

	m.mu.Lock()
	o.ExchangeOrderID = res.ExchangeOrderID
	m.mu.Unlock()
	fills, err := m.apply(ctx, o, res)
	if err != nil {
		return o.clone(), fills, err
	}
	m.logger.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("exchange_order_id", o.ExchangeOrderID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.Float64("qty", o.Qty),
		zap.String("state", string(o.State)),
		zap.String("source", o.Source))
	return o.clone(), fills, nil
}

// Cancel cancels a live order. Terminal orders are left untouched and
// Created/Submitted orders yield ErrNotCancellable.
func (m *Manager) Cancel(ctx context.Context, id string) (Order, []Fill, error) {
	o, ok := m.lookup(id)
	if !ok {
		return Order{}, nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	unlock := m.lockSymbol(o.Symbol)
	defer unlock()

	if o.State.Terminal() {
		return o.clone(), nil, nil
	}
	if !o.State.Cancellable() {
		return o.clone(), nil, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, o.State)
	}

	if err := m.gw.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID); err != nil {
		if !errors.Is(err, common.ErrOrderNotFound) {
			return o.clone(), nil, fmt.Errorf("cancel %s: %w", id, err)
		}
		// Gone on the exchange side: fall through to the authoritative query.
	}

	res, err := m.gw.QueryOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if err != nil {
		m.logger.Warn("query after cancel failed, assuming cancelled",
			zap.String("order_id", id), zap.Error(err))
		res = common.OrderResult{
			Status:    common.StatusCanceled,
			FilledQty: o.FilledQty,
			AvgPrice:  o.AvgPrice,
			Fee:       o.Fee,
		}
	}
	fills, err := m.apply(ctx, o, res)
	return o.clone(), fills, err
}

// Reconcile polls the gateway for the order's authoritative state and returns
// any quantity filled since the last update.
func (m *Manager) Reconcile(ctx context.Context, id string) (Order, []Fill, error) {
	o, ok := m.lookup(id)
	if !ok {
		return Order{}, nil, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	unlock := m.lockSymbol(o.Symbol)
	defer unlock()

	if o.State.Terminal() {
		return o.clone(), nil, nil
	}
	if o.ExchangeOrderID == "" {
		return m.settleUnconfirmed(ctx, o)
	}
	res, err := m.gw.QueryOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if err != nil {
		return o.clone(), nil, fmt.Errorf("reconcile %s: %w", id, err)
	}
	fills, err := m.apply(ctx, o, res)
	return o.clone(), fills, err
}

// settleUnconfirmed resolves a Submitted order whose submission failed in
// transit. A venue that does not know the client id never received it.
// Caller holds the symbol lock.
func (m *Manager) settleUnconfirmed(ctx context.Context, o *Order) (Order, []Fill, error) {
	res, err := m.gw.QueryOrderByClientID(ctx, o.Symbol, o.ID)
	switch {
	case errors.Is(err, common.ErrOrderNotFound):
		m.mu.Lock()
		o.Reason = "not received by exchange"
		m.mu.Unlock()
		m.logger.Info("unconfirmed order unknown to exchange, rejecting",
			zap.String("order_id", o.ID), zap.String("symbol", o.Symbol))
		return o.clone(), nil, m.transition(ctx, o, StateRejected)
	case err != nil:
		return o.clone(), nil, fmt.Errorf("reconcile %s by client id: %w", o.ID, err)
	}
	m.mu.Lock()
	o.ExchangeOrderID = res.ExchangeOrderID
	m.mu.Unlock()
	m.logger.Info("unconfirmed order found on exchange",
		zap.String("order_id", o.ID),
		zap.String("exchange_order_id", res.ExchangeOrderID),
		zap.String("status", string(res.Status)))
	fills, err := m.apply(ctx, o, res)
	return o.clone(), fills, err
}

// ReconcileAll reconciles every outstanding order.
func (m *Manager) ReconcileAll(ctx context.Context) ([]Fill, error) {
	var (
		fills []Fill
		errs  []error
	)
	for _, o := range m.OutstandingAll() {
		_, f, err := m.Reconcile(ctx, o.ID)
		fills = append(fills, f...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return fills, errors.Join(errs...)
}

// CancelAll cancels every live order. Orders still awaiting acknowledgement
// are reconciled instead.
func (m *Manager) CancelAll(ctx context.Context) ([]Fill, error) {
	var (
		fills []Fill
		errs  []error
	)
	for _, o := range m.OutstandingAll() {
		var (
			f   []Fill
			err error
		)
		if o.State.Cancellable() {
			_, f, err = m.Cancel(ctx, o.ID)
		} else {
			_, f, err = m.Reconcile(ctx, o.ID)
		}
		fills = append(fills, f...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return fills, errors.Join(errs...)
}

// Outstanding returns the non-terminal order for symbol, if any.
func (m *Manager) Outstanding(symbol string) (Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.outstanding[symbol]
	if !ok {
		return Order{}, false
	}
	return m.orders[id].clone(), true
}

// OutstandingAll returns every non-terminal order ordered by creation.
func (m *Manager) OutstandingAll() []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0, len(m.outstanding))
	for _, id := range m.outstanding {
		out = append(out, m.orders[id].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a tracked order by id.
func (m *Manager) Get(id string) (Order, bool) {
	o, ok := m.lookup(id)
	if !ok {
		return Order{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return o.clone(), true
}

// Recent returns up to n orders, newest first.
func (m *Manager) Recent(n int) []Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.sequence) {
		n = len(m.sequence)
	}
	out := make([]Order, 0, n)
	for i := len(m.sequence) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.orders[m.sequence[i]].clone())
	}
	return out
}

// Stats returns counters since start.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Open = len(m.outstanding)
	return s
}

func (m *Manager) lookup(id string) (*Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

func (m *Manager) track(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	m.outstanding[o.Symbol] = o.ID
	m.sequence = append(m.sequence, o.ID)
	m.stats.Total++
	m.trimLocked()
}

// trimLocked forgets the oldest terminal orders beyond maxHistory.
func (m *Manager) trimLocked() {
	for len(m.sequence) > m.maxHistory {
		oldest := m.orders[m.sequence[0]]
		if !oldest.State.Terminal() {
			return
		}
		delete(m.orders, oldest.ID)
		m.sequence = m.sequence[1:]
	}
}

// apply moves o toward the exchange-reported status and books the fill delta.
// Caller holds the symbol lock.
func (m *Manager) apply(ctx context.Context, o *Order, res common.OrderResult) ([]Fill, error) {
	var fills []Fill

	m.mu.Lock()
	if delta := res.FilledQty - o.FilledQty; delta > qtyEpsilon {
		price := res.AvgPrice
		if o.FilledQty > 0 && res.AvgPrice > 0 {
			price = (res.AvgPrice*res.FilledQty - o.AvgPrice*o.FilledQty) / delta
		}
		if price <= 0 {
			price = o.Price
		}
		fee := res.Fee - o.Fee
		if fee < 0 {
			fee = 0
		}
		o.FilledQty = res.FilledQty
		if res.AvgPrice > 0 {
			o.AvgPrice = res.AvgPrice
		} else {
			o.AvgPrice = price
		}
		o.Fee += fee
		m.stats.Fees += fee
		o.UpdatedAt = m.now()
		fills = append(fills, Fill{
			ID:      uuid.NewString(),
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Side:    o.Side,
			Source:  o.Source,
			Qty:     delta,
			Price:   price,
			Fee:     fee,
			At:      o.UpdatedAt,
		})
	}
	m.mu.Unlock()

	for _, f := range fills {
		m.persistFill(ctx, f)
		if m.bus != nil {
			m.bus.Publish(events.EventFill, f)
		}
	}

	target, known := targetState(res.Status)
	if !known || target == o.State {
		if len(fills) > 0 {
			m.persist(ctx, o)
		}
		return fills, nil
	}
	// Immediate fills and cancels skip the acknowledgement on the wire;
	// record them as passing through Open.
	if o.State == StateSubmitted && target != StateRejected && target != StateOpen {
		if err := m.transition(ctx, o, StateOpen); err != nil {
			return fills, err
		}
	}
	if o.State == StateOpen && target == StatePartiallyFilled && o.FilledQty >= o.Qty-qtyEpsilon {
		target = StateFilled
	}
	return fills, m.transition(ctx, o, target)
}

func (m *Manager) transition(ctx context.Context, o *Order, to State) error {
	m.mu.Lock()
	from := o.State
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Warn("illegal order transition ignored",
			zap.String("order_id", o.ID), zap.String("from", string(from)), zap.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := m.now()
	o.State = to
	o.UpdatedAt = now
	o.History = append(o.History, Transition{From: from, To: to, At: now})
	if to.Terminal() {
		if m.outstanding[o.Symbol] == o.ID {
			delete(m.outstanding, o.Symbol)
		}
		switch to {
		case StateFilled:
			m.stats.Filled++
		case StateCancelled:
			m.stats.Cancelled++
		case StateRejected:
			m.stats.Rejected++
		}
		m.trimLocked()
	}
	hook := m.onState
	snapshot := o.clone()
	m.mu.Unlock()

	m.persist(ctx, o)
	if m.bus != nil {
		m.bus.Publish(events.EventOrderUpdate, snapshot)
	}
	if hook != nil {
		hook(snapshot, from, to)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, o *Order) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	row := toRow(o)
	m.mu.RUnlock()
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		m.logger.Warn("persist order failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (m *Manager) persistFill(ctx context.Context, f Fill) {
	if m.store == nil {
		return
	}
	err := m.store.CreateFill(ctx, db.Fill{
		ID:        f.ID,
		OrderID:   f.OrderID,
		Symbol:    f.Symbol,
		Side:      string(f.Side),
		Price:     f.Price,
		Qty:       f.Qty,
		Fee:       f.Fee,
		CreatedAt: f.At,
	})
	if err != nil {
		m.logger.Warn("persist fill failed", zap.String("order_id", f.OrderID), zap.Error(err))
	}
}

func toRow(o *Order) db.Order {
	return db.Order{
		ID:              o.ID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Qty:             o.Qty,
		Price:           o.Price,
		FilledQty:       o.FilledQty,
		AvgPrice:        o.AvgPrice,
		Fee:             o.Fee,
		State:           string(o.State),
		Source:          o.Source,
		ExchangeOrderID: o.ExchangeOrderID,
		Reason:          o.Reason,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func fromRow(r db.Order) *Order {
	return &Order{
		ID:              r.ID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Type:            common.OrderType(r.Type),
		Qty:             r.Qty,
		Price:           r.Price,
		FilledQty:       r.FilledQty,
		AvgPrice:        r.AvgPrice,
		Fee:             r.Fee,
		State:           State(r.State),
		Source:          r.Source,
		ExchangeOrderID: r.ExchangeOrderID,
		Reason:          r.Reason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
