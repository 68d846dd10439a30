package order

import (
	"time"

	"resonance-trader/pkg/exchanges/common"
)

// State is the lifecycle position of an order.
type State string

const (
	StateCreated         State = "created"
	StateSubmitted       State = "submitted"
	StateOpen            State = "open"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
)

// States lists every state, in lifecycle order.
var States = []State{
	StateCreated, StateSubmitted, StateOpen, StatePartiallyFilled,
	StateFilled, StateCancelled, StateRejected,
}

var legal = map[State][]State{
	StateCreated:         {StateSubmitted},
	StateSubmitted:       {StateOpen, StateRejected},
	StateOpen:            {StateFilled, StatePartiallyFilled, StateCancelled},
	StatePartiallyFilled: {StateFilled, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// Cancellable reports whether the exchange still holds a live order.
func (s State) Cancellable() bool {
	return s == StateOpen || s == StatePartiallyFilled
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Order is the local record of one exchange order.
type Order struct {
	ID              string           `json:"id"`
	Symbol          string           `json:"symbol"`
	Side            common.Side      `json:"side"`
	Type            common.OrderType `json:"type"`
	Qty             float64          `json:"qty"`
	Price           float64          `json:"price"` // reference price at submission
	FilledQty       float64          `json:"filled_qty"`
	AvgPrice        float64          `json:"avg_price"`
	Fee             float64          `json:"fee"`
	State           State            `json:"state"`
	Source          string           `json:"source"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	History         []Transition     `json:"history,omitempty"`
}

// RemainingQty returns the unfilled quantity.
func (o Order) RemainingQty() float64 {
	if r := o.Qty - o.FilledQty; r > 0 {
		return r
	}
	return 0
}

func (o *Order) clone() Order {
	c := *o
	c.History = append([]Transition(nil), o.History...)
	return c
}

// Fill is a newly executed quantity discovered on submit, reconcile or cancel.
type Fill struct {
	ID      string      `json:"id"`
	OrderID string      `json:"order_id"`
	Symbol  string      `json:"symbol"`
	Side    common.Side `json:"side"`
	Source  string      `json:"source"`
	Qty     float64     `json:"qty"`
	Price   float64     `json:"price"`
	Fee     float64     `json:"fee"`
	At      time.Time   `json:"at"`
}

// Stats summarises order activity since start.
type Stats struct {
	Total     int     `json:"total"`
	Filled    int     `json:"filled"`
	Rejected  int     `json:"rejected"`
	Cancelled int     `json:"cancelled"`
	Open      int     `json:"open"`
	Fees      float64 `json:"fees"`
}

// targetState maps a normalized exchange status onto the lifecycle.
func targetState(st common.OrderStatus) (State, bool) {
	switch st {
	case common.StatusNew:
		return StateOpen, true
	case common.StatusPartial:
		return StatePartiallyFilled, true
	case common.StatusFilled:
		return StateFilled, true
	case common.StatusCanceled, common.StatusExpired:
		return StateCancelled, true
	case common.StatusRejected:
		return StateRejected, true
	default:
		return "", false
	}
}
