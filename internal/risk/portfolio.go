package risk

import (
	"math"
	"sort"

	"resonance-trader/pkg/exchanges/common"
)

const qtyEpsilon = 1e-12

// Portfolio tracks cash, open positions and realized PnL. It is not safe for
// concurrent use; Manager serializes access.
type Portfolio struct {
	cash      float64
	positions map[string]*Position
	realized  float64
}

// NewPortfolio starts with cash and no positions.
func NewPortfolio(cash float64) *Portfolio {
	return &Portfolio{cash: cash, positions: make(map[string]*Position)}
}

// Position returns a copy of the open position on symbol.
func (p *Portfolio) Position(symbol string) (Position, bool) {
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns all open positions ordered by symbol.
func (p *Portfolio) Positions() []Position {
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Apply books a fill. Same-side fills grow and re-average the position; opposite
// fills reduce it, realizing PnL net of the closing fee and the matching share of
// entry fees. An opposite fill larger than the position flips it.
// closed is true when the fill reduced an existing position.
func (p *Portfolio) Apply(f Fill) (realized float64, closed bool) {
	if f.Qty <= 0 {
		return 0, false
	}
	if f.Side == common.SideBuy {
		p.cash -= f.Qty*f.Price + f.Fee
	} else {
		p.cash += f.Qty*f.Price - f.Fee
	}

	pos, ok := p.positions[f.Symbol]
	if !ok {
		p.positions[f.Symbol] = &Position{
			Symbol: f.Symbol, Side: f.Side, Size: f.Qty, EntryPrice: f.Price, EntryFees: f.Fee, OpenedAt: f.At,
		}
		return 0, false
	}

	if pos.Side == f.Side {
		total := pos.Size + f.Qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + f.Price*f.Qty) / total
		pos.Size = total
		pos.EntryFees += f.Fee
		return 0, false
	}

	closeQty := math.Min(pos.Size, f.Qty)
	closeFee := f.Fee * closeQty / f.Qty
	entryFeeShare := pos.EntryFees * closeQty / pos.Size
	gross := (f.Price - pos.EntryPrice) * closeQty
	if pos.Side == common.SideSell {
		gross = -gross
	}
	realized = gross - closeFee - entryFeeShare
	p.realized += realized

	pos.Size -= closeQty
	pos.EntryFees -= entryFeeShare
	remaining := f.Qty - closeQty

	switch {
	case remaining > qtyEpsilon:
		p.positions[f.Symbol] = &Position{
			Symbol: f.Symbol, Side: f.Side, Size: remaining, EntryPrice: f.Price,
			EntryFees: f.Fee - closeFee, OpenedAt: f.At,
		}
	case pos.Size <= qtyEpsilon:
		delete(p.positions, f.Symbol)
	}
	return realized, true
}

// Value is cash plus the marked value of all positions. Positions without a
// price in marks are valued at entry.
func (p *Portfolio) Value(marks map[string]float64) float64 {
	v := p.cash
	for sym, pos := range p.positions {
		price, ok := marks[sym]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		if pos.Side == common.SideSell {
			v -= pos.Size * price
		} else {
			v += pos.Size * price
		}
	}
	return v
}

// Unrealized sums the unrealized PnL of all positions at marks.
func (p *Portfolio) Unrealized(marks map[string]float64) float64 {
	total := 0.0
	for sym, pos := range p.positions {
		if price, ok := marks[sym]; ok && price > 0 {
			total += pos.UnrealizedPnL(price)
		}
	}
	return total
}

// Cash returns the quote balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// Realized returns the cumulative realized PnL.
func (p *Portfolio) Realized() float64 { return p.realized }

// Count returns the number of open positions.
func (p *Portfolio) Count() int { return len(p.positions) }
