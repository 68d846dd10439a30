// Package engine runs the trading control loop: one tick per closed candle of
// the active timeframe, with control commands applied between ticks.
package engine

import (
	"context"

	"resonance-trader/internal/order"
	"resonance-trader/internal/pairs"
	"resonance-trader/internal/settings"
)

// Service is what the API layer needs from the engine.
type Service interface {
	// Apply runs a control command on the engine's serialized path.
	Apply(ctx context.Context, cmd Command) Ack
	// Status returns the latest snapshot.
	Status() Status

	RecentOrders(n int) []order.Order
	Pairs() []pairs.Pair
	Settings(ctx context.Context) ([]settings.Setting, error)
}

var _ Service = (*Controller)(nil)
