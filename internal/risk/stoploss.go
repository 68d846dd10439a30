package risk

import "resonance-trader/pkg/exchanges/common"

// Levels returns the stop-loss and take-profit prices for a position opened on
// side at entry. Shorts mirror longs.
func Levels(side common.Side, entry, stopLossPct, takeProfitPct float64) (stopLoss, takeProfit float64) {
	if entry <= 0 {
		return 0, 0
	}
	if side == common.SideSell {
		return entry * (1 + stopLossPct), entry * (1 - takeProfitPct)
	}
	return entry * (1 - stopLossPct), entry * (1 + takeProfitPct)
}
