package indicators

// MACDPoint is one value of the MACD triple.
type MACDPoint struct {
	MACD   float64 `json:"macd"`
	Signal float64 `json:"signal"`
	Hist   float64 `json:"hist"`
}

// MACD computes the MACD series of closes: EMA(fast) - EMA(slow), its EMA(signal)
// and the histogram. The result is aligned to the tail of closes; its last element
// belongs to the last close. Returns nil with fewer than slow+signal-1 closes.
func MACD(closes []float64, fast, slow, signal int) []MACDPoint {
	if fast <= 0 || slow <= fast || signal <= 0 {
		return nil
	}
	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	if slowEMA == nil {
		return nil
	}

	// fastEMA starts at closes[fast-1], slowEMA at closes[slow-1].
	offset := slow - fast
	line := make([]float64, len(slowEMA))
	for i := range slowEMA {
		line[i] = fastEMA[i+offset] - slowEMA[i]
	}

	sig := EMA(line, signal)
	if sig == nil {
		return nil
	}
	lineOffset := signal - 1
	out := make([]MACDPoint, len(sig))
	for i, s := range sig {
		m := line[i+lineOffset]
		out[i] = MACDPoint{MACD: m, Signal: s, Hist: m - s}
	}
	return out
}
