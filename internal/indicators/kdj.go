package indicators

// KDJPoint is one value of the stochastic KDJ triple.
type KDJPoint struct {
	K   float64 `json:"k"`
	D   float64 `json:"d"`
	J   float64 `json:"j"`
	RSV float64 `json:"rsv"`
}

// KDJ computes the KDJ series. RSV is the close's position inside the
// highest-high/lowest-low range of the last period bars (0 when the range is flat).
// K and D are smoothed moving averages seeded at 50:
//
//	K = ((kSmooth-1)*K' + RSV) / kSmooth
//	D = ((dSmooth-1)*D' + K) / dSmooth
//	J = 3K - 2D
//
// out[i] corresponds to bar i+period-1. Returns nil with fewer than period bars.
func KDJ(highs, lows, closes []float64, period, kSmooth, dSmooth int) []KDJPoint {
	n := len(closes)
	if period <= 0 || kSmooth <= 0 || dSmooth <= 0 || n < period || len(highs) != n || len(lows) != n {
		return nil
	}

	out := make([]KDJPoint, 0, n-period+1)
	k, d := 50.0, 50.0
	for i := period - 1; i < n; i++ {
		hh, ll := highs[i], lows[i]
		for j := i - period + 1; j < i; j++ {
			if highs[j] > hh {
				hh = highs[j]
			}
			if lows[j] < ll {
				ll = lows[j]
			}
		}
		rsv := 0.0
		if hh != ll {
			rsv = (closes[i] - ll) / (hh - ll) * 100
		}
		k = (float64(kSmooth-1)*k + rsv) / float64(kSmooth)
		d = (float64(dSmooth-1)*d + k) / float64(dSmooth)
		out = append(out, KDJPoint{K: k, D: d, J: 3*k - 2*d, RSV: rsv})
	}
	return out
}
