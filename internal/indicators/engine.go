// Package indicators computes KDJ and MACD over closed candle windows.
package indicators

import "resonance-trader/pkg/exchanges/common"

// KDJParams configures the stochastic oscillator.
type KDJParams struct {
	Period     int     `yaml:"period" json:"period"`
	KSmooth    int     `yaml:"k_smooth" json:"k_smooth"`
	DSmooth    int     `yaml:"d_smooth" json:"d_smooth"`
	Oversold   float64 `yaml:"oversold" json:"oversold"`
	Overbought float64 `yaml:"overbought" json:"overbought"`
}

// MACDParams configures MACD.
type MACDParams struct {
	Fast   int `yaml:"fast" json:"fast"`
	Slow   int `yaml:"slow" json:"slow"`
	Signal int `yaml:"signal" json:"signal"`
}

// Params is the full indicator configuration.
type Params struct {
	KDJ  KDJParams  `yaml:"kdj" json:"kdj"`
	MACD MACDParams `yaml:"macd" json:"macd"`
}

// DefaultParams returns 9/3/3 KDJ with 20/80 bands and 5/13/4 MACD.
func DefaultParams() Params {
	return Params{
		KDJ:  KDJParams{Period: 9, KSmooth: 3, DSmooth: 3, Oversold: 20, Overbought: 80},
		MACD: MACDParams{Fast: 5, Slow: 13, Signal: 4},
	}
}

// RequiredHistory is the number of closed candles needed for two consecutive
// values of every indicator.
func (p Params) RequiredHistory() int {
	kdj := p.KDJ.Period + 1
	macd := p.MACD.Slow + p.MACD.Signal
	if kdj > macd {
		return kdj
	}
	return macd
}

// Snapshot holds the indicator values of the last closed candle and the one before it.
type Snapshot struct {
	KDJ      KDJPoint  `json:"kdj"`
	MACD     MACDPoint `json:"macd"`
	PrevKDJ  KDJPoint  `json:"prev_kdj"`
	PrevMACD MACDPoint `json:"prev_macd"`
	Close    float64   `json:"close"`
}

// Compute derives a Snapshot from closed candles. ok is false when the window is
// shorter than RequiredHistory. The input is not modified.
func Compute(candles []common.Candle, p Params) (snap Snapshot, ok bool) {
	if len(candles) < p.RequiredHistory() {
		return Snapshot{}, false
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}

	kdj := KDJ(highs, lows, closes, p.KDJ.Period, p.KDJ.KSmooth, p.KDJ.DSmooth)
	macd := MACD(closes, p.MACD.Fast, p.MACD.Slow, p.MACD.Signal)
	if len(kdj) < 2 || len(macd) < 2 {
		return Snapshot{}, false
	}
	return Snapshot{
		KDJ:      kdj[len(kdj)-1],
		PrevKDJ:  kdj[len(kdj)-2],
		MACD:     macd[len(macd)-1],
		PrevMACD: macd[len(macd)-2],
		Close:    closes[len(closes)-1],
	}, true
}
