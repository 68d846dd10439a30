package indicators

import (
	"math"
	"testing"
	"time"

	"resonance-trader/pkg/exchanges/common"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

func TestEMA(t *testing.T) {
	got := EMA([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if !approx(got[i], want[i]) {
			t.Errorf("EMA[%d]=%v, want %v", i, got[i], want[i])
		}
	}
	if EMA([]float64{1, 2}, 3) != nil {
		t.Error("expected nil for short input")
	}
}

func TestKDJ(t *testing.T) {
	tests := []struct {
		name                string
		highs, lows, closes []float64
		k, d, j, rsv        float64
	}{
		{
			name:   "rising range",
			highs:  []float64{10, 11, 12},
			lows:   []float64{8, 9, 10},
			closes: []float64{9, 10, 11},
			rsv:    75,
			k:      175.0 / 3,
			d:      (100 + 175.0/3) / 3,
		},
		{
			name:   "flat range",
			highs:  []float64{5, 5, 5},
			lows:   []float64{5, 5, 5},
			closes: []float64{5, 5, 5},
			rsv:    0,
			k:      100.0 / 3,
			d:      (100 + 100.0/3) / 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := KDJ(tt.highs, tt.lows, tt.closes, 3, 3, 3)
			if len(out) != 1 {
				t.Fatalf("len=%d, want 1", len(out))
			}
			p := out[0]
			if !approx(p.RSV, tt.rsv) || !approx(p.K, tt.k) || !approx(p.D, tt.d) || !approx(p.J, 3*tt.k-2*tt.d) {
				t.Errorf("got %+v, want rsv=%v k=%v d=%v", p, tt.rsv, tt.k, tt.d)
			}
		})
	}
}

func TestKDJRejectsMismatchedInput(t *testing.T) {
	if KDJ([]float64{1, 2}, []float64{1}, []float64{1, 2}, 2, 3, 3) != nil {
		t.Error("expected nil for mismatched lengths")
	}
}

func TestMACDOnLinearSeries(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	out := MACD(closes, 5, 13, 4)
	if len(out) != 40-13-4+2 {
		t.Fatalf("len=%d", len(out))
	}
	// On a linear series each EMA lags by (period-1)/2, so the MACD line is (slow-fast)/2.
	for i, p := range out {
		if !approx(p.MACD, 4) || !approx(p.Signal, 4) || !approx(p.Hist, 0) {
			t.Fatalf("point %d = %+v, want macd=signal=4 hist=0", i, p)
		}
	}
}

func TestMACDInvalidParams(t *testing.T) {
	closes := make([]float64, 50)
	if MACD(closes, 13, 5, 4) != nil {
		t.Error("fast >= slow must yield nil")
	}
	if MACD(closes[:15], 5, 13, 4) != nil {
		t.Error("short input must yield nil")
	}
}

func candlesFrom(closes []float64) []common.Candle {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]common.Candle, len(closes))
	for i, c := range closes {
		out[i] = common.Candle{OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1}
	}
	return out
}

func TestComputeRequiresHistory(t *testing.T) {
	p := DefaultParams()
	if p.RequiredHistory() != 17 {
		t.Fatalf("RequiredHistory=%d, want 17", p.RequiredHistory())
	}
	closes := make([]float64, 16)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	if _, ok := Compute(candlesFrom(closes), p); ok {
		t.Fatal("expected insufficient history")
	}
	closes = append(closes, 120)
	snap, ok := Compute(candlesFrom(closes), p)
	if !ok {
		t.Fatal("expected snapshot with exactly the required history")
	}
	if snap.Close != 120 {
		t.Errorf("Close=%v", snap.Close)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	closes := []float64{100, 101, 99, 98, 102, 105, 104, 103, 107, 110, 108, 106, 104, 103, 105, 108, 111, 109, 107, 112}
	candles := candlesFrom(closes)
	orig := make([]common.Candle, len(candles))
	copy(orig, candles)

	a, okA := Compute(candles, DefaultParams())
	b, okB := Compute(candles, DefaultParams())
	if !okA || !okB || a != b {
		t.Fatalf("replay differs: %+v vs %+v", a, b)
	}
	for i := range candles {
		if candles[i] != orig[i] {
			t.Fatalf("input candle %d mutated", i)
		}
	}
}
