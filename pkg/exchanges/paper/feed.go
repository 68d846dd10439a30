package paper

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"resonance-trader/pkg/exchanges/common"
)

const maxSeriesLen = 1000

// Feed generates a synthetic random-walk candle series per symbol and timeframe.
// Series are extended lazily up to the current time.
type Feed struct {
	mu         sync.Mutex
	startPrice float64
	volatility float64 // per-candle stddev of the close-to-close return
	seed       int64
	now        func() time.Time
	series     map[string]*series
}

type series struct {
	tf      time.Duration
	rng     *rand.Rand
	candles []common.Candle
}

// NewFeed creates a feed. seed makes the walk reproducible across runs.
func NewFeed(startPrice, volatility float64, seed int64, now func() time.Time) *Feed {
	if startPrice <= 0 {
		startPrice = 100
	}
	if volatility <= 0 {
		volatility = 0.002
	}
	if now == nil {
		now = time.Now
	}
	return &Feed{
		startPrice: startPrice,
		volatility: volatility,
		seed:       seed,
		now:        now,
		series:     make(map[string]*series),
	}
}

// Candles returns up to limit candles ending with the one forming now.
func (f *Feed) Candles(symbol string, tf time.Duration, limit int) []common.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.ensure(symbol, tf, limit)
	if limit <= 0 || limit > len(s.candles) {
		limit = len(s.candles)
	}
	out := make([]common.Candle, limit)
	copy(out, s.candles[len(s.candles)-limit:])
	return out
}

// Price returns the close of the forming one-minute candle.
func (f *Feed) Price(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.ensure(symbol, time.Minute, 1)
	return s.candles[len(s.candles)-1].Close
}

func (f *Feed) ensure(symbol string, tf time.Duration, history int) *series {
	key := symbol + "/" + tf.String()
	now := f.now().UTC()
	s, ok := f.series[key]
	if !ok {
		if history < 200 {
			history = 200
		}
		h := fnv.New64a()
		h.Write([]byte(key))
		s = &series{tf: tf, rng: rand.New(rand.NewSource(f.seed ^ int64(h.Sum64())))}
		first := now.Truncate(tf).Add(-time.Duration(history-1) * tf)
		s.candles = append(s.candles, f.next(s, first, f.startPrice))
		f.series[key] = s
	}
	for {
		last := s.candles[len(s.candles)-1]
		openTime := last.OpenTime.Add(tf)
		if openTime.After(now) {
			break
		}
		s.candles = append(s.candles, f.next(s, openTime, last.Close))
	}
	if len(s.candles) > maxSeriesLen {
		s.candles = append([]common.Candle(nil), s.candles[len(s.candles)-maxSeriesLen:]...)
	}
	return s
}

func (f *Feed) next(s *series, openTime time.Time, open float64) common.Candle {
	ret := s.rng.NormFloat64() * f.volatility
	closePrice := open * math.Exp(ret)
	wick := math.Abs(s.rng.NormFloat64()) * f.volatility * open / 2
	return common.Candle{
		OpenTime: openTime,
		Open:     open,
		High:     math.Max(open, closePrice) + wick,
		Low:      math.Max(math.Min(open, closePrice)-wick, 0),
		Close:    closePrice,
		Volume:   10 + s.rng.Float64()*90,
	}
}
