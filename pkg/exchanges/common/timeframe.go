package common

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTimeframe converts an interval code such as "5m", "4h" or "1d" into a duration.
func ParseTimeframe(code string) (time.Duration, error) {
	if len(code) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", code)
	}
	n, err := strconv.Atoi(code[:len(code)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", code)
	}
	var unit time.Duration
	switch code[len(code)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", code)
	}
	return time.Duration(n) * unit, nil
}

// IsClosed reports whether c's interval has fully elapsed at now.
func IsClosed(c Candle, tf time.Duration, now time.Time) bool {
	return !c.OpenTime.Add(tf).After(now)
}

// ClosedOnly drops trailing candles that are still forming at now.
func ClosedOnly(candles []Candle, tf time.Duration, now time.Time) []Candle {
	end := len(candles)
	for end > 0 && !IsClosed(candles[end-1], tf, now) {
		end--
	}
	return candles[:end]
}

// NextClose returns the close time of the candle forming at now, aligned to the epoch.
func NextClose(now time.Time, tf time.Duration) time.Time {
	if tf <= 0 {
		return now
	}
	return now.Truncate(tf).Add(tf)
}
