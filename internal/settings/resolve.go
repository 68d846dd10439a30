package settings

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Source names where the startup timeframe came from.
type Source string

const (
	SourcePersisted Source = "persisted"
	SourceEnv       Source = "env"
	SourceStrategy  Source = "strategy"
	SourceFallback  Source = "fallback"
)

// ResolveTimeframe picks the startup timeframe: persisted setting, then the
// environment override, then the strategy default, then FallbackTimeframe.
// A candidate outside available is skipped with a warning. An empty available
// set accepts every non-empty candidate.
func (s *Store) ResolveTimeframe(ctx context.Context, envOverride, strategyDefault string, available []string) (string, Source) {
	supported := func(tf string) bool {
		if len(available) == 0 {
			return true
		}
		for _, a := range available {
			if a == tf {
				return true
			}
		}
		return false
	}

	var persisted string
	if st, ok, err := s.Get(ctx, KeyTimeframe); err != nil {
		s.logger.Warn("read persisted timeframe failed", zap.Error(err))
	} else if ok {
		persisted = strings.TrimSpace(st.Value)
	}

	candidates := []struct {
		value  string
		source Source
	}{
		{persisted, SourcePersisted},
		{strings.TrimSpace(envOverride), SourceEnv},
		{strings.TrimSpace(strategyDefault), SourceStrategy},
	}
	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		if !supported(c.value) {
			s.logger.Warn("timeframe not supported by exchange, skipping",
				zap.String("timeframe", c.value), zap.String("source", string(c.source)))
			continue
		}
		return c.value, c.source
	}
	return FallbackTimeframe, SourceFallback
}
