package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WeightLimiter paces outgoing requests and tracks the exchange-reported weight usage.
type WeightLimiter struct {
	pacer *rate.Limiter

	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration

	logger *zap.Logger
}

// NewWeightLimiter creates a limiter for a venue allowing limit weight per resetInterval.
// rps bounds the local request rate regardless of reported weight.
func NewWeightLimiter(limit int, resetInterval time.Duration, rps float64, logger *zap.Logger) *WeightLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeightLimiter{
		pacer:         rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		logger:        logger,
	}
}

// Wait blocks until a request may be sent. Near the weight limit it waits for the window to roll over.
func (rl *WeightLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		rl.mu.RLock()
		wait := time.Until(rl.lastReset.Add(rl.resetInterval))
		rl.mu.RUnlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return rl.pacer.Wait(ctx)
}

// UpdateFromHeader records the used weight reported in a response header.
func (rl *WeightLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	if pct >= 95 {
		rl.logger.Warn("rate limit critical", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	} else if pct >= 80 {
		rl.logger.Info("rate limit high", zap.Int("used", rl.usedWeight), zap.Int("limit", rl.limit))
	}
}

// Usage returns current usage information.
func (rl *WeightLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true once 90% of the window's weight is used.
func (rl *WeightLimiter) ShouldDelay() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
