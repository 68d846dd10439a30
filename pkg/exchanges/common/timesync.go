package common

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync tracks the offset between local time and the exchange server clock,
// used to stamp signed requests.
type TimeSync struct {
	serverTime func(ctx context.Context) (int64, error)
	interval   time.Duration
	logger     *zap.Logger

	mu       sync.RWMutex
	offset   int64 // ms, server - local
	lastSync time.Time
}

// NewTimeSync creates a synchronizer using serverTime (epoch ms).
func NewTimeSync(serverTime func(ctx context.Context) (int64, error), logger *zap.Logger) *TimeSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeSync{serverTime: serverTime, interval: 30 * time.Minute, logger: logger}
}

// Start syncs once and then periodically until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.logger.Warn("initial time sync failed", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(ts.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.logger.Warn("time sync failed", zap.Error(err))
				}
			}
		}
	}()
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	server, err := ts.serverTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = server - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.logger.Debug("time synced", zap.Int64("offset_ms", server-local))
	return nil
}

// Now returns the current time in ms adjusted by the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the last measured offset in ms.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
