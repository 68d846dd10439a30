// Package gateway builds the exchange gateway and wraps it with retry and health tracking.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	exchange "resonance-trader/pkg/exchanges/common"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("gateway closed")

const maxBackoff = 10 * time.Second

// RetryConfig bounds retries of transient failures.
type RetryConfig struct {
	MaxRetries int           // additional attempts after the first
	BaseDelay  time.Duration // delay before the first retry, doubled each time
	OnRetry    func(op string)
}

// Health summarizes recent gateway behaviour.
type Health struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	HealthyAt           time.Time `json:"healthy_at"`
}

// Resilient wraps a Gateway: reads are retried with exponential backoff on
// transient errors, order submission is attempted once, and Close runs once.
type Resilient struct {
	inner  exchange.Gateway
	cfg    RetryConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	health Health

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewResilient wraps inner.
func NewResilient(inner exchange.Gateway, cfg RetryConfig, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	return &Resilient{
		inner:  inner,
		cfg:    cfg,
		logger: logger.Named("gateway"),
		sleep:  sleepCtx,
		health: Health{Name: inner.Name(), HealthyAt: time.Now()},
		closed: make(chan struct{}),
	}
}

// Backoff returns the delay before retry n (0-based): base·2^n, capped at 10s.
func Backoff(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (r *Resilient) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if r.isClosed() {
			return ErrClosed
		}
		err = fn(ctx)
		if err == nil {
			r.markHealthy()
			return nil
		}
		if !exchange.IsTransient(err) || attempt >= r.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := Backoff(r.cfg.BaseDelay, attempt)
		r.logger.Warn("transient gateway error, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", delay), zap.Error(err))
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(op)
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			break
		}
	}
	r.markFailed(err)
	return err
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) AvailableTimeframes() []string { return r.inner.AvailableTimeframes() }

func (r *Resilient) FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	var out []exchange.Candle
	err := r.retry(ctx, "fetch_candles", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchCandles(ctx, symbol, timeframe, limit)
		return err
	})
	return out, err
}

func (r *Resilient) FetchPrice(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := r.retry(ctx, "fetch_price", func(ctx context.Context) error {
		var err error
		out, err = r.inner.FetchPrice(ctx, symbol)
		return err
	})
	return out, err
}

// SubmitOrder is not retried: a timed-out submission may still have reached the venue.
func (r *Resilient) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if r.isClosed() {
		return exchange.OrderResult{}, ErrClosed
	}
	res, err := r.inner.SubmitOrder(ctx, req)
	if err != nil {
		if exchange.IsTransient(err) {
			r.markFailed(err)
		}
		return res, err
	}
	r.markHealthy()
	return res, nil
}

func (r *Resilient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return r.retry(ctx, "cancel_order", func(ctx context.Context) error {
		return r.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

func (r *Resilient) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (exchange.OrderResult, error) {
	var out exchange.OrderResult
	err := r.retry(ctx, "query_order", func(ctx context.Context) error {
		var err error
		out, err = r.inner.QueryOrder(ctx, symbol, exchangeOrderID)
		return err
	})
	return out, err
}

func (r *Resilient) QueryOrderByClientID(ctx context.Context, symbol, clientID string) (exchange.OrderResult, error) {
	var out exchange.OrderResult
	err := r.retry(ctx, "query_order", func(ctx context.Context) error {
		var err error
		out, err = r.inner.QueryOrderByClientID(ctx, symbol, clientID)
		return err
	})
	return out, err
}

// Close closes the wrapped gateway exactly once. Later calls return the first result.
func (r *Resilient) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.closeErr = r.inner.Close()
	})
	return r.closeErr
}

// Health returns a snapshot of the failure counters.
func (r *Resilient) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Inner exposes the wrapped gateway.
func (r *Resilient) Inner() exchange.Gateway { return r.inner }

func (r *Resilient) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Resilient) markHealthy() {
	r.mu.Lock()
	r.health.ConsecutiveFailures = 0
	r.health.LastError = ""
	r.health.HealthyAt = time.Now()
	r.mu.Unlock()
}

func (r *Resilient) markFailed(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.health.ConsecutiveFailures++
	r.health.LastError = err.Error()
	r.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
