package common

import "context"

// Gateway abstracts the exchange: market data reads plus order primitives.
type Gateway interface {
	// Name identifies the venue in logs and status.
	Name() string
	// AvailableTimeframes lists the interval codes the venue serves candles for.
	AvailableTimeframes() []string
	FetchCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	FetchPrice(ctx context.Context, symbol string) (float64, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderResult, error)
	// QueryOrderByClientID looks an order up by the client id sent with
	// SubmitOrder. It returns ErrOrderNotFound when the venue never saw it.
	QueryOrderByClientID(ctx context.Context, symbol, clientID string) (OrderResult, error)
	// Close releases gateway resources. Safe to call more than once.
	Close() error
}

// SupportsTimeframe reports whether tf is advertised by gw.
func SupportsTimeframe(gw Gateway, tf string) bool {
	for _, v := range gw.AvailableTimeframes() {
		if v == tf {
			return true
		}
	}
	return false
}
