package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrTransient marks failures that may succeed on retry (timeouts, rate limits, 5xx).
var ErrTransient = errors.New("transient exchange error")

// ErrOrderNotFound is returned when the venue does not know an order id.
var ErrOrderNotFound = errors.New("order not found")

// APIError is a non-2xx response from an exchange REST API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: status=%d code=%d msg=%s", e.Status, e.Code, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status == 418 || e.Status >= 500
}

// Transient wraps err so that IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient classifies err as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
