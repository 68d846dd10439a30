package order

import (
	"errors"
	"fmt"
)

var (
	// ErrOutstandingOrder is returned when the symbol already has a non-terminal order.
	ErrOutstandingOrder = errors.New("order: outstanding order for symbol")
	// ErrNotCancellable is returned for orders not yet acknowledged by the exchange.
	ErrNotCancellable = errors.New("order: not cancellable in current state")
	// ErrInvalidTransition is returned when an update would break the state machine.
	ErrInvalidTransition = errors.New("order: invalid state transition")
	// ErrUnknownOrder is returned for ids the manager does not track.
	ErrUnknownOrder = errors.New("order: unknown order")
	// ErrUnconfirmed is returned when a submission failed in transit. The order
	// stays Submitted and is reconciled by client id.
	ErrUnconfirmed = errors.New("order: submission unconfirmed")
)

// SubmissionError reports a submission the venue definitively refused. The
// order, if one was created, is left Rejected.
type SubmissionError struct {
	Symbol  string
	OrderID string
	Reason  string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("submit %s: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("submit %s: %s", e.Symbol, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }
