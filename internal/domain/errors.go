package domain

import (
	"errors"
	"fmt"
)

// ErrQuoteUnavailable is returned by quote providers when no usable price
// exists for a symbol. It is transient: the caller skips the symbol for the
// current cycle only.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// ErrNotFound is returned when a position, trade or ticker does not exist.
var ErrNotFound = errors.New("not found")

// Resolution failure reasons.
const (
	ReasonUnderlyingUnavailable = "underlying price unavailable"
	ReasonNoExpiration          = "no expiration in DTE window"
	ReasonNoStrikes             = "no strikes for expiration"
	ReasonInvalidPremium        = "invalid opening premium"
)

// ResolutionError reports that the ATM strike or its opening premiums could
// not be discovered for a ticker on a trading day. The ticker is skipped
// until the next day start.
type ResolutionError struct {
	Ticker string
	Date   string
	Reason string
	Err    error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolving ATM for %s on %s: %s", e.Ticker, e.Date, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// OrderRejectedError reports that the execution service refused, failed or
// only partially filled an order. No ledger records are created for it.
type OrderRejectedError struct {
	Symbol string
	Action Action
	Reason string
	Err    error
}

func (e *OrderRejectedError) Error() string {
	msg := fmt.Sprintf("order %s %s rejected: %s", e.Action, e.Symbol, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderRejectedError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation that violates a position's
// lifecycle, such as closing a position twice.
type InvalidStateError struct {
	PositionID string
	Status     PositionStatus
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s position %s in state %s", e.Op, e.PositionID, e.Status)
}

// IsInvalidState reports whether err wraps an *InvalidStateError.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

// IsResolution reports whether err wraps a *ResolutionError.
func IsResolution(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// IsOrderRejected reports whether err wraps an *OrderRejectedError.
func IsOrderRejected(err error) bool {
	var oe *OrderRejectedError
	return errors.As(err, &oe)
}
