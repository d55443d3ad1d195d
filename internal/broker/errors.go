package broker

import (
	"errors"
	"fmt"

	"scalping-engine/internal/store"
)

// Code classifies a broker failure so callers can branch on semantics
// rather than on venue error strings.
type Code string

const (
	// CodeAlreadyClosed means the ticket no longer exists on the venue.
	// Close paths treat this as a normal outcome, not a failure.
	CodeAlreadyClosed Code = "ALREADY_CLOSED"

	// CodeInsufficientMargin means the account cannot carry the order.
	CodeInsufficientMargin Code = "INSUFFICIENT_MARGIN"

	// CodeAutoTradingDisabled means the MT4 terminal has AutoTrading
	// switched off. No order will succeed until an operator re-enables it.
	CodeAutoTradingDisabled Code = "AUTOTRADING_DISABLED"

	// CodeTransient covers timeouts and 5xx responses that are safe to
	// retry after reconciliation.
	CodeTransient Code = "TRANSIENT"

	// CodeUnknown is everything else.
	CodeUnknown Code = "UNKNOWN"
)

// Error is the uniform failure type returned by every adapter.
type Error struct {
	Code   Code
	Broker store.Broker
	Op     string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Broker, e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Broker, e.Op, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an adapter error.
func NewError(code Code, b store.Broker, op, msg string, err error) *Error {
	return &Error{Code: code, Broker: b, Op: op, Msg: msg, Err: err}
}

// CodeOf extracts the classification from an error chain. Plain errors
// map to CodeUnknown.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeUnknown
}

// IsAlreadyClosed reports whether err means the ticket was already gone.
func IsAlreadyClosed(err error) bool {
	return CodeOf(err) == CodeAlreadyClosed
}

// IsAutoTradingDisabled reports whether err means the MT4 terminal refused
// the order because AutoTrading is off.
func IsAutoTradingDisabled(err error) bool {
	return CodeOf(err) == CodeAutoTradingDisabled
}

// IsInsufficientMargin reports whether err means the account lacked margin.
func IsInsufficientMargin(err error) bool {
	return CodeOf(err) == CodeInsufficientMargin
}

// IsTransient reports whether err is worth retrying after reconciliation.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}
