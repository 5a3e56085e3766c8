package oms

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited means the operation could not be afforded or the
	// exchange denied it for rate; it is retried on a later cycle.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnknownOutcome means a mutating call timed out or lost its response.
	// It is resolved by polling, never by resending.
	ErrUnknownOutcome = errors.New("unknown outcome")
	// ErrRejected is a definitive refusal of one operation.
	ErrRejected = errors.New("rejected")
	// ErrAuthFailure and ErrFatalProtocol stop all trading on the exchange.
	ErrAuthFailure   = errors.New("authentication failure")
	ErrFatalProtocol = errors.New("fatal protocol error")

	ErrQuotingHalted = errors.New("quoting halted")
	ErrOrderBusy     = errors.New("order has an operation in flight")
	ErrBatchAborted  = errors.New("earlier operation in batch did not complete")
	ErrUnconfirmed   = errors.New("live state awaits confirmation")
)

// ExecError is returned by ExecutionClient implementations. Kind is one of the
// package sentinels and is what errors.Is matches against.
type ExecError struct {
	Kind       error
	Op         OpKind
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	RateLimit  *RateLimitInfo
	Err        error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Fatal reports whether err must stop trading on the exchange.
func Fatal(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrFatalProtocol)
}
