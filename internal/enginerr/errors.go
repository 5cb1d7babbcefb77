// Package enginerr defines the error taxonomy of the trading core.
//
// Expected control flow (a detected duplicate, a risk block) is expressed
// as result variants by the callers, not as errors from this package; the
// types here classify genuine failures so the loops can decide between
// retry, skip and hard stop.
package enginerr

import (
	"errors"
	"fmt"
)

// ValidationError rejects bad configuration before it reaches the engine.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidation builds a ValidationError.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError rejects a register/start that would violate the one
// running strategy per (account, symbol) invariant.
type ConflictError struct {
	Account    string
	Symbol     string
	ConflictID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("strategy %s is already running on %s/%s", e.ConflictID, e.Account, e.Symbol)
}

// TransientExchangeError marks an exchange failure worth retrying:
// timeouts, rate limits, connection resets, 5xx responses.
type TransientExchangeError struct {
	Op  string
	Err error
}

func (e *TransientExchangeError) Error() string {
	return fmt.Sprintf("transient exchange error during %s: %v", e.Op, e.Err)
}

func (e *TransientExchangeError) Unwrap() error { return e.Err }

// NewTransient wraps err as retryable.
func NewTransient(op string, err error) *TransientExchangeError {
	return &TransientExchangeError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientExchangeError
	return errors.As(err, &te)
}

// ReconciliationFailure marks a reconcile pass that could not reach the
// exchange. Logged and skipped, retried on the next cycle.
type ReconciliationFailure struct {
	StrategyID string
	Err        error
}

func (e *ReconciliationFailure) Error() string {
	return fmt.Sprintf("reconciliation failed for strategy %s: %v", e.StrategyID, e.Err)
}

func (e *ReconciliationFailure) Unwrap() error { return e.Err }

var (
	// ErrRiskLimitExceeded is a control-flow signal, not a bug: the order
	// was blocked and a stop action may follow.
	ErrRiskLimitExceeded = errors.New("risk limit exceeded")

	// ErrDuplicateOrder short-circuits to the existing order's result.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrConcurrencyCeiling means the runner is at max_concurrent and a
	// Start was refused rather than queued.
	ErrConcurrencyCeiling = errors.New("concurrency ceiling reached")

	// ErrStrategyNotFound is returned for operations on unknown strategies.
	ErrStrategyNotFound = errors.New("strategy not found")

	// ErrNotRunning is returned when stopping a strategy with no live loop.
	ErrNotRunning = errors.New("strategy is not running")

	// ErrRetryBudgetExhausted surfaces after the bounded retry/verify
	// budget is spent without reaching a terminal order state.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)
