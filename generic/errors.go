/*
errors.go - Centralized error types for the balance ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  The coupon package and the stores wrap these with additional context.

ERROR CATEGORIES:
  1. Lookup errors - InvalidInstrument (code does not resolve)
  2. Amount errors - InvalidArgument, InsufficientBalance
  3. Concurrency errors - ConcurrentModification (retryable)
  4. Store errors - PersistenceFailure (propagated, never auto-repaired)

USAGE:
    if errors.Is(err, generic.ErrConcurrentModification) {
        // reload and retry the read-modify-write
    }

SEE ALSO:
  - coupon/ledger.go: Retries conflicts, surfaces persistence failures
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInstrumentNotFound is returned when a code does not resolve to a
	// balance-bearing instrument. Read paths translate it to a neutral result.
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrDuplicateCode is returned when issuing an instrument whose canonical code exists.
	ErrDuplicateCode = errors.New("instrument code already exists")

	// ErrOrderNotFound is returned when the order source has no such order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidArgument is returned for malformed or negative amounts and empty codes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientBalance is returned when a debit exceeds the balance and
	// the engine is configured to reject instead of clamping.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLockTimeout is returned when the per-instrument lock cannot be acquired in time.
	// It wraps ErrConcurrentModification so it is retried the same way.
	ErrLockTimeout = fmt.Errorf("%w: instrument lock not acquired", ErrConcurrentModification)

	// ErrPersistenceFailure is returned when the store cannot commit.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrInitialBalanceLocked is returned when amending the initial balance of a used instrument.
	ErrInitialBalanceLocked = errors.New("initial balance is immutable after first use")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Code      string
	OrderRef  string
	Available Amount
	Requested Amount
	Shortfall Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s for order %s: available %s, requested %s, shortfall %s",
		e.Code, e.OrderRef, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// PersistenceError records which store operation failed for which instrument.
type PersistenceError struct {
	Op   string
	Code string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes both the sentinel and the driver error.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistenceFailure, e.Err}
}

// Persistence wraps err unless it already carries a domain meaning.
func Persistence(op, code string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInstrumentNotFound) ||
		errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrPersistenceFailure) {
		return err
	}
	return &PersistenceError{Op: op, Code: code, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInitialBalanceLocked) ||
		errors.Is(err, ErrDuplicateCode)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstrumentNotFound) ||
		errors.Is(err, ErrOrderNotFound)
}
