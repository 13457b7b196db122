/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The trips package and the HTTP layer classify failures with the
  helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Validation errors - rejected before any transaction opens
  2. Domain errors     - rejected after a read, before any mutation
  3. Store errors      - whole transaction rolled back; may be retryable

USAGE:
  if errors.Is(err, ledger.ErrPaymentExceedsDue) {
      var e *ledger.PaymentExceedsDueError
      errors.As(err, &e)
      // e.Due, e.Requested
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for bad or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidScenario is returned when a payment scenario cannot be resolved.
	ErrInvalidScenario = errors.New("invalid payment scenario")

	ErrTripNotFound      = errors.New("trip not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrConsignerNotFound = errors.New("consigner not found")

	// ErrPaymentExceedsDue is returned when a payment is larger than the trip's amount due.
	ErrPaymentExceedsDue = errors.New("payment exceeds amount due")

	// ErrConcurrentModification is returned when the store detects a conflicting
	// write (serialization failure, deadlock, busy database, guard miss).
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// PaymentExceedsDueError provides details about a rejected payment.
type PaymentExceedsDueError struct {
	TripID    TripID
	Due       decimal.Decimal
	Requested decimal.Decimal
}

func (e *PaymentExceedsDueError) Error() string {
	return fmt.Sprintf("payment %s exceeds amount due %s on trip %d",
		e.Requested.StringFixed(MoneyScale), e.Due.StringFixed(MoneyScale), e.TripID)
}

func (e *PaymentExceedsDueError) Unwrap() error {
	return ErrPaymentExceedsDue
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidScenario) ||
		errors.Is(err, ErrPaymentExceedsDue)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTripNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrConsignerNotFound)
}
