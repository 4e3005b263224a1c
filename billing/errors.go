/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place. Store implementations and callers classify
  failures with errors.Is against the sentinels below.

ERROR CATEGORIES:
  1. Validation - bad input, surfaced synchronously, never downgraded
  2. Not found  - unresolvable event linkage; logged and acknowledged
  3. Conflict   - idempotency guard hit; treated as success
  4. Delivery   - notification failures; logged per candidate
  5. Persistence - store failures; propagated so the sender retries

SEE ALSO:
  - settlement.go: maps conflicts to the prior result
  - reminder.go: logs delivery and persistence errors and continues
  - api/handlers.go: maps categories to HTTP status codes
*/
package billing

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks input that violates a business rule.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing organization, membership or payment.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks an operation that was already applied.
	ErrConflict = errors.New("already applied")

	// ErrDuplicate is returned by stores when a unique key already exists
	// (payment id, settlement event id).
	ErrDuplicate = errors.New("duplicate key")

	// ErrStaleWrite is returned by stores when a guarded update found the row
	// in a different state than expected.
	ErrStaleWrite = errors.New("stale write: row changed concurrently")

	// ErrInvalidTransition marks a membership or payment status change that
	// is not in the transition table.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDelivery marks a failed notification.
	ErrDelivery = errors.New("notification delivery failed")

	// ErrPersistence marks a store read/write failure.
	ErrPersistence = errors.New("persistence failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes one rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "organization", "membership", "payment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound is used by store implementations.
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// TransitionError describes a rejected membership status change.
type TransitionError struct {
	From MembershipStatus
	To   MembershipStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid membership transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// DeliveryError wraps a notifier failure for one payment.
type DeliveryError struct {
	PaymentID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("reminder for payment %s: %v", e.PaymentID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return ErrDelivery }

// Persistence wraps a store failure so callers can classify it.
func Persistence(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrPersistence)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports duplicate or already-applied operations.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicate)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleWrite) || errors.Is(err, ErrPersistence)
}
