/*
errors.go - Centralized error types for the layaway ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; the api package maps them
  to HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors   - caller-supplied data fails structural/business rules
  2. Lookup errors       - referenced plan does not exist
  3. Verification errors - payment gateway did not confirm the charge
  4. State errors        - plan is completed, reference reused, CAS exhausted
  5. Store errors        - persistence unavailable or write failed

NO PARTIAL STATE:
  Every error is returned before the atomic commit or by the commit itself.
  A failed operation never leaves a half-created plan or half-applied payment.

SEE ALSO:
  - engine.go: Returns these errors
  - store.go: Document store errors (ErrDocumentNotFound, ErrVersionConflict, ...)
  - api/errors.go: HTTP mapping
*/
package layaway

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when input fails structural or business rules.
	ErrValidation = errors.New("layaway: validation failed")

	// ErrPlanNotFound is returned when the referenced plan id does not exist.
	ErrPlanNotFound = errors.New("layaway: plan not found")

	// ErrPaymentVerificationFailed is returned when the gateway did not confirm
	// a successful charge of at least the expected amount.
	ErrPaymentVerificationFailed = errors.New("layaway: payment verification failed")

	// ErrStorage is returned when the document store fails.
	ErrStorage = errors.New("layaway: storage failure")

	// ErrPlanCompleted is returned when paying into a completed plan.
	ErrPlanCompleted = errors.New("layaway: plan already completed")

	// ErrDuplicatePaymentRef is returned when a gateway reference was already
	// applied to any plan.
	ErrDuplicatePaymentRef = errors.New("layaway: payment reference already applied")

	// ErrConcurrentModification is returned when the optimistic retry budget
	// is exhausted.
	ErrConcurrentModification = errors.New("layaway: concurrent modification")

	// ErrPlanNotCompleted is returned when collecting a plan that is still active.
	ErrPlanNotCompleted = errors.New("layaway: plan not completed")

	// ErrAlreadyCollected is returned when a plan was already marked collected.
	ErrAlreadyCollected = errors.New("layaway: plan already collected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// VerificationError explains why a payment reference was not accepted.
// Err holds the transport error when the verifier could not be reached.
type VerificationError struct {
	Ref    string
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment %s not verified: %s: %v", e.Ref, e.Reason, e.Err)
	}
	return fmt.Sprintf("payment %s not verified: %s", e.Ref, e.Reason)
}

func (e *VerificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPaymentVerificationFailed, e.Err}
	}
	return []error{ErrPaymentVerificationFailed}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input
// or by the current state of the plan.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPaymentVerificationFailed) ||
		errors.Is(err, ErrPlanCompleted) ||
		errors.Is(err, ErrDuplicatePaymentRef) ||
		errors.Is(err, ErrPlanNotCompleted) ||
		errors.Is(err, ErrAlreadyCollected)
}

// IsNotFound returns true if the error indicates a missing plan.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPlanNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
