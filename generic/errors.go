/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every error that leaves the engine carries one stable, machine-readable
  kind plus a human-readable message.

ERROR KINDS:
  not_found            Referenced entity, invoice or payment is absent
  invalid_input        Missing/negative/non-numeric amount, missing field, bad date
  conflict             Duplicate invoice number, duplicate explicit payment number
  precondition_failed  Operation against a Closed entity, or still-referenced record
  inconsistent         Primary write committed, balance effect pending
  store_unavailable    Transient storage failure (the only retried kind)

USAGE:
  Coded errors are compared with errors.Is against either the kind or the code:

    err := generic.Errorf(generic.ErrInvalidAmount, "amount %s must be positive", amt)
    errors.Is(err, generic.ErrInvalidInput)  // true
    errors.Is(err, generic.ErrInvalidAmount) // true

SEE ALSO:
  - ledger.go: Uses these errors
  - api/handlers.go: Maps kinds to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// KIND SENTINELS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input fails validation. Nothing is written.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a unique key is already taken or a
	// compare-and-swap loses.
	ErrConflict = errors.New("conflict")

	// ErrPreconditionFailed is returned when the target's state forbids the operation.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInconsistent is returned when the primary write committed but a
	// derived balance could not be brought up to date.
	ErrInconsistent = errors.New("inconsistent")

	// ErrStoreUnavailable marks transient storage failures. Retried with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDuplicateIdempotencyKey is returned when a posting with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = &Error{Kind: ErrConflict, Code: "duplicate_idempotency_key", Message: "duplicate idempotency key"}

	// ErrConcurrentModification is returned when a versioned record changed underneath us.
	ErrConcurrentModification = &Error{Kind: ErrConflict, Code: "concurrent_modification", Message: "concurrent modification detected"}
)

// Coded sentinels. Each belongs to exactly one kind.
var (
	ErrInvalidAmount      = &Error{Kind: ErrInvalidInput, Code: "invalid_amount", Message: "amount must be a positive number"}
	ErrMissingField       = &Error{Kind: ErrInvalidInput, Code: "missing_field", Message: "required field missing"}
	ErrInvalidDate        = &Error{Kind: ErrInvalidInput, Code: "invalid_date", Message: "malformed date"}
	ErrInvalidID          = &Error{Kind: ErrInvalidInput, Code: "invalid_id", Message: "malformed identifier"}
	ErrInvalidTarget      = &Error{Kind: ErrInvalidInput, Code: "invalid_target", Message: "target not allowed for this operation"}
	ErrInvalidValue       = &Error{Kind: ErrInvalidInput, Code: "invalid_value", Message: "value not allowed"}
	ErrDuplicatePaymentNo = &Error{Kind: ErrConflict, Code: "duplicate_payment_no", Message: "payment number already exists"}
	ErrDuplicateInvoiceNo = &Error{Kind: ErrConflict, Code: "duplicate_invoice_no", Message: "invoice number already exists"}
	ErrDuplicatePlate     = &Error{Kind: ErrConflict, Code: "duplicate_plate", Message: "plate already registered"}
	ErrPeriodClosed       = &Error{Kind: ErrConflict, Code: "period_closed", Message: "period already closed"}
	ErrUniqueViolation    = &Error{Kind: ErrConflict, Code: "unique_violation", Message: "unique key already taken"}
	ErrAccountClosed      = &Error{Kind: ErrPreconditionFailed, Code: "account_closed", Message: "account is closed"}
	ErrStoreNotEmpty      = &Error{Kind: ErrPreconditionFailed, Code: "store_not_empty", Message: "store is not empty"}
	ErrStillReferenced    = &Error{Kind: ErrPreconditionFailed, Code: "still_referenced", Message: "record is referenced by invoices or payments"}
	ErrBalancePending     = &Error{Kind: ErrInconsistent, Code: "balance_pending", Message: "recorded, balance effect pending"}
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is a coded error with a kind, a message and an optional cause.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// Errorf derives a detailed error from a coded sentinel.
func Errorf(base *Error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap derives an error from a coded sentinel that keeps cause in its chain.
func Wrap(base *Error, cause error) error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: base.Message, Err: cause}
}

// NotFoundf builds a not_found error for a record kind and id.
func NotFoundf(what string, id any) error {
	return &Error{Kind: ErrNotFound, Code: "not_found", Message: fmt.Sprintf("%s %v not found", what, id)}
}

// Unavailable marks err as a transient storage failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &Error{Kind: ErrStoreUnavailable, Code: "store_unavailable", Message: "store unavailable", Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the stable machine-readable kind for err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInconsistent):
		return "inconsistent"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// CodeOf returns the code of the outermost coded error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to the caller's input or
// the state of the target.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPreconditionFailed)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDegraded returns true if the primary write succeeded but a derived
// balance is still pending. Callers should treat the result as recorded.
func IsDegraded(err error) bool {
	return errors.Is(err, ErrInconsistent)
}
