// Package apperr defines the error taxonomy shared by the ledger
// mirror, repositories and HTTP handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	// ErrLedgerUnavailable marks a transient ledger failure. It is
	// caught at the mirror boundary and converted into a fallback
	// attempt; it only surfaces when the fallback also fails.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrSchemeNotFound means the referenced scheme exists in neither
	// store.
	ErrSchemeNotFound = errors.New("scheme not found")

	// ErrStoreUnavailable means both the ledger and the fallback store
	// failed; nothing was committed.
	ErrStoreUnavailable = errors.New("no backing store available")

	// ErrNotFound is the generic missing-record error for secondary
	// collections.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an organization-scope or role violation.
	ErrForbidden = errors.New("access denied")

	// ErrInvalidTransition marks a workflow operation attempted in the
	// wrong state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports malformed input. Fatal; never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientFundsError carries the balances the caller needs to
// react.
type InsufficientFundsError struct {
	SchemeID  int64
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for scheme %d: available %s, requested %s",
		e.SchemeID, e.Available.String(), e.Requested.String())
}

// IsInsufficientFunds reports whether err wraps an
// InsufficientFundsError.
func IsInsufficientFunds(err error) bool {
	var ife *InsufficientFundsError
	return errors.As(err, &ife)
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// HTTPStatus maps a taxonomy error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err), IsInsufficientFunds(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrSchemeNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
