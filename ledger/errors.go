/*
errors.go - Centralized error codes for the ledger

PURPOSE:
  Every failure a caller can observe carries a stable machine-readable
  code, a human message, an HTTP status and a replanable flag. Clients
  branch on the code, never on the message.

ERROR CATEGORIES:
  1. Validation     - malformed requests (422)
  2. Party          - unknown value, code or contact (409/404)
  3. Value state    - frozen, canceled, date window, currency (409)
  4. Insufficiency  - not enough balance or uses (409)
  5. Idempotency    - reused ids, double reverse/capture/void (409/422)
  6. Upstream       - card processor failures (409/502)

REPLANABLE:
  A replanable error means nothing external happened and the identical
  request can be planned again from scratch. Optimistic conflicts
  (a balance moved between planning and locking) are replanable. Anything
  that happened after a card charge is not.

USAGE:
    if errors.Is(err, ledger.ErrTransactionExists) { ... }
    if ledger.IsReplanable(err) { replan() }

SEE ALSO:
  - api/handlers.go: Maps errors to the HTTP envelope
  - service/service.go: Replan loop
*/
package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidRequest            Code = "InvalidRequest"
	CodeInvalidRule               Code = "InvalidRule"
	CodeInvalidPendingDuration    Code = "InvalidPendingDuration"
	CodeInvalidParty              Code = "InvalidParty"
	CodeContactNotFound           Code = "ContactNotFound"
	CodeValueNotFound             Code = "ValueNotFound"
	CodeValueExists               Code = "ValueExists"
	CodeWrongCurrency             Code = "WrongCurrency"
	CodeValueFrozen               Code = "ValueFrozen"
	CodeValueCanceled             Code = "ValueCanceled"
	CodeValueInactive             Code = "ValueInactive"
	CodeValueNotStarted           Code = "ValueNotStarted"
	CodeValueEnded                Code = "ValueEnded"
	CodeNullBalance               Code = "NullBalance"
	CodeNullUses                  Code = "NullUses"
	CodeInsufficientBalance       Code = "InsufficientBalance"
	CodeInsufficientUsesRemaining Code = "InsufficientUsesRemaining"
	CodeTransactionExists         Code = "TransactionExists"
	CodeTransactionNotFound       Code = "TransactionNotFound"
	CodeTransactionReversed       Code = "TransactionReversed"
	CodeTransactionCaptured       Code = "TransactionCaptured"
	CodeTransactionVoided         Code = "TransactionVoided"
	CodeTransactionPending        Code = "TransactionPending"
	CodeTransactionNotPending     Code = "TransactionNotPending"
	CodeTransactionNotReversible  Code = "TransactionNotReversible"
	CodeValueChanged              Code = "ValueChanged"
	CodeConcurrentModification    Code = "ConcurrentModification"
	CodeChainConflict             Code = "ChainConflict"
	CodeStripeCardDeclined        Code = "StripeCardDeclined"
	CodeStripeAmountTooSmall      Code = "StripeAmountTooSmall"
	CodeStripeUnavailable         Code = "StripeUnavailable"
	CodeStripeError               Code = "StripeError"
	CodeInternal                  Code = "InternalError"
)

var statusByCode = map[Code]int{
	CodeInvalidRequest:            http.StatusUnprocessableEntity,
	CodeInvalidRule:               http.StatusUnprocessableEntity,
	CodeInvalidPendingDuration:    http.StatusUnprocessableEntity,
	CodeInvalidParty:              http.StatusConflict,
	CodeContactNotFound:           http.StatusNotFound,
	CodeValueNotFound:             http.StatusNotFound,
	CodeValueExists:               http.StatusConflict,
	CodeWrongCurrency:             http.StatusConflict,
	CodeValueFrozen:               http.StatusConflict,
	CodeValueCanceled:             http.StatusConflict,
	CodeValueInactive:             http.StatusConflict,
	CodeValueNotStarted:           http.StatusConflict,
	CodeValueEnded:                http.StatusConflict,
	CodeNullBalance:               http.StatusConflict,
	CodeNullUses:                  http.StatusConflict,
	CodeInsufficientBalance:       http.StatusConflict,
	CodeInsufficientUsesRemaining: http.StatusConflict,
	CodeTransactionExists:         http.StatusConflict,
	CodeTransactionNotFound:       http.StatusNotFound,
	CodeTransactionReversed:       http.StatusConflict,
	CodeTransactionCaptured:       http.StatusConflict,
	CodeTransactionVoided:         http.StatusConflict,
	CodeTransactionPending:        http.StatusConflict,
	CodeTransactionNotPending:     http.StatusConflict,
	CodeTransactionNotReversible:  http.StatusUnprocessableEntity,
	CodeValueChanged:              http.StatusConflict,
	CodeConcurrentModification:    http.StatusConflict,
	CodeChainConflict:             http.StatusConflict,
	CodeStripeCardDeclined:        http.StatusConflict,
	CodeStripeAmountTooSmall:      http.StatusConflict,
	CodeStripeUnavailable:         http.StatusBadGateway,
	CodeStripeError:               http.StatusBadGateway,
	CodeInternal:                  http.StatusInternalServerError,
}

var replanableCodes = map[Code]bool{
	CodeValueChanged:           true,
	CodeConcurrentModification: true,
	CodeChainConflict:          true,
}

// =============================================================================
// ERROR
// =============================================================================

// Error is the single error type surfaced by the ledger.
type Error struct {
	Code       Code
	Message    string
	Status     int
	Replanable bool
	Details    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy carrying an extra detail.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Errorf builds an Error with the default status and replanability for code.
func Errorf(code Code, format string, args ...any) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Status:     status,
		Replanable: replanableCodes[code],
	}
}

// Wrap builds an Error that keeps cause in the chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := Errorf(code, format, args...)
	e.Cause = cause
	return e
}

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValueNotFound          = Errorf(CodeValueNotFound, "value not found")
	ErrValueExists            = Errorf(CodeValueExists, "value already exists")
	ErrContactNotFound        = Errorf(CodeContactNotFound, "contact not found")
	ErrTransactionNotFound    = Errorf(CodeTransactionNotFound, "transaction not found")
	ErrTransactionExists      = Errorf(CodeTransactionExists, "transaction with this id already exists")
	ErrConcurrentModification = Errorf(CodeConcurrentModification, "concurrent modification detected")
	ErrChainConflict          = Errorf(CodeChainConflict, "transaction chain was extended concurrently")
	ErrInsufficientBalance    = Errorf(CodeInsufficientBalance, "insufficient balance")
	ErrInsufficientUses       = Errorf(CodeInsufficientUsesRemaining, "insufficient uses remaining")
	ErrNullBalance            = Errorf(CodeNullBalance, "value balance is not tracked")
	ErrNullUses               = Errorf(CodeNullUses, "value usesRemaining is not tracked")
)

// =============================================================================
// ERROR HELPERS
// =============================================================================

// AsError extracts the ledger Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status for err.
func HTTPStatus(err error) int {
	if e, ok := AsError(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsReplanable returns true if the request may be planned again from scratch.
func IsReplanable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Replanable
}

// NonReplanable marks err as unsafe to replan, keeping its code.
func NonReplanable(err error) error {
	e, ok := AsError(err)
	if !ok {
		return Wrap(CodeInternal, err, "transaction failed after external effects")
	}
	cp := *e
	cp.Replanable = false
	return &cp
}

// IsClientError returns true if the error is due to the request or ledger state.
func IsClientError(err error) bool {
	s := HTTPStatus(err)
	return s >= 400 && s < 500
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrValueNotFound) ||
		errors.Is(err, ErrContactNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
