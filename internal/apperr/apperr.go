// Package apperr is the error taxonomy shared by services and handlers.
// Every business-rule rejection carries a Kind and a machine-readable Code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindLimitExceeded     Kind = "limit_exceeded"
	KindExternalProvider  Kind = "external_provider"
	KindInternal          Kind = "internal"
)

// Codes surfaced to callers.
const (
	CodeInvalidInput      = "invalid_input"
	CodeInvalidStatus     = "invalid_status"
	CodeInvalidRoundLimit = "invalid_round_limit"
	CodeDuplicateReport   = "duplicate_report"
	CodeTerminalState     = "terminal_state"
	CodeInvalidTransition = "invalid_transition"
	CodeStatusChanged     = "status_changed"
	CodeNotAssignedWorker = "not_assigned_worker"
	CodeBonusAlreadyPaid  = "bonus_already_paid"
	CodeAlreadySettled    = "already_settled"
	CodeTaskNotFound      = "task_not_found"
	CodeDeviceNotFound    = "device_not_found"
	CodeWalletNotFound    = "wallet_not_found"
	CodeInsufficientFunds = "insufficient_funds"
	CodeBelowMinimum      = "below_minimum"
	CodeDailyCapExceeded  = "daily_cap_exceeded"
	CodePayoutFailed      = "payout_failed"
	CodeInternal          = "internal_error"
)

// Error is a typed failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind and Code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }
func Conflict(code, msg string) *Error   { return New(KindConflict, code, msg) }
func NotFound(code, msg string) *Error   { return New(KindNotFound, code, msg) }
func Forbidden(code, msg string) *Error  { return New(KindForbidden, code, msg) }

func InsufficientFunds(msg string) *Error {
	return New(KindInsufficientFunds, CodeInsufficientFunds, msg)
}

func LimitExceeded(code, msg string) *Error { return New(KindLimitExceeded, code, msg) }

func ExternalProvider(msg string, err error) *Error {
	return &Error{Kind: KindExternalProvider, Code: CodePayoutFailed, Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the response status used by the handlers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindLimitExceeded:
		return http.StatusTooManyRequests
	case KindExternalProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error shape returned to clients.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ToBody converts err for the wire. Internal details never leak.
func ToBody(err error) (int, Body) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return HTTPStatus(e.Kind), Body{Error: e.Code, Message: e.Message}
	}
	return http.StatusInternalServerError, Body{Error: CodeInternal, Message: "internal error"}
}
