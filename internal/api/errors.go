package api

import (
	"context"
	"errors"

	"userscriptd/internal/executor"
	"userscriptd/internal/scheduler"
	"userscriptd/internal/userscript"
)

// Error codes are stable and safe to match on.
const (
	CodeInvalidArgument  = "invalid_argument"
	CodeNotFound         = "not_found"
	CodeValidationFailed = "validation_failed"
	CodeConflict         = "conflict"
	CodeInfrastructure   = "infrastructure"
	CodeBlocked          = "blocked"
	CodeInternal         = "internal"
)

// Error is returned by every Service operation that fails.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Details carries a structured payload, e.g. the validation report.
	Details any   `json:"details,omitempty"`
	Err     error `json:"-"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func (e *Error) Unwrap() error { return e.Err }

func newError(code, msg string) *Error { return &Error{Code: code, Message: msg} }

// CodeOf returns the code of an *Error anywhere in err's chain.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// wrap maps package errors to an *Error. Unknown errors become internal.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var verr *scheduler.ValidationError
	if errors.As(err, &verr) {
		return &Error{Code: CodeValidationFailed, Message: err.Error(), Details: verr.Validation, Err: err}
	}

	code := CodeInternal
	switch {
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, userscript.ErrNotFound),
		errors.Is(err, executor.ErrScriptNotFound):
		code = CodeNotFound
	case errors.Is(err, scheduler.ErrInvalid):
		code = CodeValidationFailed
	case errors.Is(err, scheduler.ErrConflict):
		code = CodeConflict
	case errors.Is(err, scheduler.ErrInfrastructure):
		code = CodeInfrastructure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = CodeInternal
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}
