// internal/core/errors.go
package core

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a structured error with code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

// Errorf wraps a formatted cause under base.
func Errorf(base *Error, format string, args ...any) *Error {
	return WrapError(base, fmt.Errorf(format, args...))
}

// Predefined errors
var (
	// Identity errors
	ErrAmbiguousSymbol = &Error{Code: "AMBIGUOUS_SYMBOL", Message: "symbol is ambiguous"}
	ErrUnknownSymbol   = &Error{Code: "UNKNOWN_SYMBOL", Message: "symbol not recognized"}

	// Data errors
	ErrNoData           = &Error{Code: "NO_DATA", Message: "no data available"}
	ErrInsufficientData = &Error{Code: "INSUFFICIENT_DATA", Message: "insufficient data for analysis"}

	// Source errors
	ErrSourceUnavailable = &Error{Code: "SOURCE_UNAVAILABLE", Message: "source unavailable"}
	ErrSourceBadData     = &Error{Code: "SOURCE_BAD_DATA", Message: "source returned malformed data"}
	ErrNoAdapter         = &Error{Code: "NO_ADAPTER", Message: "no source adapter for asset"}

	// Pipeline errors
	ErrETLIntegrity = &Error{Code: "ETL_INTEGRITY", Message: "refined data integrity violation"}
	ErrMissingFX    = &Error{Code: "MISSING_FX", Message: "fx rate not available"}
	ErrCancelled    = &Error{Code: "CANCELLED", Message: "cancellation requested"}

	// Config errors
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}
)

// Exit codes for the command line surface
const (
	ExitOK        = 0
	ExitUser      = 1
	ExitTransient = 2
	ExitFatal     = 3
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// Code extracts the error code, falling back to context classification.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled.Code
	case errors.Is(err, context.DeadlineExceeded):
		return ErrSourceUnavailable.Code
	}
	return "INTERNAL"
}

// ExitCode maps an error onto the process exit code.
func ExitCode(err error) int {
	switch Code(err) {
	case "":
		return ExitOK
	case ErrAmbiguousSymbol.Code, ErrUnknownSymbol.Code, ErrConfigInvalid.Code,
		ErrConfigMissing.Code, ErrNoAdapter.Code, ErrNoData.Code, ErrInsufficientData.Code:
		return ExitUser
	case ErrSourceUnavailable.Code, ErrCancelled.Code:
		return ExitTransient
	default:
		return ExitFatal
	}
}
