// internal/core/errors_test.go
package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{Code: "TEST_ERROR", Message: "test message"}
	if err.Error() != "[TEST_ERROR] test message" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Code: "WRAP", Message: "wrapped", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should return cause")
	}
}

func TestError_Is(t *testing.T) {
	wrapped := Errorf(ErrUnknownSymbol, "bad symbol %q", "??")
	if !errors.Is(wrapped, ErrUnknownSymbol) {
		t.Error("wrapped error should match by code")
	}
	if errors.Is(wrapped, ErrAmbiguousSymbol) {
		t.Error("different codes should not match")
	}
}

func TestWrapError(t *testing.T) {
	cause := errors.New("original")
	wrapped := WrapError(ErrSourceUnavailable, cause)
	if wrapped.Cause != cause {
		t.Error("cause not set")
	}
	if wrapped.Code != ErrSourceUnavailable.Code {
		t.Error("code not preserved")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", WrapError(ErrSourceUnavailable, errors.New("503")), true},
		{"wrapped unavailable", fmt.Errorf("fetch: %w", ErrSourceUnavailable), true},
		{"deadline", context.DeadlineExceeded, true},
		{"bad data", ErrSourceBadData, false},
		{"cancelled", context.Canceled, false},
		{"unknown symbol", ErrUnknownSymbol, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrAmbiguousSymbol, ExitUser},
		{ErrConfigInvalid, ExitUser},
		{ErrSourceUnavailable, ExitTransient},
		{context.Canceled, ExitTransient},
		{ErrETLIntegrity, ExitFatal},
		{errors.New("boom"), ExitFatal},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
