// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"queue full", ErrQueueFull},
		{"invalid transition", ErrInvalidTransition},
		{"sync failed", ErrSyncFailed},
		{"sync auth failed", ErrSyncAuthFailed},
		{"sync rejected", ErrSyncRejected},
		{"sync timeout", ErrSyncTimeout},
		{"sync suspended", ErrSyncSuspended},
		{"invalid config", ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "save report", Err: errors.New("disk I/O error")},
			want:     "[DATABASE_ERROR] save report: disk I/O error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appError.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap_Unwrap verifies the wrapped error is reachable with errors.Is.
func TestWrap_Unwrap(t *testing.T) {
	base := errors.New("connection reset")
	err := Wrap(ErrSyncFailed, "dispatch", base)

	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Unwrap() != base {
		t.Error("Unwrap() should return the wrapped error")
	}
}

// TestIs verifies code matching through fmt.Errorf and nested AppErrors.
func TestIs(t *testing.T) {
	inner := New(ErrNotFound, "report missing")
	outer := Wrap(ErrDatabase, "load", inner)
	wrapped := fmt.Errorf("engine: %w", outer)

	if !Is(wrapped, ErrDatabase) {
		t.Error("Is() should match the outer code")
	}
	if !Is(wrapped, ErrNotFound) {
		t.Error("Is() should match a nested code")
	}
	if Is(wrapped, ErrQueueFull) {
		t.Error("Is() should not match an absent code")
	}
	if Is(errors.New("plain"), ErrInternal) {
		t.Error("Is() should be false for a plain error")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is() should be false for nil")
	}
}

// TestCodeOf verifies code extraction.
func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", New(ErrQueueFull, "full"))); got != ErrQueueFull {
		t.Errorf("CodeOf() = %s, want %s", got, ErrQueueFull)
	}
	if got := CodeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("CodeOf() = %s, want %s", got, ErrInternal)
	}
}

// TestNewf verifies formatted messages.
func TestNewf(t *testing.T) {
	err := Newf(ErrInvalid, "unknown entity type %q", "video")
	if err.Message != `unknown entity type "video"` {
		t.Errorf("Message = %q", err.Message)
	}
}
