package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ServiceError
		expected string
	}{
		{
			name: "error with cause",
			err: &ServiceError{
				Type:      ErrorTypeStorage,
				Operation: "snapshot_write",
				Message:   "write failed",
				Cause:     errors.New("disk full"),
			},
			expected: "storage operation 'snapshot_write' failed: write failed (caused by: disk full)",
		},
		{
			name: "error without cause",
			err: &ServiceError{
				Type:      ErrorTypeValidation,
				Operation: "record_referral",
				Message:   "self referral",
			},
			expected: "validation operation 'record_referral' failed: self referral",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("ServiceError.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestServiceError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, ErrorTypeNetwork, "fetch_profile", "fetch failed")

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	if (&ServiceError{}).Unwrap() != nil {
		t.Error("Unwrap() without cause should be nil")
	}
}

func TestServiceError_WithContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "push_profile", "update failed").
		WithContext("user_id", "u1").
		WithContext("attempt", 2)

	if len(err.Context) != 2 {
		t.Fatalf("Expected 2 context items, got %d", len(err.Context))
	}
	if err.Context["user_id"] != "u1" {
		t.Errorf("Expected user_id = 'u1', got %v", err.Context["user_id"])
	}
	if err.Context["attempt"] != 2 {
		t.Errorf("Expected attempt = 2, got %v", err.Context["attempt"])
	}
}

func TestNew(t *testing.T) {
	err := New(ErrorTypeValidation, "start", "already running")

	if err.Type != ErrorTypeValidation {
		t.Errorf("Expected type %v, got %v", ErrorTypeValidation, err.Type)
	}
	if err.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
	if err.Retryable {
		t.Error("Expected validation error to not be retryable")
	}

	if !New(ErrorTypeMessaging, "publish", "broker down").Retryable {
		t.Error("Expected messaging error to be retryable")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("Expected nil when wrapping nil error")
	}

	inner := New(ErrorTypeNetwork, "dial", "refused")
	outer := Wrap(inner, ErrorTypeDatabase, "fetch_profile", "query failed")
	if outer.Cause != inner {
		t.Error("Expected wrapped ServiceError as cause")
	}
	if !outer.Retryable {
		t.Error("Wrapping keeps the inner retryability")
	}

	timeout := Wrap(context.DeadlineExceeded, ErrorTypeTimeout, "fetch_profile", "deadline")
	if !timeout.Retryable {
		t.Error("Expected explicit timeout wrap to be retryable")
	}

	plain := Wrap(context.DeadlineExceeded, ErrorTypeNetwork, "fetch_profile", "deadline")
	if plain.Retryable {
		t.Error("Expected bare deadline under network type to not be retryable")
	}
}

func TestIsType(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrorTypeStorage, "read", "corrupt"))

	if !IsType(err, ErrorTypeStorage) {
		t.Error("Expected IsType to see through fmt wrapping")
	}
	if IsType(err, ErrorTypeDatabase) {
		t.Error("Expected IsType to return false for non-matching type")
	}
	if IsType(errors.New("plain"), ErrorTypeStorage) {
		t.Error("Expected IsType to return false for regular error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"network type", New(ErrorTypeNetwork, "op", "msg"), true},
		{"validation type", New(ErrorTypeValidation, "op", "msg"), false},
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"sqlite busy", errors.New("database is locked"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"unknown error", errors.New("unknown error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetContext(t *testing.T) {
	err := New(ErrorTypeDatabase, "test", "test").WithContext("key1", "value1")

	if ctx := GetContext(err); ctx["key1"] != "value1" {
		t.Errorf("Expected key1 = 'value1', got %v", ctx["key1"])
	}
	if ctx := GetContext(errors.New("regular error")); ctx != nil {
		t.Errorf("Expected nil context for regular error, got %v", ctx)
	}
}
