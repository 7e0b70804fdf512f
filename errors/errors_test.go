package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Creation
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"unavailable", ErrCodeUnavailable, CategoryTransient, true},
		{"persistence", ErrCodePersistence, CategoryTransient, true},
		{"invalid", ErrCodeInvalidInput, CategoryPermanent, false},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"conflict", ErrCodeConflict, CategoryPermanent, false},
		{"internal", ErrCodeInternal, CategoryInternal, false},
		{"unknown", ErrorCode("BOGUS"), CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeNotFound, "job %s not found", "j1")
	if err.Error() != "job j1 not found" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestDescription(t *testing.T) {
	if ErrCodePersistence.Description() != "job store failure" {
		t.Errorf("Description() = %q", ErrCodePersistence.Description())
	}
	if ErrorCode("X").Description() != "unknown error" {
		t.Error("unknown code should describe as unknown error")
	}
}

// ============================================================================
// 2. Submit-path constructors
// ============================================================================

func TestValidation(t *testing.T) {
	err := Validation("task type is required")
	if !Is(err, ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %s", err.Code())
	}
	if IsRetryable(err) {
		t.Error("validation errors are not retryable")
	}
}

func TestTransport(t *testing.T) {
	cause := fmt.Errorf("nats: connection closed")
	err := Transport("publish task.data", cause, WithJobID("j1"))

	if err.Code() != ErrCodeUnavailable {
		t.Errorf("Code() = %s", err.Code())
	}
	if err.JobID() != "j1" {
		t.Errorf("JobID() = %q", err.JobID())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable with errors.Is")
	}
	if err.Error() != "publish task.data: nats: connection closed" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Message() != "publish task.data" {
		t.Errorf("Message() = %q", err.Message())
	}
}

func TestPersistence(t *testing.T) {
	err := Persistence("create job", fmt.Errorf("disk full"))
	if !Is(err, ErrCodePersistence) || !IsRetryable(err) {
		t.Errorf("unexpected persistence error shape: %v", err)
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := Transport("publish", nil, WithRetryable(false))
	if err.Retryable() {
		t.Error("override should win over category default")
	}
}

func TestMetadataImmutability(t *testing.T) {
	err := New(ErrCodeConflict, "refused", WithMetadata("status", "completed"))
	md := err.Metadata()
	md["status"] = "mutated"
	if err.Metadata()["status"] != "completed" {
		t.Error("Metadata() must return a copy")
	}
	if len(New(ErrCodeInternal, "x").Metadata()) != 0 {
		t.Error("nil metadata should return empty map")
	}
}

// ============================================================================
// 3. Wrapping
// ============================================================================

func TestWrap(t *testing.T) {
	plain := fmt.Errorf("boom")
	err := Wrap(plain, "context")
	if err.Code() != ErrCodeInternal {
		t.Errorf("plain errors wrap as INTERNAL, got %s", err.Code())
	}
	if !errors.Is(err, plain) {
		t.Error("wrapped chain should contain cause")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, ErrCodeInternal, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := Persistence("update status", fmt.Errorf("locked"), WithJobID("j9"), WithMetadata("k", "v"))
	err := Wrap(inner, "collector")

	if err.Code() != ErrCodePersistence {
		t.Errorf("Code() = %s, want PERSISTENCE", err.Code())
	}
	if err.JobID() != "j9" {
		t.Errorf("JobID() = %q", err.JobID())
	}
	if err.Metadata()["k"] != "v" {
		t.Error("metadata should be preserved")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if Code(Wrap(context.DeadlineExceeded, "x")) != ErrCodeTimeout {
		t.Error("deadline should map to TIMEOUT")
	}
	if Code(Wrap(context.Canceled, "x")) != ErrCodeCanceled {
		t.Error("cancel should map to CANCELED")
	}
}

func TestWrapf(t *testing.T) {
	err := Wrapf(fmt.Errorf("x"), "job %s", "j1")
	if err.Message() != "job j1" {
		t.Errorf("Message() = %q", err.Message())
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("x"), ErrCodeNotFound, "lookup")
	if err.Code() != ErrCodeNotFound {
		t.Errorf("Code() = %s", err.Code())
	}
}

// ============================================================================
// 4. Predicates on plain errors
// ============================================================================

func TestPredicatesOnPlainErrors(t *testing.T) {
	plain := fmt.Errorf("plain")
	if Is(plain, ErrCodeInternal) {
		t.Error("Is on plain error should be false")
	}
	if IsCategory(plain, CategoryInternal) {
		t.Error("IsCategory on plain error should be false")
	}
	if IsRetryable(plain) {
		t.Error("plain errors are not retryable")
	}
	if Code(plain) != "" {
		t.Error("Code on plain error should be empty")
	}
	if GetMetadata(plain) != nil {
		t.Error("GetMetadata on plain error should be nil")
	}
	if As(plain) != nil {
		t.Error("As on plain error should be nil")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("job j1"))
	if !Is(err, ErrCodeNotFound) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
	if !IsCategory(err, CategoryPermanent) {
		t.Error("IsCategory should see through fmt.Errorf wrapping")
	}
}

// ============================================================================
// 5. JSON
// ============================================================================

func TestMarshalJSON(t *testing.T) {
	err := Transport("publish task.data", fmt.Errorf("down"), WithJobID("j1"))

	data, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("Marshal: %v", mErr)
	}

	var got map[string]interface{}
	if uErr := json.Unmarshal(data, &got); uErr != nil {
		t.Fatalf("Unmarshal: %v", uErr)
	}
	if got["code"] != "UNAVAILABLE" {
		t.Errorf("code = %v", got["code"])
	}
	if got["job_id"] != "j1" {
		t.Errorf("job_id = %v", got["job_id"])
	}
	if got["cause"] != "down" {
		t.Errorf("cause = %v", got["cause"])
	}
	if got["retryable"] != true {
		t.Errorf("retryable = %v", got["retryable"])
	}
}
