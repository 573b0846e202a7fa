package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorToCode(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{&ShapeError{Expected: 3, Actual: 2}, CodeShape},
		{fmt.Errorf("wrapped: %w", &RangeError{Start: 5, End: 1}), CodeRange},
		{Medium("flush", errors.New("disk full")), CodeMedium},
		{Medium("lock", ErrBackingInUse), CodeBackingInUse},
		{ConnectionLost(errors.New("EOF")), CodeConnectionLost},
		{ErrHandleInvalid, CodeHandleInvalid},
		{ErrClosed, CodeHandleInvalid},
		{NewValidation("chunk_size", "must be positive"), CodeInvalidConfig},
		{errors.New("something else"), CodeInternal},
		{nil, CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(CodeName(tt.want), func(t *testing.T) {
			if got := ErrorToCode(tt.err); got != tt.want {
				t.Errorf("ErrorToCode(%v) = %s, want %s", tt.err, CodeName(got), CodeName(tt.want))
			}
		})
	}
}

func TestRemoteErrorUnwrap(t *testing.T) {
	codes := []struct {
		code     int32
		sentinel error
	}{
		{CodeShape, ErrShape},
		{CodeRange, ErrRange},
		{CodeMedium, ErrMedium},
		{CodeConnectionLost, ErrConnectionLost},
		{CodeHandleInvalid, ErrHandleInvalid},
		{CodeInvalidConfig, ErrInvalidConfig},
		{CodeInternal, ErrInternal},
		{99, ErrInternal},
	}

	for _, c := range codes {
		err := error(&RemoteError{Code: c.code, Message: "remote"})
		if !Is(err, c.sentinel) {
			t.Errorf("RemoteError{%s} does not match %v", CodeName(c.code), c.sentinel)
		}
		if err.Error() != "remote" {
			t.Errorf("Error() = %q, want remote", err.Error())
		}
	}

	inUse := error(&RemoteError{Code: CodeBackingInUse})
	if !Is(inUse, ErrBackingInUse) || !Is(inUse, ErrMedium) {
		t.Errorf("BackingInUse remote error should match ErrBackingInUse and ErrMedium")
	}
}

func TestRoundTripThroughCode(t *testing.T) {
	for _, err := range []error{ErrShape, ErrRange, ErrMedium, ErrConnectionLost, ErrHandleInvalid, ErrInvalidConfig} {
		remote := &RemoteError{Code: ErrorToCode(err), Message: err.Error()}
		if !Is(remote, err) {
			t.Errorf("%v does not survive the code mapping", err)
		}
	}
}

func TestMediumWrapping(t *testing.T) {
	if Medium("op", nil) != nil {
		t.Error("Medium(nil) should be nil")
	}

	base := errors.New("io failure")
	err := Medium("write", base)
	if !Is(err, ErrMedium) || !Is(err, base) {
		t.Errorf("Medium() = %v should match ErrMedium and the cause", err)
	}

	twice := Medium("flush", err)
	if twice.Error() != "flush: "+err.Error() {
		t.Errorf("Medium() on medium error = %q", twice.Error())
	}
}

func TestConnectionLost(t *testing.T) {
	if ConnectionLost(nil) != ErrConnectionLost {
		t.Error("ConnectionLost(nil) should be the sentinel")
	}

	err := ConnectionLost(errors.New("broken pipe"))
	if !Is(err, ErrConnectionLost) {
		t.Errorf("ConnectionLost() = %v, want ErrConnectionLost", err)
	}
	if ConnectionLost(err) != err {
		t.Error("ConnectionLost() should not wrap twice")
	}
}

func TestIsCallerError(t *testing.T) {
	if !IsCallerError(&ShapeError{}) || !IsCallerError(&RangeError{}) || !IsCallerError(ErrHandleInvalid) {
		t.Error("shape, range and handle errors are caller errors")
	}
	if IsCallerError(Medium("x", errors.New("y"))) {
		t.Error("medium errors are not caller errors")
	}
	if !IsRetriable(Medium("x", ErrBackingInUse)) {
		t.Error("backing in use should be retriable")
	}
	if IsRetriable(ErrShape) {
		t.Error("shape errors are not retriable")
	}
	if !IsCallerError(&RemoteError{Code: CodeTooLarge, Message: "too large"}) {
		t.Error("remote too-large errors are caller errors")
	}
	if !IsRetriable(&RemoteError{Code: CodeBackingInUse, Message: "in use"}) {
		t.Error("remote backing-in-use errors should be retriable")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Error("empty ValidationErrors should be nil error")
	}

	v.Add(nil)
	v.AddField("chunk_size", "must be positive")
	v.Add(NewInvalidValue("medium", "tape", "unknown"))

	if !v.HasErrors() || len(v.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(v.Errors))
	}

	err := v.Err()
	if !Is(err, ErrInvalidConfig) {
		t.Errorf("ValidationErrors should match ErrInvalidConfig: %v", err)
	}
	if got := err.Error(); got == "" {
		t.Error("Error() is empty")
	}
}
