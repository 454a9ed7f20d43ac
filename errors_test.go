package memscat

import (
	"errors"
	"fmt"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("PrepareRead", Target(42), ErrCodeInvalidArgument, "zero length read")

	if err.Op != "PrepareRead" {
		t.Errorf("Op = %q, want PrepareRead", err.Op)
	}
	if err.Code != ErrCodeInvalidArgument {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeInvalidArgument)
	}

	want := fmt.Sprintf("memscat: zero length read (op=PrepareRead target=%#x)", uint32(42))
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("backend offline")
	wrapped := WrapError("Execute", Target(1), ErrCodeExecutionFailed, inner)

	if wrapped.Inner != inner {
		t.Errorf("Inner = %v, want %v", wrapped.Inner, inner)
	}
	if !errors.Is(wrapped, ErrExecutionFailed) {
		t.Error("expected errors.Is to match ErrExecutionFailed by code")
	}
}

func TestWrapErrorPreservesCode(t *testing.T) {
	original := NewError("PrepareWrite", Target(1), ErrCodeWritesDisabled, "writes off")
	rewrapped := WrapError("Execute", Target(1), ErrCodeExecutionFailed, original)

	if rewrapped.Code != ErrCodeWritesDisabled {
		t.Errorf("Code = %q, want %q (should preserve inner code)", rewrapped.Code, ErrCodeWritesDisabled)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("Close", Target(0), ErrCodeDisposed, "already closed")
	if !IsCode(err, ErrCodeDisposed) {
		t.Error("expected IsCode to match ErrCodeDisposed")
	}
	if IsCode(err, ErrCodeBackendFatal) {
		t.Error("did not expect IsCode to match ErrCodeBackendFatal")
	}
}
