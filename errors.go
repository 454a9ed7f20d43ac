package memscat

import (
	"errors"
	"fmt"
)

// ErrorCode is the high-level error category surfaced to callers, per
// spec.md §7.
type ErrorCode string

const (
	ErrCodeInvalidArgument ErrorCode = "invalid argument"
	ErrCodeWritesDisabled  ErrorCode = "writes disabled"
	ErrCodeExecutionFailed ErrorCode = "execution failed"
	ErrCodePartialResult   ErrorCode = "partial result"
	ErrCodeDisposed        ErrorCode = "disposed"
	ErrCodePointerInvalid  ErrorCode = "pointer invalid"
	ErrCodeBackendFatal    ErrorCode = "backend fatal"
)

// Error is a structured memscat error with enough context (target, op,
// wrapped cause) to diagnose a failed scatter operation without parsing a
// message string.
type Error struct {
	Op     string    // operation that failed (e.g. "PrepareRead", "Execute")
	Target Target    // target the Handle/Map was operating on
	Code   ErrorCode // high-level error category
	Msg    string    // human-readable message
	Inner  error     // wrapped cause, if any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("memscat: %s (op=%s target=%#x)", msg, e.Op, uint32(e.Target))
	}
	return fmt.Sprintf("memscat: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison against another *Error by Code.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a structured error.
func NewError(op string, target Target, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Target: target, Code: code, Msg: msg}
}

// WrapError wraps an existing error with memscat context, preserving the
// inner error's code if it is already a *Error.
func WrapError(op string, target Target, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Target: target, Code: ie.Code, Msg: ie.Msg, Inner: ie}
	}
	return &Error{Op: op, Target: target, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

var (
	// ErrWritesDisabled carries the WritesDisabled code. Write-prepare
	// operations do not return it: they report a switched-off
	// process-wide memory-write switch by returning false.
	ErrWritesDisabled = &Error{Code: ErrCodeWritesDisabled, Msg: string(ErrCodeWritesDisabled)}

	// ErrDisposed is returned by any operation on a closed Handle or Map.
	ErrDisposed = &Error{Code: ErrCodeDisposed, Msg: string(ErrCodeDisposed)}

	// ErrExecutionFailed is returned when the backend round-trip fails.
	ErrExecutionFailed = &Error{Code: ErrCodeExecutionFailed, Msg: string(ErrCodeExecutionFailed)}

	// ErrInvalidArgument matches (via errors.Is) the argument errors of
	// NewHandle, NewHandleWithResource and Clear. Prepare-time validation
	// failures return false instead of an error.
	ErrInvalidArgument = &Error{Code: ErrCodeInvalidArgument, Msg: string(ErrCodeInvalidArgument)}
)
