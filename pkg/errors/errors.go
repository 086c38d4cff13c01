// Package errors provides structured error handling for flatetl
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeExtraction represents unreadable, malformed or missing sources
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeTransform represents unresolvable type or column conflicts
	ErrorTypeTransform ErrorType = "transform"
	// ErrorTypeLoad represents connection, constraint or schema failures in the destination
	ErrorTypeLoad ErrorType = "load"
	// ErrorTypeCancelled represents an external abort. It is not a defect.
	ErrorTypeCancelled ErrorType = "cancelled"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
)

// Error represents a structured error with context
type Error struct {
	Type      ErrorType
	Message   string
	Cause     error
	Details   map[string]interface{}
	Stack     []StackFrame
	permanent bool
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Permanent marks the error as deterministic: retrying the operation
// cannot change the result.
func (e *Error) Permanent() *Error {
	e.permanent = true
	return e
}

// IsPermanent reports whether the error was marked with Permanent.
func (e *Error) IsPermanent() bool {
	return e.permanent
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack and permanence
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:      errType,
			Message:   message,
			Cause:     err,
			Stack:     existingErr.Stack,
			permanent: existingErr.permanent,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Cancelled wraps a context error as a cancellation signal.
func Cancelled(err error) *Error {
	if err == nil {
		err = context.Canceled
	}
	return &Error{
		Type:    ErrorTypeCancelled,
		Message: "operation cancelled",
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable.
//
// Cancellation, configuration errors and errors marked Permanent are never
// retried. Stage errors and transient infrastructure errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) {
		return false
	}

	// Any deterministic link in the chain makes the whole error deterministic.
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.permanent {
			return false
		}
		if e.Type == ErrorTypeConfig {
			return false
		}
		err = e.Cause
	}
	return true
}

// IsCancelled reports whether err is a cancellation signal, either typed
// or a bare context error.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if IsType(err, ErrorTypeCancelled) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsType checks if the error is of the given type. The whole chain is
// searched, so a load error wrapping a config error matches both.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the outermost ErrorType in the chain, or ErrorTypeInternal
// for foreign errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
