// Package errors defines the error kinds shared by the buffer, the hosted
// server and its clients.
//
// This file provides:
// - Wire protocol error codes
// - Sentinel errors for every error kind
// - Typed errors carrying shape and range details
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Wire protocol error codes - carried in error frames
// ============================================================================

const (
	CodeUnknown        int32 = 1
	CodeInvalidConfig  int32 = 4
	CodeInternal       int32 = 7
	CodeShape          int32 = 20
	CodeRange          int32 = 21
	CodeMedium         int32 = 22
	CodeConnectionLost int32 = 23
	CodeHandleInvalid  int32 = 24
	CodeBackingInUse   int32 = 25
	CodeTooLarge       int32 = 26
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidConfig:
		return "InvalidConfig"
	case CodeInternal:
		return "Internal"
	case CodeShape:
		return "Shape"
	case CodeRange:
		return "Range"
	case CodeMedium:
		return "Medium"
	case CodeConnectionLost:
		return "ConnectionLost"
	case CodeHandleInvalid:
		return "HandleInvalid"
	case CodeBackingInUse:
		return "BackingInUse"
	case CodeTooLarge:
		return "TooLarge"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrShape is returned when a record's channel count does not match the buffer.
	ErrShape = errors.New("record shape mismatch")

	// ErrRange is returned for invalid query bounds.
	ErrRange = errors.New("invalid query range")

	// ErrMedium is returned when the durable medium fails to open, write, read or close.
	ErrMedium = errors.New("durable medium error")

	// ErrConnectionLost is returned when a hosted buffer is unreachable or has exited.
	ErrConnectionLost = errors.New("connection lost")

	// ErrHandleInvalid is returned for operations on a stopped or unknown handle.
	ErrHandleInvalid = errors.New("invalid handle")

	// ErrBackingInUse is returned when another live buffer owns the backing name.
	ErrBackingInUse = errors.New("backing medium in use")

	// ErrTooLarge is returned when a message does not fit into one frame.
	ErrTooLarge = errors.New("message too large")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrClosed        = errors.New("buffer is closed")
	ErrInternal      = errors.New("internal error")
)

// ============================================================================
// Typed errors
// ============================================================================

// ShapeError reports a record whose value count differs from the channel count.
type ShapeError struct {
	Expected int
	Actual   int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: expected %d channel values, got %d", ErrShape, e.Expected, e.Actual)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

// RangeError reports query bounds that cannot be served.
type RangeError struct {
	Start int64
	End   int64
	Count int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: [%d, %d) with %d records", ErrRange, e.Start, e.End, e.Count)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsCallerError returns true if err was caused by invalid input from the caller.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrShape) ||
		errors.Is(err, ErrRange) ||
		errors.Is(err, ErrHandleInvalid) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrTooLarge)
}

// IsRetriable returns true if the calling layer may reasonably retry.
// Nothing in this module retries on its own.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrMedium) || errors.Is(err, ErrBackingInUse)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps an error to its wire protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case Is(err, ErrShape):
		return CodeShape
	case Is(err, ErrRange):
		return CodeRange
	case Is(err, ErrBackingInUse):
		return CodeBackingInUse
	case Is(err, ErrMedium):
		return CodeMedium
	case Is(err, ErrConnectionLost):
		return CodeConnectionLost
	case Is(err, ErrHandleInvalid), Is(err, ErrClosed):
		return CodeHandleInvalid
	case Is(err, ErrInvalidConfig):
		return CodeInvalidConfig
	case Is(err, ErrTooLarge):
		return CodeTooLarge
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeShape:
		return ErrShape
	case CodeRange:
		return ErrRange
	case CodeMedium:
		return ErrMedium
	case CodeConnectionLost:
		return ErrConnectionLost
	case CodeHandleInvalid:
		return ErrHandleInvalid
	case CodeBackingInUse:
		return ErrBackingInUse
	case CodeInvalidConfig:
		return ErrInvalidConfig
	case CodeTooLarge:
		return ErrTooLarge
	default:
		return ErrInternal
	}
}

// RemoteError is an error received from a hosted buffer. It keeps the remote
// message and unwraps to the sentinel for its code.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	err := CodeToError(e.Code)
	// ErrBackingInUse is always reported together with ErrMedium.
	if err == ErrBackingInUse {
		return errors.Join(ErrBackingInUse, ErrMedium)
	}
	return err
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Medium wraps a durable-medium failure so it matches ErrMedium.
func Medium(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMedium) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrMedium, err)
}

// ConnectionLost wraps a transport failure so it matches ErrConnectionLost.
func ConnectionLost(err error) error {
	if err == nil {
		return ErrConnectionLost
	}
	if errors.Is(err, ErrConnectionLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
