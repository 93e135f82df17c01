package database

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a store failure for the wire envelope.
type ErrorCode string

const (
	CodeValidation ErrorCode = "validation_error"
	CodeConflict   ErrorCode = "conflict"
	CodeNotFound   ErrorCode = "not_found"
	CodeStorage    ErrorCode = "storage_error"
)

// Error is the only error type that crosses the store boundary.
// Underlying driver errors are wrapped, never returned raw.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func conflictError(name string) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf("entity %q already exists", name)}
}

func storageError(op string, err error) *Error {
	return &Error{Code: CodeStorage, Message: op + " failed", cause: err}
}

// CodeOf extracts the classification from any error returned by this
// package. Unclassified errors report as storage failures.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeStorage
}

// IsConflict reports whether err is a duplicate-key failure.
func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}
