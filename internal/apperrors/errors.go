// Package apperrors defines the error taxonomy shared by the ingest API and
// the stage workers. Every failure that reaches a job row is classified into
// one of these codes so the commit/fail branch of a worker is an exhaustive
// switch rather than a blanket catch.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are persisted verbatim into the
// job's error_code column.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeExternalTool  Code = "EXTERNAL_TOOL"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodePersistence   Code = "PERSISTENCE"
)

// maxMessageLen bounds the human-readable message persisted with a failed
// job. External tool output can be arbitrarily long.
const maxMessageLen = 500

// Error carries a taxonomy code alongside the wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match two taxonomy errors by code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New builds a taxonomy error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and context to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation, ExternalTool, etc. are shorthand constructors for the common
// call sites.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func ExternalTool(err error, format string, args ...any) *Error {
	return Wrap(CodeExternalTool, err, format, args...)
}

func QuotaExceeded(format string, args ...any) *Error {
	return New(CodeQuotaExceeded, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func StateConflict(format string, args ...any) *Error {
	return New(CodeStateConflict, format, args...)
}

func Persistence(err error, format string, args ...any) *Error {
	return Wrap(CodePersistence, err, format, args...)
}

// CodeOf extracts the taxonomy code from err, defaulting to EXTERNAL_TOOL:
// anything unclassified that escapes a transform came from the outside world.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExternalTool
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Truncate bounds a message for storage in the job row.
func Truncate(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxMessageLen {
		return msg
	}
	return string(runes[:maxMessageLen])
}
