// Package apperr defines the typed error taxonomy that crosses layer
// boundaries in place of exceptions, following the teacher's convention of
// translating a small closed set of error kinds to HTTP status at the
// handler boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRetriable  Kind = "retriable"
	KindInternal   Kind = "internal"
	KindDeadline   Kind = "deadline_exceeded"
)

// Error is the concrete error type carrying a Kind, a human message, and an
// optional retry hint.
type Error struct {
	Kind    Kind
	Message string
	Retry   bool
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func new_(kind Kind, retry bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retry: retry}
}

func Validation(format string, args ...any) *Error { return new_(KindValidation, false, format, args...) }
func Auth(format string, args ...any) *Error       { return new_(KindAuth, false, format, args...) }
func NotFound(format string, args ...any) *Error   { return new_(KindNotFound, false, format, args...) }
func Conflict(format string, args ...any) *Error   { return new_(KindConflict, true, format, args...) }
func Retriable(format string, args ...any) *Error  { return new_(KindRetriable, true, format, args...) }
func Internal(format string, args ...any) *Error   { return new_(KindInternal, false, format, args...) }
func Deadline(format string, args ...any) *Error   { return new_(KindDeadline, false, format, args...) }

// Wrap attaches kind and message context to an underlying error while
// preserving it for errors.Is/As.
func Wrap(kind Kind, retry bool, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retry: retry, cause: err}
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
