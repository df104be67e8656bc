package errors

import (
	"context"
	"errors"
	"fmt"
)

// New creates an Error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. Wrap returns nil if err is nil.
//
//	if err := pool.Ping(ctx); err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableDependency, "postgres: ping failed")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Validation creates a CodeValidation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a CodeValidation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFoundf creates a CodeNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Conflictf creates a CodeConflict error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// Internalf creates a CodeInternal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Invariantf creates a CodeInvariantViolation error. Incidents that hit an
// invariant error are moved to FAILED.
func Invariantf(format string, args ...any) *Error {
	return Newf(CodeInvariantViolation, format, args...)
}

// FromContext classifies a context error. A deadline becomes the supplied
// timeout code; cancellation becomes CodeInternal because the caller
// abandoned the call and retrying it is pointless. Other errors are
// returned unchanged by FromError.
func FromContext(err error, timeoutCode Code, message string) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, timeoutCode, message)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, CodeInternal, message)
	}
	return FromError(err)
}

// FromError returns err as an *Error, wrapping foreign errors as
// CodeInternal.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
