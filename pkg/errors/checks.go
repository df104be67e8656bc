package errors

import (
	"errors"
)

// AsError finds the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries exactly code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a VAL error.
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is an AUTH error.
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization reports whether err is an AUTHZ error.
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsNotFound reports whether err is an NF error.
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsConflict reports whether err is a CONF error.
func IsConflict(err error) bool { return hasCategory(err, "CONF") }

// IsInternal reports whether err is an INT error.
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsInvariant reports whether err is an INV error. The engine moves an
// incident to FAILED when a step returns one.
func IsInvariant(err error) bool { return hasCategory(err, "INV") }

// IsUnavailable reports whether err is an UNAVAIL error.
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a TIMEOUT error.
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsAmbiguous reports whether err leaves the side effect of an action
// unknown. Every timeout is ambiguous.
func IsAmbiguous(err error) bool {
	return IsTimeout(err)
}

// IsRetryable reports whether the failed operation may be attempted again.
// Timeout and unavailable errors are retryable; callers that must not
// repeat an indeterminate call check [IsUnavailable] instead.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "UNAVAIL":
		return true
	default:
		return false
	}
}
