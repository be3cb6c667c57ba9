package errors

import (
	"errors"
)

// AsError attempts to convert an error to an *Error, traversing the error
// chain with errors.As.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the error code from an error, or "" if err is nil or
// not an *Error.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode checks if an error has the specified error code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a validation error (VAL_xxx).
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is a token authentication error
// (AUTH_xxx).
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsKey reports whether err is a key resolution error (KEY_xxx).
func IsKey(err error) bool { return hasCategory(err, "KEY") }

// IsMachineToken reports whether err is a machine-token error (MT_xxx).
func IsMachineToken(err error) bool { return hasCategory(err, "MT") }

// IsHandshake reports whether err is a handshake protocol error (HS_xxx).
func IsHandshake(err error) bool { return hasCategory(err, "HS") }

// IsInternal reports whether err is an internal error (INT_xxx).
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports whether err is a service unavailable error
// (UNAVAIL_xxx).
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsRetryable reports whether err is potentially retryable. Timeout and
// unavailable errors are retryable; everything else is not.
//
// Example:
//
//	if !errors.IsRetryable(err) {
//	    return backoff.Permanent(err)
//	}
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

// IsFatal reports whether err indicates that the deployment itself is
// broken (missing or rejected credentials, no signing keys, no local key)
// rather than that the end user is unauthenticated.
func IsFatal(err error) bool {
	e, ok := AsError(err)
	return ok && isFatalCode(e.Code)
}

func isFatalCode(code Code) bool {
	switch code {
	case CodeInternalConfiguration, CodeKeyInvalidCredential, CodeKeySetEmpty, CodeKeyLocalMissing:
		return true
	default:
		return false
	}
}

// IsTokenTiming reports whether err is an expiry or activation-time claim
// failure (exp passed, nbf or iat in the future). Such failures give the
// client a chance to refresh instead of being signed out.
func IsTokenTiming(err error) bool {
	switch GetCode(err) {
	case CodeAuthenticationExpired, CodeAuthenticationNotActive, CodeAuthenticationIssuedInFuture:
		return true
	default:
		return false
	}
}
