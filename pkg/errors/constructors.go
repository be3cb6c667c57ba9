package errors

import (
	"fmt"
)

// New creates a new Error with the specified code and message.
//
// Example:
//
//	err := errors.New(errors.CodeAuthenticationInvalid, "token is malformed")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with the specified code and formatted message.
//
// Example:
//
//	err := errors.Newf(errors.CodeAuthenticationAlgorithm, "algorithm %q is not supported", alg)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context. If err is nil,
// Wrap returns nil.
//
// Example:
//
//	keys, err := fetcher.FetchJWKS(ctx)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeKeyRemoteFailed, "failed to load JWKS")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with a formatted message. If err is nil,
// Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validation creates a new validation error.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Unauthorized creates a new general authentication error.
func Unauthorized(message string) *Error {
	return New(CodeAuthentication, message)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// Internalf creates a new internal error with a formatted message.
func Internalf(format string, args ...any) *Error {
	return Newf(CodeInternal, format, args...)
}

// Configuration creates a new configuration error. Configuration errors
// are fatal: the authenticator propagates them to the caller instead of
// producing a signed-out verdict.
func Configuration(message string) *Error {
	return New(CodeInternalConfiguration, message)
}

// Unavailable creates a new service unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Timeout creates a new timeout error.
func Timeout(message string) *Error {
	return New(CodeTimeout, message)
}
