package errors

import (
	"fmt"
	"net/http"
)

// Error represents a structured error with a code, message, and optional
// cause. Errors are never mutated after creation; the With* methods return
// copies.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_002").
	Code Code

	// Message is the human-readable error message. It must not contain
	// token material or credentials.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Details contains additional structured data, such as the list of
	// key ids available in a fetched key set.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for this error. Key errors that
// indicate a broken deployment map to 500; the rest of the KEY category
// maps to 401 like other token failures.
func (e *Error) HTTPStatus() int {
	if isFatalCode(e.Code) {
		return http.StatusInternalServerError
	}
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH", "KEY", "MT", "HS":
		return http.StatusUnauthorized
	case "INT":
		return http.StatusInternalServerError
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetails returns a new Error with the specified details merged in.
func (e *Error) WithDetails(details map[string]any) *Error {
	newDetails := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		newDetails[k] = v
	}
	for k, v := range details {
		newDetails[k] = v
	}
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: newDetails,
	}
}

// WithDetail returns a new Error with a single detail key-value pair added.
func (e *Error) WithDetail(key string, value any) *Error {
	return e.WithDetails(map[string]any{key: value})
}

// Format implements fmt.Formatter. Use %+v to include details and the
// cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
