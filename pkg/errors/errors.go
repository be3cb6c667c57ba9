// Package errors provides the structured error type shared by every
// authgate package. Each error carries a machine-readable [Code] so that
// the request authenticator can turn verification failures into stable
// reason codes, and so that operators can tell a broken deployment apart
// from an unauthenticated end user.
//
// # Error Categories
//
//   - Validation errors: invalid options or configuration input
//   - Authentication errors: malformed tokens, failed claims, bad signatures
//   - Key errors: signing keys that cannot be resolved
//   - Machine-token errors: API keys, M2M and OAuth tokens rejected remotely
//   - Handshake errors: the redirect protocol could not complete
//   - Internal errors: unexpected failures and configuration mistakes
//   - Unavailable errors: the remote authority is temporarily unavailable
//   - Timeout errors: a remote call exceeded its deadline
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_NNN (e.g., "AUTH_002", "KEY_004"). A
// code never changes meaning once assigned.
//
// # Usage
//
//	err := errors.New(errors.CodeAuthenticationExpired, "token has expired")
//
//	if errors.IsFatal(err) {
//	    // the deployment is misconfigured; fail the request hard
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("authentication failed", "code", e.Code, "message", e.Message)
//	}
package errors
