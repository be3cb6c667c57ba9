package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_NNN where CATEGORY is a short identifier (e.g., AUTH, KEY) and
// NNN is a three-digit number.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Token authentication errors (401 Unauthorized)
//	KEY_xxx     - Signing key resolution errors (401, or 500 when fatal)
//	MT_xxx      - Machine-token verification errors (401)
//	HS_xxx      - Handshake protocol errors (401)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Remote authority unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Remote call timed out (504 Gateway Timeout)
const (
	// Validation errors (VAL_xxx).

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required value is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a value has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside its acceptable range.
	CodeValidationRange Code = "VAL_004"

	// Authentication errors (AUTH_xxx). Structural, claim and signature
	// failures of a token.

	// CodeAuthentication indicates a general token verification failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the token's exp claim has passed.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token is malformed.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationNotActive indicates the token's nbf claim is in
	// the future.
	CodeAuthenticationNotActive Code = "AUTH_004"

	// CodeAuthenticationIssuedInFuture indicates the token's iat claim is
	// in the future.
	CodeAuthenticationIssuedInFuture Code = "AUTH_005"

	// CodeAuthenticationAlgorithm indicates the token's alg header is not
	// in the supported allowlist.
	CodeAuthenticationAlgorithm Code = "AUTH_006"

	// CodeAuthenticationSignature indicates the key resolved but the
	// signature did not verify.
	CodeAuthenticationSignature Code = "AUTH_007"

	// CodeAuthenticationSubject indicates the sub claim is missing.
	CodeAuthenticationSubject Code = "AUTH_008"

	// CodeAuthenticationAudience indicates the aud claim does not
	// intersect the configured audience.
	CodeAuthenticationAudience Code = "AUTH_009"

	// CodeAuthenticationAuthorizedParty indicates the azp claim is not in
	// the configured allowlist.
	CodeAuthenticationAuthorizedParty Code = "AUTH_010"

	// CodeAuthenticationTokenType indicates the token's typ header, or its
	// classified kind, is not acceptable for this call.
	CodeAuthenticationTokenType Code = "AUTH_011"

	// Key errors (KEY_xxx). The verification key could not be resolved.

	// CodeKeyLocalMissing indicates no local key was configured or the
	// configured PEM could not be parsed.
	CodeKeyLocalMissing Code = "KEY_001"

	// CodeKeyNotFound indicates the fetched key set does not contain the
	// requested kid.
	CodeKeyNotFound Code = "KEY_002"

	// CodeKeyRemoteFailed indicates the remote key set could not be
	// loaded after all retry attempts.
	CodeKeyRemoteFailed Code = "KEY_003"

	// CodeKeyInvalidCredential indicates the remote authority rejected
	// the secret key used to fetch the key set.
	CodeKeyInvalidCredential Code = "KEY_004"

	// CodeKeySetEmpty indicates the remote authority returned no signing
	// keys at all.
	CodeKeySetEmpty Code = "KEY_005"

	// Machine-token errors (MT_xxx).

	// CodeMachineTokenInvalid indicates the remote authority rejected the
	// machine token (HTTP 401), or reported it revoked or expired.
	CodeMachineTokenInvalid Code = "MT_001"

	// CodeMachineTokenNotFound indicates the remote authority does not
	// know the machine token (HTTP 404).
	CodeMachineTokenNotFound Code = "MT_002"

	// CodeMachineTokenUnexpected indicates any other remote failure.
	CodeMachineTokenUnexpected Code = "MT_003"

	// Handshake errors (HS_xxx).

	// CodeHandshakeRedirectLoop indicates the redirect-loop ceiling was
	// reached without a definitive state.
	CodeHandshakeRedirectLoop Code = "HS_001"

	// CodeHandshakeMissingSession indicates the handshake payload did not
	// set a session cookie.
	CodeHandshakeMissingSession Code = "HS_002"

	// CodeHandshakePayloadInvalid indicates the handshake payload could
	// not be fetched or decoded.
	CodeHandshakePayloadInvalid Code = "HS_003"

	// Internal errors (INT_xxx).

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalConfiguration indicates the deployment itself is
	// misconfigured (e.g., missing secret key).
	CodeInternalConfiguration Code = "INT_003"

	// Unavailable errors (UNAVAIL_xxx).

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates the remote authority answered
	// with a retryable status or could not be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx).

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDependency indicates a call to the remote authority
	// timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
