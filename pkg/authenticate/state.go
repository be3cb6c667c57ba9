package authenticate

import (
	"fmt"
	"net/http"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// Status is the verdict of one authentication attempt.
type Status string

const (
	StatusSignedIn  Status = "signed-in"
	StatusSignedOut Status = "signed-out"
	StatusHandshake Status = "handshake"
)

// Reason is the stable machine-readable code carried by signed-out and
// handshake verdicts.
type Reason string

// Reasons produced by the rule list.
const (
	ReasonSessionAndActivityMissing  Reason = "session-and-activity-missing"
	ReasonActivityMarkerMissing      Reason = "activity-marker-missing"
	ReasonSessionMissing             Reason = "session-missing"
	ReasonSessionTokenStale          Reason = "session-token-stale"
	ReasonSessionTokenExpired        Reason = "session-token-expired"
	ReasonSessionTokenNotActiveYet   Reason = "session-token-not-active-yet"
	ReasonDevBrowserMissing          Reason = "dev-browser-missing"
	ReasonDevBrowserSync             Reason = "dev-browser-sync"
	ReasonSatelliteNeedsSyncing      Reason = "satellite-needs-syncing"
	ReasonPrimaryRespondsToSyncing   Reason = "primary-responds-to-syncing"
	ReasonActiveOrganizationMismatch Reason = "active-organization-mismatch"
	ReasonHandshakeRedirectLoop      Reason = "handshake-redirect-loop"
	ReasonTokenTypeMismatch          Reason = "token-type-mismatch"
)

// Reasons derived from verification errors.
const (
	ReasonTokenExpired                Reason = "token-expired"
	ReasonTokenNotActiveYet           Reason = "token-not-active-yet"
	ReasonTokenIssuedInFuture         Reason = "token-iat-in-the-future"
	ReasonTokenInvalid                Reason = "token-invalid"
	ReasonTokenInvalidAlgorithm       Reason = "token-invalid-algorithm"
	ReasonTokenInvalidSignature       Reason = "token-invalid-signature"
	ReasonTokenInvalidSubject         Reason = "token-invalid-subject"
	ReasonTokenInvalidAudience        Reason = "token-invalid-audience"
	ReasonTokenInvalidAuthorizedParty Reason = "token-invalid-authorized-party"
	ReasonTokenInvalidType            Reason = "token-invalid-type"
	ReasonKeyNotFound                 Reason = "jwk-kid-mismatch"
	ReasonKeyFailedToLoad             Reason = "jwk-failed-to-load"
	ReasonMachineTokenInvalid         Reason = "machine-token-invalid"
	ReasonMachineTokenNotFound        Reason = "machine-token-not-found"
	ReasonMachineTokenUnexpected      Reason = "machine-token-unexpected-error"
	ReasonHandshakeSessionMissing     Reason = "handshake-session-missing"
	ReasonHandshakePayloadInvalid     Reason = "handshake-payload-invalid"
	ReasonVerificationFailed          Reason = "token-verification-failed"
)

// Token carriers named in composed messages.
const (
	carrierHeader = "header"
	carrierCookie = "cookie"
)

// RequestState is the verdict for one request.
type RequestState struct {
	Status Status
	// Reason is empty for signed-in verdicts.
	Reason Reason
	// Message is the composed operator diagnostic.
	Message string
	// Headers must be applied to the response: Location, Set-Cookie and
	// Cache-Control directives. Handshake verdicts always carry them;
	// signed-in and signed-out verdicts may, after a handshake.
	Headers http.Header

	// TokenType is the kind of credential that was verified.
	TokenType token.Type
	// Token and Claims are set for signed-in session tokens.
	Token  *token.Decoded
	Claims *token.Claims
	// Machine is set for signed-in machine tokens.
	Machine *token.Machine
}

// IsSignedIn reports whether the request is authenticated.
func (s *RequestState) IsSignedIn() bool { return s != nil && s.Status == StatusSignedIn }

// Subject returns the authenticated principal: the session subject or the
// machine token subject.
func (s *RequestState) Subject() string {
	switch {
	case s == nil:
		return ""
	case s.Claims != nil:
		return s.Claims.Subject
	case s.Machine != nil:
		return s.Machine.Subject
	default:
		return ""
	}
}

func signedIn(tt token.Type, d *token.Decoded, headers http.Header) *RequestState {
	st := &RequestState{Status: StatusSignedIn, TokenType: tt, Token: d, Headers: headers}
	if d != nil {
		st.Claims = d.Claims
	}
	return st
}

func signedOut(reason Reason, message, carrier string, headers http.Header) *RequestState {
	return &RequestState{
		Status:  StatusSignedOut,
		Reason:  reason,
		Message: composeMessage(message, reason, carrier),
		Headers: headers,
	}
}

// composeMessage renders "message. action (reason=..., token-carrier=...)".
func composeMessage(message string, reason Reason, carrier string) string {
	msg := message
	if action := actions[reason]; action != "" {
		msg += ". " + action
	}
	return fmt.Sprintf("%s (reason=%s, token-carrier=%s)", msg, reason, carrier)
}

var errorReasons = map[sserr.Code]Reason{
	sserr.CodeAuthenticationExpired:         ReasonTokenExpired,
	sserr.CodeAuthenticationNotActive:       ReasonTokenNotActiveYet,
	sserr.CodeAuthenticationIssuedInFuture:  ReasonTokenIssuedInFuture,
	sserr.CodeAuthenticationInvalid:         ReasonTokenInvalid,
	sserr.CodeAuthenticationAlgorithm:       ReasonTokenInvalidAlgorithm,
	sserr.CodeAuthenticationSignature:       ReasonTokenInvalidSignature,
	sserr.CodeAuthenticationSubject:         ReasonTokenInvalidSubject,
	sserr.CodeAuthenticationAudience:        ReasonTokenInvalidAudience,
	sserr.CodeAuthenticationAuthorizedParty: ReasonTokenInvalidAuthorizedParty,
	sserr.CodeAuthenticationTokenType:       ReasonTokenInvalidType,
	sserr.CodeKeyNotFound:                   ReasonKeyNotFound,
	sserr.CodeKeyRemoteFailed:               ReasonKeyFailedToLoad,
	sserr.CodeMachineTokenInvalid:           ReasonMachineTokenInvalid,
	sserr.CodeMachineTokenNotFound:          ReasonMachineTokenNotFound,
	sserr.CodeMachineTokenUnexpected:        ReasonMachineTokenUnexpected,
	sserr.CodeHandshakeRedirectLoop:         ReasonHandshakeRedirectLoop,
	sserr.CodeHandshakeMissingSession:       ReasonHandshakeSessionMissing,
	sserr.CodeHandshakePayloadInvalid:       ReasonHandshakePayloadInvalid,
}

// reasonFor maps a verification error to its reason code.
func reasonFor(err error) Reason {
	code := sserr.GetCode(err)
	if r, ok := errorReasons[code]; ok {
		return r
	}
	if sserr.IsRetryable(err) {
		return ReasonKeyFailedToLoad
	}
	return ReasonVerificationFailed
}

// actions suggests a fix for each reason.
var actions = map[Reason]string{
	ReasonTokenExpired:                "Sign in again or refresh the session token",
	ReasonTokenNotActiveYet:           "Make sure the system clock is in sync",
	ReasonTokenIssuedInFuture:         "Make sure the system clock is in sync",
	ReasonTokenInvalidSignature:       "Make sure the token was issued by this instance",
	ReasonTokenInvalidAudience:        "Check the configured audience",
	ReasonTokenInvalidAuthorizedParty: "Add the origin to the authorized parties",
	ReasonKeyNotFound:                 "Make sure the publishable key and secret key belong to the same instance",
	ReasonKeyFailedToLoad:             "Check connectivity to the identity platform API",
	ReasonMachineTokenUnexpected:      "Check connectivity to the identity platform API",
	ReasonHandshakeRedirectLoop:       "Make sure cookies are not blocked and the system clock is correct",
	ReasonTokenTypeMismatch:           "Adjust the accepted token types",
	ReasonDevBrowserMissing:           "Load the page in a browser to establish a development session",
}

// messageFor returns the human-readable part of err.
func messageFor(err error) string {
	if e, ok := sserr.AsError(err); ok {
		return e.Message
	}
	return err.Error()
}
