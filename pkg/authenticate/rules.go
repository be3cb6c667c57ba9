package authenticate

import (
	"context"
	"net/http"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/handshake"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/orgsync"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// Rule pairs a predicate over an input with the outcome it selects.
type Rule[In, Out any] struct {
	Name string
	When func(In) bool
	Then func(context.Context, In) (Out, error)
}

// FirstMatch evaluates rules in order and returns the outcome of the first
// rule whose predicate holds, with that rule's name. Later rules are not
// consulted. It fails with [sserr.CodeInternal] when nothing matches.
func FirstMatch[In, Out any](ctx context.Context, rules []Rule[In, Out], in In) (Out, string, error) {
	for _, r := range rules {
		if r.When(in) {
			out, err := r.Then(ctx, in)
			return out, r.Name, err
		}
	}
	var zero Out
	return zero, "", sserr.Internal("authenticate: no rule matched the request")
}

// evaluation is the per-request input to the rule list.
type evaluation struct {
	signals *request.Signals

	// cookieToken caches the structural decode of the cookie session
	// token; decodeErr is set when it is malformed.
	cookieToken *token.Decoded
	decodeErr   error
	decoded     bool
}

func (e *evaluation) decodedCookie() (*token.Decoded, error) {
	if !e.decoded {
		e.cookieToken, e.decodeErr = token.Decode(e.signals.SessionTokenInCookie)
		e.decoded = true
	}
	return e.cookieToken, e.decodeErr
}

// always matches.
func always(*evaluation) bool { return true }

// rules returns the ordered rule list. The order is the precedence.
func (a *Authenticator) rules() []Rule[*evaluation, *RequestState] {
	return []Rule[*evaluation, *RequestState]{
		{Name: "header-token", When: hasHeaderToken, Then: a.authenticateHeader},
		{Name: "handshake-result", When: hasHandshake, Then: a.resolveHandshake},
		{Name: "dev-browser-sync", When: devBrowserFromQuery, Then: a.handshakeFor(ReasonDevBrowserSync, "the dev browser token arrived in the query string")},
		{Name: "dev-browser-missing", When: devBrowserMissing, Then: a.handshakeFor(ReasonDevBrowserMissing, "the dev browser token is missing")},
		{Name: "satellite-needs-syncing", When: a.satelliteNeedsSyncing, Then: a.syncSatellite},
		{Name: "primary-responds-to-syncing", When: a.primaryRespondsToSyncing, Then: a.respondToSatellite},
		{Name: "session-and-activity-missing", When: sessionAndActivityMissing, Then: a.signedOutFor(ReasonSessionAndActivityMissing, "neither a session token nor a client activity marker is present")},
		{Name: "activity-marker-missing", When: activityMarkerMissing, Then: a.handshakeFor(ReasonActivityMarkerMissing, "a session token is present without a client activity marker")},
		{Name: "session-missing", When: sessionMissing, Then: a.handshakeFor(ReasonSessionMissing, "a client activity marker is present without a session token")},
		{Name: "session-token-stale", When: sessionTokenStale, Then: a.handshakeFor(ReasonSessionTokenStale, "the session token was issued before the last client activity")},
		{Name: "session-token", When: always, Then: a.authenticateCookie},
	}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

func hasHeaderToken(e *evaluation) bool { return e.signals.SessionTokenInHeader != "" }

func hasHandshake(e *evaluation) bool { return e.signals.HasHandshake() }

func devBrowserFromQuery(e *evaluation) bool {
	s := e.signals
	return s.IsDevelopment() && s.DevBrowserInQuery && handshake.IsEligible(s)
}

func devBrowserMissing(e *evaluation) bool {
	s := e.signals
	return s.IsDevelopment() && s.DevBrowser == "" && handshake.IsEligible(s)
}

// satelliteNeedsSyncing matches a satellite navigation that has not come
// back from the primary yet and has no session of its own.
func (a *Authenticator) satelliteNeedsSyncing(e *evaluation) bool {
	s := e.signals
	return a.opts.IsSatellite && handshake.IsEligible(s) && !s.Synced && !s.HasSessionCookie()
}

func (a *Authenticator) primaryRespondsToSyncing(e *evaluation) bool {
	s := e.signals
	return s.IsDevelopment() && !a.opts.IsSatellite && s.RedirectURL != "" && handshake.IsEligible(s)
}

func sessionAndActivityMissing(e *evaluation) bool {
	return !e.signals.HasActivityMarker() && !e.signals.HasSessionCookie()
}

func activityMarkerMissing(e *evaluation) bool {
	return e.signals.HasSessionCookie() && !e.signals.HasActivityMarker()
}

func sessionMissing(e *evaluation) bool {
	return e.signals.HasActivityMarker() && !e.signals.HasSessionCookie()
}

// sessionTokenStale matches a cookie token whose iat predates the client
// activity marker. Malformed tokens are left to verification.
func sessionTokenStale(e *evaluation) bool {
	d, err := e.decodedCookie()
	if err != nil || d.Claims.IssuedAt == nil {
		return false
	}
	return d.Claims.IssuedAt.Unix() < e.signals.ClientUAT
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// authenticateHeader verifies a header-carried token. Failures never
// produce a handshake.
func (a *Authenticator) authenticateHeader(ctx context.Context, e *evaluation) (*RequestState, error) {
	return a.verifyToken(ctx, e.signals.SessionTokenInHeader)
}

func (a *Authenticator) resolveHandshake(ctx context.Context, e *evaluation) (*RequestState, error) {
	res, err := a.coord.Resolve(ctx, e.signals)
	if err != nil {
		if sserr.IsFatal(err) {
			return nil, err
		}
		var headers http.Header
		if res != nil {
			headers = res.Headers
		}
		return signedOut(reasonFor(err), messageFor(err), carrierCookie, headers), nil
	}
	return signedIn(token.TypeSessionToken, res.Token, res.Headers), nil
}

func (a *Authenticator) syncSatellite(ctx context.Context, e *evaluation) (*RequestState, error) {
	const msg = "the satellite has not synced with the primary domain"
	if !e.signals.IsDevelopment() {
		return a.handshake(ctx, e.signals, ReasonSatelliteNeedsSyncing, msg)
	}
	h, err := a.coord.SatelliteSignInHeaders(e.signals)
	if err != nil {
		return nil, err
	}
	return handshakeState(ReasonSatelliteNeedsSyncing, msg, h), nil
}

func (a *Authenticator) respondToSatellite(_ context.Context, e *evaluation) (*RequestState, error) {
	h, err := a.coord.PrimarySyncedHeaders(e.signals)
	if err != nil {
		return a.failure(err, carrierCookie)
	}
	return handshakeState(ReasonPrimaryRespondsToSyncing, "returning to the satellite after syncing", h), nil
}

// authenticateCookie verifies the cookie session token. Expiry and
// activation-time failures become a handshake so the platform can refresh
// the token.
func (a *Authenticator) authenticateCookie(ctx context.Context, e *evaluation) (*RequestState, error) {
	s := e.signals
	if !a.opts.accepts(token.TypeSessionToken) {
		return signedOut(ReasonTokenTypeMismatch, "session tokens are not accepted", carrierCookie, nil), nil
	}

	d, err := a.verifier.Verify(ctx, s.SessionTokenInCookie, a.tokenOpts)
	if err != nil {
		switch sserr.GetCode(err) {
		case sserr.CodeAuthenticationExpired:
			return a.handshake(ctx, s, ReasonSessionTokenExpired, messageFor(err))
		case sserr.CodeAuthenticationNotActive, sserr.CodeAuthenticationIssuedInFuture:
			return a.handshake(ctx, s, ReasonSessionTokenNotActiveYet, messageFor(err))
		}
		return a.failure(err, carrierCookie)
	}

	state := signedIn(token.TypeSessionToken, d, nil)
	return a.checkActiveOrganization(ctx, s, state), nil
}

// checkActiveOrganization sends an eligible navigation through the
// handshake when the path selects an organization other than the
// session's active one. Otherwise state is returned unchanged.
func (a *Authenticator) checkActiveOrganization(ctx context.Context, s *request.Signals, state *RequestState) *RequestState {
	tgt := a.matcher.FindTarget(s.URL.Path)
	if tgt == nil || !organizationMismatch(tgt, state.Claims) || !handshake.IsEligible(s) {
		return state
	}
	h, err := a.coord.RedirectHeaders(s, string(ReasonActiveOrganizationMismatch))
	if err != nil {
		a.logger.WarnContext(ctx, "authenticate: cannot switch the active organization, keeping the current one",
			"error", err, "target", tgt.String())
		return state
	}
	return handshakeState(ReasonActiveOrganizationMismatch,
		"the requested organization "+tgt.String()+" is not the active one", h)
}

// organizationMismatch reports whether tgt differs from the session's
// active organization.
func organizationMismatch(tgt *orgsync.Target, claims *token.Claims) bool {
	switch {
	case tgt.Kind == orgsync.KindPersonalWorkspace:
		return claims.ActiveOrgID() != ""
	case tgt.ID != "":
		return tgt.ID != claims.ActiveOrgID()
	default:
		return tgt.Slug != claims.ActiveOrgSlug()
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (a *Authenticator) handshakeFor(reason Reason, msg string) func(context.Context, *evaluation) (*RequestState, error) {
	return func(ctx context.Context, e *evaluation) (*RequestState, error) {
		return a.handshake(ctx, e.signals, reason, msg)
	}
}

func (a *Authenticator) signedOutFor(reason Reason, msg string) func(context.Context, *evaluation) (*RequestState, error) {
	return func(context.Context, *evaluation) (*RequestState, error) {
		return signedOut(reason, msg, carrierCookie, nil), nil
	}
}

// handshake redirects eligible requests and signs out the rest with the
// same reason. A redirect loop signs the request out.
func (a *Authenticator) handshake(_ context.Context, s *request.Signals, reason Reason, msg string) (*RequestState, error) {
	if !handshake.IsEligible(s) {
		return signedOut(reason, msg, carrierCookie, nil), nil
	}
	h, err := a.coord.RedirectHeaders(s, string(reason))
	if err != nil {
		return a.failure(err, carrierCookie)
	}
	return handshakeState(reason, msg, h), nil
}

// failure converts a non-fatal error into a signed-out verdict and
// propagates fatal ones.
func (a *Authenticator) failure(err error, carrier string) (*RequestState, error) {
	if sserr.IsFatal(err) {
		return nil, err
	}
	return signedOut(reasonFor(err), messageFor(err), carrier, nil), nil
}

func handshakeState(reason Reason, msg string, h http.Header) *RequestState {
	return &RequestState{
		Status:  StatusHandshake,
		Reason:  reason,
		Message: composeMessage(msg, reason, carrierCookie),
		Headers: h,
	}
}
