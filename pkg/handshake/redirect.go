// Package handshake implements the redirect-based reconciliation protocol.
//
// When a request cannot be classified from its own signals, the
// authenticator redirects the browser to the identity platform's handshake
// endpoint. The platform answers by redirecting back with either a
// handshake nonce (exchanged for directives through the remote authority)
// or a signed handshake token carrying the directives itself. Each
// directive is a Set-Cookie instruction; one of them normally carries the
// refreshed session token.
//
// Only document navigations are sent through the handshake ([IsEligible]).
// A redirect counter cookie bounds the number of round trips.
package handshake

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/orgsync"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/handshake"

const (
	// handshakePath is the reconciliation endpoint on the frontend API.
	handshakePath = "/v1/client/handshake"

	// MaxRedirects is the number of handshake round trips allowed before
	// the authenticator gives up.
	MaxRedirects = 3

	// redirectLoopMaxAge is the lifetime of the counter cookie in seconds.
	redirectLoopMaxAge = 3
)

// Config configures a Coordinator.
type Config struct {
	// Key is the instance's parsed publishable key.
	Key request.PublishableKey
	// ProxyURL, when set, replaces the frontend API origin.
	ProxyURL string
	// Domain is the satellite domain. Satellites reach the frontend API
	// at "clerk.<domain>".
	Domain string
	// IsSatellite marks a satellite deployment.
	IsSatellite bool
	// SignInURL is the primary domain's sign-in page.
	SignInURL string
	// SatelliteOrigins lists the origins a development primary may send
	// the dev browser token back to. Empty allows any origin.
	SatelliteOrigins []string

	// Organizations selects the organization to activate; may be nil.
	Organizations *orgsync.Matcher
	// Verifier verifies handshake and session tokens.
	Verifier *token.Verifier
	// Payloads exchanges handshake nonces for directives.
	Payloads PayloadFetcher
	// TokenOptions are used when verifying the session token embedded in
	// a handshake result.
	TokenOptions token.Options

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator builds handshake redirects and resolves handshake results.
// It is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	clock  clock.Clock
	tracer trace.Tracer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{cfg: cfg, logger: cfg.Logger, clock: cfg.Clock, tracer: otel.Tracer(tracerName)}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	return c
}

// IsEligible reports whether s looks like a document navigation that can
// follow a redirect: Sec-Fetch-Dest of document or iframe, or, without
// that header, an Accept header starting with text/html.
func IsEligible(s *request.Signals) bool {
	switch s.SecFetchDest {
	case "document", "iframe":
		return true
	case "":
		return strings.HasPrefix(s.Accept, "text/html")
	default:
		return false
	}
}

// FrontendAPI returns the origin of the frontend API for s: the proxy URL
// if configured (a relative proxy path is resolved against the request
// origin), "https://clerk.<domain>" for satellites with a domain, and the
// publishable key's host otherwise.
func (c *Coordinator) FrontendAPI(s *request.Signals) string {
	switch {
	case strings.HasPrefix(c.cfg.ProxyURL, "/"):
		return s.URL.Scheme + "://" + s.URL.Host + strings.TrimRight(c.cfg.ProxyURL, "/")
	case c.cfg.ProxyURL != "":
		return strings.TrimRight(c.cfg.ProxyURL, "/")
	case c.cfg.IsSatellite && c.cfg.Domain != "":
		return "https://clerk." + strings.TrimPrefix(c.cfg.Domain, "https://")
	default:
		return "https://" + c.cfg.Key.FrontendAPI
	}
}

// RedirectHeaders builds the response headers that send s to the
// handshake endpoint for reason. The headers carry the Location, the
// incremented redirect counter cookie and Cache-Control: no-store.
//
// Error codes returned:
//   - [sserr.CodeHandshakeRedirectLoop]: [MaxRedirects] round trips have
//     already happened
func (c *Coordinator) RedirectHeaders(s *request.Signals, reason string) (http.Header, error) {
	if s.RedirectLoopCount >= MaxRedirects {
		c.logger.Warn("handshake: redirect loop detected, refusing to redirect again",
			"reason", reason, "count", s.RedirectLoopCount, "url", s.URL.Redacted())
		return nil, sserr.Newf(sserr.CodeHandshakeRedirectLoop,
			"handshake: redirect loop detected after %d redirects; check that cookies are not blocked and the system clock is correct",
			s.RedirectLoopCount)
	}

	target, err := url.Parse(c.FrontendAPI(s) + handshakePath)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "handshake: frontend API URL is invalid")
	}

	redirect := withoutParams(s.URL, request.QueryDevBrowser)
	if c.cfg.IsSatellite {
		// The platform returns the satellite here; the marker stops it
		// from asking to sync again.
		rq := redirect.Query()
		rq.Set(request.QuerySynced, "true")
		redirect.RawQuery = rq.Encode()
	}

	q := target.Query()
	q.Set("redirect_url", redirect.String())
	q.Set("suffixed_cookies", strconv.FormatBool(s.Suffixed))
	q.Set("__clerk_hs_reason", reason)
	q.Set("format", "nonce")
	if s.IsDevelopment() && s.DevBrowser != "" {
		q.Set(request.QueryDevBrowser, s.DevBrowser)
	}
	if tgt := c.cfg.Organizations.FindTarget(s.URL.Path); tgt != nil {
		switch {
		case tgt.Kind == orgsync.KindPersonalWorkspace:
			q.Set("organization_id", "")
		case tgt.ID != "":
			q.Set("organization_id", tgt.ID)
		default:
			q.Set("organization_slug", tgt.Slug)
		}
	}
	target.RawQuery = q.Encode()

	h := make(http.Header)
	h.Set("Location", target.String())
	h.Set("Cache-Control", "no-store")
	h.Add("Set-Cookie", loopCookie(s.RedirectLoopCount+1))
	return h, nil
}

// SatelliteSignInHeaders redirects a development satellite to the
// primary's sign-in page, which sends the browser back with
// __clerk_synced=true.
func (c *Coordinator) SatelliteSignInHeaders(s *request.Signals) (http.Header, error) {
	if c.cfg.SignInURL == "" {
		return nil, sserr.Configuration("handshake: satellite deployments require a sign-in URL")
	}
	target, err := url.Parse(c.cfg.SignInURL)
	if err != nil || target.Host == "" {
		return nil, sserr.Configuration(fmt.Sprintf("handshake: sign-in URL %q is not an absolute URL", c.cfg.SignInURL))
	}
	q := target.Query()
	q.Set(request.QueryRedirectURL, s.URL.String())
	target.RawQuery = q.Encode()

	h := make(http.Header)
	h.Set("Location", target.String())
	h.Set("Cache-Control", "no-store")
	return h, nil
}

// PrimarySyncedHeaders redirects a development primary back to the
// satellite URL it was asked to sync, marking the sync complete and
// passing the dev browser token along. When [Config.SatelliteOrigins] is
// set the return URL must use one of those origins.
//
// Error codes returned:
//   - [sserr.CodeValidationFormat]: the requested return URL is invalid
//     or its origin is not allowed
func (c *Coordinator) PrimarySyncedHeaders(s *request.Signals) (http.Header, error) {
	target, err := url.Parse(s.RedirectURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, sserr.Newf(sserr.CodeValidationFormat, "handshake: redirect URL %q is not valid", s.RedirectURL)
	}
	if len(c.cfg.SatelliteOrigins) > 0 && !slices.Contains(c.cfg.SatelliteOrigins, target.Scheme+"://"+target.Host) {
		c.logger.Warn("handshake: refusing to return to a satellite origin that is not allowed",
			"origin", target.Scheme+"://"+target.Host)
		return nil, sserr.Newf(sserr.CodeValidationFormat,
			"handshake: redirect URL origin %q is not an allowed satellite origin", target.Scheme+"://"+target.Host)
	}
	q := target.Query()
	if s.DevBrowser != "" {
		q.Set(request.QueryDevBrowser, s.DevBrowser)
	}
	q.Set(request.QuerySynced, "true")
	target.RawQuery = q.Encode()

	h := make(http.Header)
	h.Set("Location", target.String())
	h.Set("Cache-Control", "no-store")
	return h, nil
}

// loopCookie renders the redirect counter cookie.
func loopCookie(n int) string {
	return (&http.Cookie{
		Name:     request.CookieRedirectLoopCount,
		Value:    strconv.Itoa(n),
		Path:     "/",
		MaxAge:   redirectLoopMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}).String()
}

// withoutParams returns a copy of u with the named query parameters
// removed.
func withoutParams(u *url.URL, names ...string) *url.URL {
	out := *u
	q := out.Query()
	for _, n := range names {
		q.Del(n)
	}
	out.RawQuery = q.Encode()
	return &out
}
