// Package request turns a raw HTTP request into the immutable [Signals]
// value the authenticator works from.
//
// Signals are extracted once. No other package reads headers, cookies or
// query parameters from the raw request.
package request

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Signals is everything the authenticator needs to know about a request.
// It is never modified after [New] returns.
type Signals struct {
	// URL is the canonical request URL after proxy header resolution.
	URL *url.URL
	// Method is the HTTP method.
	Method string

	// SessionTokenInHeader is the bearer token, if any.
	SessionTokenInHeader string
	// SessionTokenInCookie is the session cookie of the selected family.
	SessionTokenInCookie string
	// ClientUAT is the client last-active timestamp in Unix seconds. Zero
	// means the marker is absent.
	ClientUAT int64

	// DevBrowser is the development browser token, query first.
	DevBrowser string
	// DevBrowserInQuery reports whether DevBrowser came from the query.
	DevBrowserInQuery bool

	// HandshakeToken and HandshakeNonce are the return leg of a handshake
	// redirect, query first.
	HandshakeToken string
	HandshakeNonce string
	// HandshakeInQuery reports whether either came from the query.
	HandshakeInQuery bool
	// RedirectLoopCount is the handshake redirect counter cookie.
	RedirectLoopCount int

	// Synced reports the satellite sync completion marker in the query.
	Synced bool
	// RedirectURL is the satellite return URL a primary is asked to
	// redirect back to.
	RedirectURL string

	SecFetchDest string
	Accept       string
	Referer      string
	UserAgent    string
	Origin       string

	// Suffixed reports whether the suffixed cookie family was selected.
	Suffixed bool
	// Key is the parsed publishable key.
	Key PublishableKey
}

// New extracts the signals of r for the instance identified by key.
func New(r *http.Request, key PublishableKey) *Signals {
	s := &Signals{
		URL:          canonicalURL(r),
		Method:       r.Method,
		SecFetchDest: r.Header.Get(HeaderSecFetchDest),
		Accept:       r.Header.Get(HeaderAccept),
		Referer:      r.Header.Get(HeaderReferer),
		UserAgent:    r.Header.Get(HeaderUserAgent),
		Origin:       r.Header.Get(HeaderOrigin),
		Key:          key,
	}
	query := r.URL.Query()

	s.SessionTokenInHeader = BearerToken(r.Header.Get(HeaderAuthorization))

	suffix := key.Suffix()
	_, s.Suffixed = cookie(r, SuffixedName(CookieClientUAT, suffix))
	family := func(name string) string {
		if s.Suffixed {
			name = SuffixedName(name, suffix)
		}
		v, _ := cookie(r, name)
		return v
	}

	s.SessionTokenInCookie = family(CookieSession)
	s.ClientUAT = parseUAT(family(CookieClientUAT))

	s.DevBrowser, s.DevBrowserInQuery = queryFirst(query, QueryDevBrowser, family(CookieDevBrowser))

	var tokenInQuery, nonceInQuery bool
	handshakeCookie, _ := cookie(r, CookieHandshake)
	s.HandshakeToken, tokenInQuery = queryFirst(query, QueryHandshake, handshakeCookie)
	nonceCookie, _ := cookie(r, CookieHandshakeNonce)
	s.HandshakeNonce, nonceInQuery = queryFirst(query, QueryHandshakeNonce, nonceCookie)
	s.HandshakeInQuery = tokenInQuery || nonceInQuery

	if v, ok := cookie(r, CookieRedirectLoopCount); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.RedirectLoopCount = n
		}
	}

	s.Synced = query.Get(QuerySynced) == "true"
	s.RedirectURL = query.Get(QueryRedirectURL)
	return s
}

// BearerToken returns the token of a "Bearer " authorization value, or
// the empty string for any other scheme.
func BearerToken(authorization string) string {
	token, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// HasSessionCookie reports whether a session cookie was found.
func (s *Signals) HasSessionCookie() bool { return s.SessionTokenInCookie != "" }

// HasActivityMarker reports whether a non-zero client last-active marker
// was found.
func (s *Signals) HasActivityMarker() bool { return s.ClientUAT > 0 }

// HasHandshake reports whether a handshake token or nonce is present.
func (s *Signals) HasHandshake() bool { return s.HandshakeToken != "" || s.HandshakeNonce != "" }

// IsDevelopment reports whether the instance is a development instance.
func (s *Signals) IsDevelopment() bool { return s.Key.IsDevelopment() }

// CookieName returns name in the selected cookie family.
func (s *Signals) CookieName(name string) string {
	if s.Suffixed {
		return SuffixedName(name, s.Key.Suffix())
	}
	return name
}

// canonicalURL rebuilds the request URL from forwarded headers. A
// malformed forwarded host falls back to the request's own URL.
func canonicalURL(r *http.Request) *url.URL {
	fallback := *r.URL
	if fallback.Host == "" {
		fallback.Host = r.Host
	}
	if fallback.Scheme == "" {
		fallback.Scheme = "http"
		if r.TLS != nil {
			fallback.Scheme = "https"
		}
	}

	proto := firstValue(r.Header.Get(HeaderForwardedProto))
	host := firstValue(r.Header.Get(HeaderForwardedHost))
	if proto == "" {
		proto = fallback.Scheme
	}
	if host == "" {
		host = r.Host
	}
	if host == "" {
		return &fallback
	}

	u, err := url.Parse(strings.ToLower(proto) + "://" + host + r.URL.RequestURI())
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &fallback
	}
	return u
}

func firstValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func cookie(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// queryFirst returns the query value for name if present, otherwise
// fallback.
func queryFirst(q url.Values, name, fallback string) (string, bool) {
	if v := q.Get(name); v != "" {
		return v, true
	}
	return fallback, false
}

// parseUAT parses the client last-active marker. Invalid values and "0"
// both mean absent.
func parseUAT(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
