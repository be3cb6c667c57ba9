package request

// Cookie names.
const (
	CookieSession           = "__session"
	CookieClientUAT         = "__client_uat"
	CookieDevBrowser        = "__clerk_db_jwt"
	CookieHandshake         = "__clerk_handshake"
	CookieHandshakeNonce    = "__clerk_handshake_nonce"
	CookieRedirectLoopCount = "__clerk_redirect_loop"
)

// Query parameter names.
const (
	QueryDevBrowser     = "__clerk_db_jwt"
	QueryHandshake      = "__clerk_handshake"
	QueryHandshakeNonce = "__clerk_handshake_nonce"
	QuerySynced         = "__clerk_synced"
	QueryRedirectURL    = "__clerk_redirect_url"
)

// Header names read or written by the authenticator.
const (
	HeaderAuthorization  = "Authorization"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderReferer        = "Referer"
	HeaderUserAgent      = "User-Agent"
	HeaderOrigin         = "Origin"
	HeaderSecFetchDest   = "Sec-Fetch-Dest"
	HeaderAccept         = "Accept"
)

// SuffixedName returns name with the instance suffix appended.
func SuffixedName(name, suffix string) string {
	return name + "_" + suffix
}
