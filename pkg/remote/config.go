// Package remote provides the client for the identity platform's backend
// API (the "remote authority"), with OpenTelemetry tracing, bounded
// per-call timeouts, and structured error classification.
//
// The authenticator reaches the platform for exactly three things:
//
//   - GET  /jwks                                      signing key set
//   - GET  /clients/handshake_payload?nonce=...       handshake directives
//   - POST /m2m_tokens/verify,
//     POST /oauth_applications/access_tokens/verify,
//     GET  /api_keys/verify                          machine tokens
//
// Every call is authenticated with the instance secret key as a bearer
// credential.
//
// # Configuration
//
//	cfg := remote.DefaultConfig()
//	cfg.SecretKey = remote.Secret(os.Getenv("AUTHGATE_SECRET_KEY"))
//	client, err := remote.NewClient(cfg)
//
// For testing, point APIURL at an httptest server.
package remote

import (
	"net/url"
	"strings"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Default remote authority settings.
const (
	// DefaultAPIURL is the identity platform's backend API origin.
	DefaultAPIURL = "https://api.clerk.com"

	// DefaultAPIVersion is the path segment prepended to every endpoint.
	DefaultAPIVersion = "v1"

	// DefaultTimeout bounds every remote call when the caller's context
	// carries no earlier deadline.
	DefaultTimeout = 10 * time.Second

	// maxResponseSize limits response bodies read from the remote
	// authority (1 MB).
	maxResponseSize = 1 << 20
)

// Secret is a string type that redacts its value when printed or
// serialized. Use [Secret.Value] where the raw value is required.
type Secret string

const redacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return redacted }

// GoString returns the redacted placeholder for %#v.
func (s Secret) GoString() string { return redacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the remote authority connection settings.
type Config struct {
	// APIURL is the backend API origin. Defaults to [DefaultAPIURL].
	APIURL string `json:"api_url" yaml:"api_url" env:"API_URL" envDefault:"https://api.clerk.com"`

	// APIVersion is the API version path segment. Defaults to "v1".
	APIVersion string `json:"api_version" yaml:"api_version" env:"API_VERSION" envDefault:"v1"`

	// SecretKey is the instance secret key. It may be empty when the
	// deployment verifies session tokens with a local key only; any call
	// that needs it then fails with [sserr.CodeInternalConfiguration].
	SecretKey Secret `json:"secret_key" yaml:"secret_key" env:"SECRET_KEY"`

	// Timeout bounds each remote call. Defaults to 10 seconds.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"10s"`

	// HTTPClient performs the requests. If nil, a default [http.Client]
	// is used.
	HTTPClient HTTPClient `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with the production API URL and defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:     DefaultAPIURL,
		APIVersion: DefaultAPIVersion,
		Timeout:    DefaultTimeout,
	}
}

// Validate checks the configuration and returns a validation error for the
// first invalid field.
func (c *Config) Validate() *sserr.Error {
	if c.APIURL == "" {
		return sserr.New(sserr.CodeValidationRequired, "remote: API URL must not be empty")
	}
	u, err := url.Parse(c.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "remote: API URL %q must be an absolute URL", c.APIURL)
	}
	if strings.Contains(c.APIVersion, "/") {
		return sserr.Newf(sserr.CodeValidationFormat, "remote: API version %q must be a single path segment", c.APIVersion)
	}
	if c.Timeout < 0 {
		return sserr.New(sserr.CodeValidationRange, "remote: timeout must be non-negative")
	}
	return nil
}
