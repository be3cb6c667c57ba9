package authenticate

import (
	"net/url"
	"slices"
	"strings"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/orgsync"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// AcceptAny in [Options.AcceptsToken] accepts every token type.
const AcceptAny token.Type = "any"

// Options configures an [Authenticator]. Load it with config.MustLoad or
// start from [DefaultOptions].
type Options struct {
	// PublishableKey identifies the instance and its frontend API.
	PublishableKey string `json:"publishable_key" yaml:"publishable_key" env:"PUBLISHABLE_KEY" required:"true"`

	// SecretKey authenticates calls to the remote authority. Required
	// unless JWTKey is set, and always required for machine tokens and
	// handshake nonces.
	SecretKey remote.Secret `json:"secret_key" yaml:"secret_key" env:"SECRET_KEY"`

	APIURL     string        `json:"api_url" yaml:"api_url" env:"API_URL" envDefault:"https://api.clerk.com"`
	APIVersion string        `json:"api_version" yaml:"api_version" env:"API_VERSION" envDefault:"v1"`
	APITimeout time.Duration `json:"api_timeout" yaml:"api_timeout" env:"API_TIMEOUT" envDefault:"10s"`

	// JWTKey is a PEM-encoded RSA public key. When set, session tokens are
	// verified without fetching the remote key set.
	JWTKey string `json:"jwt_key" yaml:"jwt_key" env:"JWT_KEY"`

	// JWKSMaxAge bounds how long a fetched key set is trusted.
	JWKSMaxAge time.Duration `json:"jwks_max_age" yaml:"jwks_max_age" env:"JWKS_MAX_AGE" envDefault:"5m"`

	Audience          []string `json:"audience" yaml:"audience" env:"AUDIENCE"`
	AuthorizedParties []string `json:"authorized_parties" yaml:"authorized_parties" env:"AUTHORIZED_PARTIES"`

	// ClockSkew is the tolerance for exp, nbf and iat. Zero means none.
	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"5s"`

	// ProxyURL replaces the frontend API origin; relative paths resolve
	// against the request origin.
	ProxyURL string `json:"proxy_url" yaml:"proxy_url" env:"PROXY_URL"`
	// Domain is the satellite domain.
	Domain      string `json:"domain" yaml:"domain" env:"DOMAIN"`
	IsSatellite bool   `json:"is_satellite" yaml:"is_satellite" env:"IS_SATELLITE"`
	// SignInURL is the primary's sign-in page, used by development
	// satellites.
	SignInURL string `json:"sign_in_url" yaml:"sign_in_url" env:"SIGN_IN_URL"`
	// SatelliteOrigins restricts where a development primary returns
	// syncing satellites, for example "https://satellite.example.com".
	SatelliteOrigins []string `json:"satellite_origins" yaml:"satellite_origins" env:"SATELLITE_ORIGINS"`

	// AcceptsToken lists the token types accepted on the header path.
	AcceptsToken []token.Type `json:"accepts_token" yaml:"accepts_token" env:"ACCEPTS_TOKEN" envDefault:"session_token"`

	orgsync.Options `yaml:",inline"`
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	return Options{
		APIURL:       remote.DefaultAPIURL,
		APIVersion:   remote.DefaultAPIVersion,
		APITimeout:   remote.DefaultTimeout,
		ClockSkew:    token.DefaultClockSkew,
		AcceptsToken: []token.Type{token.TypeSessionToken},
	}
}

// Validate checks the options. It is called by config.Loader and by [New].
func (o *Options) Validate() error {
	if _, err := request.ParsePublishableKey(o.PublishableKey); err != nil {
		return err
	}
	rc := o.remoteConfig()
	if err := rc.Validate(); err != nil {
		return err
	}
	if o.JWTKey == "" && o.SecretKey == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"authenticate: either a secret key or a JWT key is required to verify session tokens")
	}
	if o.ClockSkew < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "authenticate: clock skew %s must not be negative", o.ClockSkew)
	}
	if o.JWKSMaxAge < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "authenticate: JWKS max age %s must not be negative", o.JWKSMaxAge)
	}
	if o.ProxyURL != "" && !strings.HasPrefix(o.ProxyURL, "/") && !isAbsoluteURL(o.ProxyURL) {
		return sserr.Newf(sserr.CodeValidationFormat,
			"authenticate: proxy URL %q must be an absolute URL or a path starting with /", o.ProxyURL)
	}
	if o.IsSatellite && o.Domain == "" && o.ProxyURL == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"authenticate: satellite deployments require a domain or a proxy URL")
	}
	if o.SignInURL != "" && !isAbsoluteURL(o.SignInURL) {
		return sserr.Newf(sserr.CodeValidationFormat, "authenticate: sign-in URL %q must be an absolute URL", o.SignInURL)
	}
	for _, origin := range o.SatelliteOrigins {
		if u, err := url.Parse(origin); err != nil || !isAbsoluteURL(origin) || u.Path != "" || u.RawQuery != "" {
			return sserr.Newf(sserr.CodeValidationFormat,
				"authenticate: satellite origin %q must be a scheme and host without a path", origin)
		}
	}
	for _, t := range o.AcceptsToken {
		if t != AcceptAny && t != token.TypeSessionToken && !t.IsMachine() {
			return sserr.Newf(sserr.CodeValidationFormat, "authenticate: unknown token type %q", t)
		}
	}
	if _, err := orgsync.New(o.Options); err != nil {
		return err
	}
	return nil
}

// accepts reports whether t may be used on the header path. An empty
// list accepts session tokens only.
func (o *Options) accepts(t token.Type) bool {
	if len(o.AcceptsToken) == 0 {
		return t == token.TypeSessionToken
	}
	return slices.Contains(o.AcceptsToken, AcceptAny) || slices.Contains(o.AcceptsToken, t)
}

func (o *Options) remoteConfig() remote.Config {
	rc := remote.DefaultConfig()
	if o.APIURL != "" {
		rc.APIURL = o.APIURL
	}
	if o.APIVersion != "" {
		rc.APIVersion = o.APIVersion
	}
	if o.APITimeout != 0 {
		rc.Timeout = o.APITimeout
	}
	rc.SecretKey = o.SecretKey
	return rc
}

func (o *Options) tokenOptions() token.Options {
	return token.Options{
		Audience:          o.Audience,
		AuthorizedParties: o.AuthorizedParties,
		ClockSkew:         o.ClockSkew,
		JWTKey:            o.JWTKey,
	}
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
