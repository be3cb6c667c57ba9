package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Claims is the claim set used by session and handshake tokens.
// Raw keeps every payload member, including ones not modeled here.
type Claims struct {
	jwt.RegisteredClaims

	AuthorizedParty string `json:"azp,omitempty"`
	SessionID       string `json:"sid,omitempty"`

	// Organization claims. Version 1 tokens carry them flat; version 2
	// tokens nest them under "o".
	OrgID   string     `json:"org_id,omitempty"`
	OrgSlug string     `json:"org_slug,omitempty"`
	OrgRole string     `json:"org_role,omitempty"`
	Org     *OrgClaims `json:"o,omitempty"`

	// Handshake lists Set-Cookie directives in handshake tokens.
	Handshake []string `json:"handshake,omitempty"`

	Raw map[string]any `json:"-"`
}

// OrgClaims is the nested organization claim of version 2 session tokens.
type OrgClaims struct {
	ID   string `json:"id"`
	Slug string `json:"slg,omitempty"`
	Role string `json:"rol,omitempty"`
}

// ActiveOrgID returns the active organization id, if any.
func (c *Claims) ActiveOrgID() string {
	if c.Org != nil && c.Org.ID != "" {
		return c.Org.ID
	}
	return c.OrgID
}

// ActiveOrgSlug returns the active organization slug, if any.
func (c *Claims) ActiveOrgSlug() string {
	if c.Org != nil && c.Org.Slug != "" {
		return c.Org.Slug
	}
	return c.OrgSlug
}

// UnmarshalJSON decodes the modeled claims and keeps the full payload in
// Raw, with numbers left as [json.Number].
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p.Raw); err != nil {
		return err
	}
	*c = Claims(p)
	return nil
}

// ---------------------------------------------------------------------------
// Claim checks
// ---------------------------------------------------------------------------

// claimCheck validates one aspect of the claims at now.
type claimCheck func(c *Claims, opts *Options, now time.Time) error

// sessionChecks are run for session tokens, in order.
var sessionChecks = []claimCheck{
	checkSubject,
	registeredCheck(true, true),
	checkAuthorizedParty,
}

// handshakeChecks skip the subject, audience and authorized-party checks,
// and tolerate a missing exp.
var handshakeChecks = []claimCheck{
	registeredCheck(false, false),
}

func checkSubject(c *Claims, _ *Options, _ time.Time) error {
	if c.Subject == "" {
		return sserr.New(sserr.CodeAuthenticationSubject, "token: subject claim (sub) is missing")
	}
	return nil
}

// registeredCheck validates exp, nbf and iat with the configured skew and,
// when audience is set, the aud claim. An audience is only compared when
// both the configuration and the token carry one.
func registeredCheck(requireExp, audience bool) claimCheck {
	return func(c *Claims, opts *Options, now time.Time) error {
		validatorOpts := []jwt.ParserOption{
			jwt.WithLeeway(opts.ClockSkew),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(func() time.Time { return now }),
		}
		if requireExp {
			validatorOpts = append(validatorOpts, jwt.WithExpirationRequired())
		}
		if audience && len(opts.Audience) > 0 && hasAudience(c) {
			validatorOpts = append(validatorOpts, jwt.WithAudience(opts.Audience...))
		}

		if err := jwt.NewValidator(validatorOpts...).Validate(c); err != nil {
			return classifyClaimsError(err, c, opts, now)
		}
		return nil
	}
}

func hasAudience(c *Claims) bool {
	return slices.ContainsFunc(c.Audience, func(a string) bool { return a != "" })
}

// classifyClaimsError maps the validator's joined error onto a single
// sserr code. Audience is reported before timing.
func classifyClaimsError(err error, c *Claims, opts *Options, now time.Time) *sserr.Error {
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrapf(err, sserr.CodeAuthenticationAudience,
			"token: audience %v does not match any of the expected audiences %v", []string(c.Audience), opts.Audience)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: expiration claim (exp) is missing")
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrapf(err, sserr.CodeAuthenticationExpired,
			"token: expired at %s, current time %s (clock skew %s)",
			c.ExpiresAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), opts.ClockSkew).
			WithDetail("exp", c.ExpiresAt.Unix())
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrapf(err, sserr.CodeAuthenticationNotActive,
			"token: not active yet; nbf %s, current time %s (clock skew %s)",
			c.NotBefore.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), opts.ClockSkew)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrapf(err, sserr.CodeAuthenticationIssuedInFuture,
			"token: issued in the future; iat %s, current time %s (clock skew %s)",
			c.IssuedAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339), opts.ClockSkew)
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "token: claims are invalid")
	}
}

// checkAuthorizedParty requires azp to be in the allowlist. A missing
// allowlist or a missing azp skips the check.
func checkAuthorizedParty(c *Claims, opts *Options, _ time.Time) error {
	if len(opts.AuthorizedParties) == 0 || c.AuthorizedParty == "" {
		return nil
	}
	if slices.Contains(opts.AuthorizedParties, c.AuthorizedParty) {
		return nil
	}
	return sserr.Newf(sserr.CodeAuthenticationAuthorizedParty,
		"token: authorized party %q is not in the allowed list", c.AuthorizedParty)
}
