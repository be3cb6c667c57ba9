package token

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
)

// Type identifies the kind of credential carried by a request.
type Type string

const (
	TypeSessionToken Type = "session_token"
	TypeAPIKey       Type = "api_key"
	TypeM2MToken     Type = "m2m_token"
	TypeOAuthToken   Type = "oauth_token"
)

// Machine token prefixes.
const (
	PrefixAPIKey     = "ak_"
	PrefixM2MToken   = "mt_"
	PrefixOAuthToken = "oat_"
)

// oauthJWTTypes are the typ header values of JWT-format OAuth access
// tokens.
var oauthJWTTypes = []string{"at+jwt", "application/at+jwt"}

// IsMachine reports whether t is one of the machine token kinds.
func (t Type) IsMachine() bool {
	return t == TypeAPIKey || t == TypeM2MToken || t == TypeOAuthToken
}

// Classify determines the credential kind of raw. Prefixed secrets are
// machine tokens; a three-segment token whose typ marks an access token is
// an OAuth token; anything else is treated as a session token.
func Classify(raw string) Type {
	switch {
	case strings.HasPrefix(raw, PrefixAPIKey):
		return TypeAPIKey
	case strings.HasPrefix(raw, PrefixM2MToken):
		return TypeM2MToken
	case strings.HasPrefix(raw, PrefixOAuthToken):
		return TypeOAuthToken
	}
	if strings.Count(raw, ".") == 2 {
		if d, err := Decode(raw); err == nil && slices.Contains(oauthJWTTypes, strings.ToLower(d.Header.Typ)) {
			return TypeOAuthToken
		}
	}
	return TypeSessionToken
}

// MachineAuthority performs the remote verification calls.
// [remote.Client] satisfies this interface.
type MachineAuthority interface {
	VerifyM2MToken(ctx context.Context, secret string) (*remote.MachineToken, error)
	VerifyOAuthToken(ctx context.Context, accessToken string) (*remote.MachineToken, error)
	VerifyAPIKey(ctx context.Context, secret string) (*remote.MachineToken, error)
}

// Machine is a verified machine token.
type Machine struct {
	Type      Type
	ID        string
	Subject   string
	Name      string
	ClientID  string
	Scopes    []string
	Claims    map[string]any
	ExpiresAt *time.Time
}

// MachineVerifier verifies machine tokens with one remote call per token.
type MachineVerifier struct {
	authority MachineAuthority
	clock     clock.Clock
	tracer    trace.Tracer
}

// NewMachineVerifier creates a MachineVerifier. A nil clk uses the wall
// clock.
func NewMachineVerifier(authority MachineAuthority, clk clock.Clock) *MachineVerifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MachineVerifier{authority: authority, clock: clk, tracer: otel.Tracer(tracerName)}
}

// Verify classifies raw and verifies it with the matching remote call.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationTokenType]: raw is not a machine token
//   - [sserr.CodeMachineTokenInvalid]: rejected, revoked or expired
//   - [sserr.CodeMachineTokenNotFound]: unknown to the remote authority
//   - [sserr.CodeMachineTokenUnexpected]: any other remote failure
//   - [sserr.CodeInternalConfiguration]: no secret key configured
func (v *MachineVerifier) Verify(ctx context.Context, raw string) (_ *Machine, retErr error) {
	kind := Classify(raw)
	ctx, span := v.tracer.Start(ctx, "token.VerifyMachine",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("token.type", string(kind))))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	if v.authority == nil {
		return nil, sserr.Configuration("token: machine token verification requires a secret key")
	}

	var (
		res *remote.MachineToken
		err error
	)
	switch kind {
	case TypeAPIKey:
		res, err = v.authority.VerifyAPIKey(ctx, raw)
	case TypeM2MToken:
		res, err = v.authority.VerifyM2MToken(ctx, raw)
	case TypeOAuthToken:
		res, err = v.authority.VerifyOAuthToken(ctx, raw)
	default:
		return nil, sserr.New(sserr.CodeAuthenticationTokenType, "token: not a machine token")
	}
	if err != nil {
		return nil, err
	}

	if res.Revoked {
		return nil, sserr.Newf(sserr.CodeMachineTokenInvalid, "token: %s has been revoked", kind)
	}
	var expiresAt *time.Time
	if res.Expiration != nil {
		t := time.Unix(*res.Expiration, 0)
		expiresAt = &t
	}
	if res.Expired || (expiresAt != nil && !expiresAt.After(v.clock.Now())) {
		return nil, sserr.Newf(sserr.CodeMachineTokenInvalid, "token: %s has expired", kind)
	}

	return &Machine{
		Type:      kind,
		ID:        res.ID,
		Subject:   res.Subject,
		Name:      res.Name,
		ClientID:  res.ClientID,
		Scopes:    res.Scopes,
		Claims:    res.Claims,
		ExpiresAt: expiresAt,
	}, nil
}
