package token

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/token"

// DefaultClockSkew is the claim timing tolerance used when callers do not
// choose their own.
const DefaultClockSkew = 5 * time.Second

// SessionTokenType is the typ header of session tokens.
const SessionTokenType = "JWT"

// supportedAlgorithms is the signature algorithm allowlist.
var supportedAlgorithms = []string{"RS256", "RS384", "RS512"}

// SupportedAlgorithms returns the accepted signature algorithms.
func SupportedAlgorithms() []string {
	return slices.Clone(supportedAlgorithms)
}

// Options configures one verification.
type Options struct {
	// Audience, when non-empty, must intersect the token's aud claim. A
	// token without aud is not compared.
	Audience []string
	// AuthorizedParties, when non-empty, must contain the token's azp.
	AuthorizedParties []string
	// ClockSkew is the tolerance applied to exp, nbf and iat. Zero means
	// no tolerance.
	ClockSkew time.Duration
	// Types lists accepted typ header values. Empty means
	// [SessionTokenType]. A token without typ is always accepted.
	Types []string
	// JWTKey is a PEM-encoded RSA public key. When set, the signing key is
	// resolved locally and the remote key set is never consulted.
	JWTKey string
}

// Verifier verifies session and handshake tokens. It is safe for
// concurrent use.
type Verifier struct {
	keys   *jwks.Store
	clock  clock.Clock
	tracer trace.Tracer
}

// NewVerifier creates a Verifier resolving keys from keys. A nil clk uses
// the wall clock.
func NewVerifier(keys *jwks.Store, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Verifier{keys: keys, clock: clk, tracer: otel.Tracer(tracerName)}
}

// Verify runs the full session token pipeline and returns the decoded
// token on success.
//
// Error codes returned:
//   - [sserr.CodeAuthenticationInvalid]: malformed token, missing exp or kid
//   - [sserr.CodeAuthenticationTokenType]: unexpected typ header
//   - [sserr.CodeAuthenticationAlgorithm]: unsupported alg
//   - [sserr.CodeAuthenticationSubject], [sserr.CodeAuthenticationAudience],
//     [sserr.CodeAuthenticationAuthorizedParty]: claim mismatch
//   - [sserr.CodeAuthenticationExpired], [sserr.CodeAuthenticationNotActive],
//     [sserr.CodeAuthenticationIssuedInFuture]: timing claims
//   - [sserr.CodeAuthenticationSignature]: key resolved, signature invalid
//   - KEY_xxx codes from [jwks.Store.Resolve]: key could not be resolved
func (v *Verifier) Verify(ctx context.Context, raw string, opts Options) (*Decoded, error) {
	return v.run(ctx, "token.Verify", raw, &opts, sessionChecks)
}

// VerifyHandshake verifies a handshake token. Subject, audience and
// authorized-party checks are skipped; header, timing and signature checks
// are the same as [Verifier.Verify].
func (v *Verifier) VerifyHandshake(ctx context.Context, raw string, opts Options) (*Decoded, error) {
	return v.run(ctx, "token.VerifyHandshake", raw, &opts, handshakeChecks)
}

func (v *Verifier) run(ctx context.Context, spanName, raw string, opts *Options, checks []claimCheck) (_ *Decoded, retErr error) {
	ctx, span := v.tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
			span.SetAttributes(attribute.String("token.error_code", string(sserr.GetCode(retErr))))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	decoded, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("token.alg", decoded.Header.Alg),
		attribute.String("token.kid", decoded.Header.Kid),
	)

	if err := checkHeader(decoded.Header, opts); err != nil {
		return nil, err
	}

	now := v.clock.Now()
	for _, check := range checks {
		if err := check(decoded.Claims, opts, now); err != nil {
			return nil, err
		}
	}

	if err := v.checkSignature(ctx, decoded, opts); err != nil {
		return nil, err
	}
	return decoded, nil
}

// checkHeader validates typ and alg. There is no fallback to "none".
func checkHeader(h Header, opts *Options) error {
	if h.Typ != "" {
		types := opts.Types
		if len(types) == 0 {
			types = []string{SessionTokenType}
		}
		if !slices.Contains(types, h.Typ) {
			return sserr.Newf(sserr.CodeAuthenticationTokenType,
				"token: invalid header type %q; expected one of %v", h.Typ, types)
		}
	}
	if !slices.Contains(supportedAlgorithms, h.Alg) {
		return sserr.Newf(sserr.CodeAuthenticationAlgorithm,
			"token: unsupported algorithm %q; supported algorithms are %v", h.Alg, supportedAlgorithms)
	}
	return nil
}

// checkSignature resolves the signing key and verifies the signature over
// the first two raw segments.
func (v *Verifier) checkSignature(ctx context.Context, d *Decoded, opts *Options) error {
	if opts.JWTKey == "" && d.Header.Kid == "" {
		return sserr.New(sserr.CodeAuthenticationInvalid, "token: header is missing kid")
	}
	if v.keys == nil {
		return sserr.Configuration("token: no key store configured")
	}

	key, err := v.keys.Resolve(ctx, d.Header.Kid, jwks.Source{PEM: opts.JWTKey})
	if err != nil {
		return err
	}

	method := jwt.GetSigningMethod(d.Header.Alg)
	if method == nil {
		return sserr.Newf(sserr.CodeAuthenticationAlgorithm, "token: unsupported algorithm %q", d.Header.Alg)
	}
	if err := method.Verify(d.Raw.SigningInput(), d.Signature, key.Material); err != nil {
		return sserr.Wrapf(err, sserr.CodeAuthenticationSignature,
			"token: signature verification failed for kid %q", d.Header.Kid)
	}
	return nil
}
