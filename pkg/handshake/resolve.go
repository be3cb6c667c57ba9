package handshake

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// devClockSkew is the widened tolerance used for the one development retry
// after a timing-claim failure.
const devClockSkew = 24 * time.Hour

// PayloadFetcher exchanges a handshake nonce for its directives.
// [remote.Client] satisfies this interface.
type PayloadFetcher interface {
	HandshakePayload(ctx context.Context, nonce string) (*remote.HandshakePayload, error)
}

// Resolution is the outcome of consuming a handshake result.
type Resolution struct {
	// Headers carries every directive as a Set-Cookie header, plus a
	// Location that strips the handshake parameters when they arrived in
	// the query.
	Headers http.Header
	// SessionToken is the session cookie value found among the directives.
	SessionToken string
	// Token is the verified session token; nil unless verification passed.
	Token *token.Decoded
}

// Resolve consumes the handshake nonce or token carried by s. The nonce
// takes precedence. On success the Resolution carries the verified
// session. When the directives hold no session, or the session fails
// verification, the Resolution is still returned alongside the error so
// the caller can apply the directives.
//
// Error codes returned:
//   - [sserr.CodeHandshakePayloadInvalid]: the nonce lookup failed
//   - [sserr.CodeHandshakeMissingSession]: no directive sets the session
//   - AUTH_xxx and KEY_xxx codes from handshake or session verification
func (c *Coordinator) Resolve(ctx context.Context, s *request.Signals) (_ *Resolution, retErr error) {
	ctx, span := c.tracer.Start(ctx, "handshake.Resolve", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Bool("handshake.nonce", s.HandshakeNonce != "")))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	directives, err := c.directives(ctx, s)
	if err != nil {
		return nil, err
	}

	res := &Resolution{Headers: make(http.Header)}
	for _, d := range directives {
		res.Headers.Add("Set-Cookie", d)
		if name, value, ok := parseDirective(d); ok && isSessionCookie(name, s) {
			res.SessionToken = value
		}
	}
	if s.HandshakeInQuery {
		res.Headers.Set("Location", withoutParams(s.URL,
			request.QueryHandshake, request.QueryHandshakeNonce, request.QueryDevBrowser).String())
		res.Headers.Set("Cache-Control", "no-store")
	}
	span.SetAttributes(attribute.Int("handshake.directives", len(directives)))

	if res.SessionToken == "" {
		return res, sserr.New(sserr.CodeHandshakeMissingSession,
			"handshake: the handshake result does not set a session cookie")
	}

	decoded, err := c.verifySession(ctx, s, res.SessionToken)
	if err != nil {
		return res, err
	}
	res.Token = decoded
	return res, nil
}

// directives fetches the directive list by nonce, or verifies the
// handshake token and reads its claim.
func (c *Coordinator) directives(ctx context.Context, s *request.Signals) ([]string, error) {
	if s.HandshakeNonce != "" {
		if c.cfg.Payloads == nil {
			return nil, sserr.Configuration("handshake: a secret key is required to resolve handshake nonces")
		}
		payload, err := c.cfg.Payloads.HandshakePayload(ctx, s.HandshakeNonce)
		if err != nil {
			return nil, err
		}
		return payload.Directives, nil
	}

	opts := token.Options{JWTKey: c.cfg.TokenOptions.JWTKey, ClockSkew: c.cfg.TokenOptions.ClockSkew}
	decoded, err := c.cfg.Verifier.VerifyHandshake(ctx, s.HandshakeToken, opts)
	if err != nil {
		return nil, err
	}
	return decoded.Claims.Handshake, nil
}

// verifySession verifies the session token from the handshake result. In
// development, a failure caused only by timing claims is retried once with
// a day of tolerance; if that also fails the original error is returned.
func (c *Coordinator) verifySession(ctx context.Context, s *request.Signals, raw string) (*token.Decoded, error) {
	decoded, err := c.cfg.Verifier.Verify(ctx, raw, c.cfg.TokenOptions)
	if err == nil || !s.IsDevelopment() || !sserr.IsTokenTiming(err) {
		return decoded, err
	}

	retryOpts := c.cfg.TokenOptions
	retryOpts.ClockSkew = devClockSkew
	retried, retryErr := c.cfg.Verifier.Verify(ctx, raw, retryOpts)
	if retryErr != nil {
		return nil, err
	}
	c.logger.ErrorContext(ctx,
		"handshake: session token from the handshake only verified with a 24h clock skew tolerance; "+
			"your system clock is likely out of sync, which breaks authentication in production. "+
			"Fix the clock (for example with NTP) before deploying",
		"error", err,
		"system_time", c.clock.Now().UTC().Format(time.RFC3339),
		"clock_skew", c.cfg.TokenOptions.ClockSkew.String())
	return retried, nil
}

// parseDirective returns the cookie name and value of a Set-Cookie
// directive.
func parseDirective(d string) (string, string, bool) {
	ck, err := http.ParseSetCookie(d)
	if err != nil {
		return "", "", false
	}
	return ck.Name, ck.Value, true
}

func isSessionCookie(name string, s *request.Signals) bool {
	return name == request.CookieSession || name == s.CookieName(request.CookieSession)
}
