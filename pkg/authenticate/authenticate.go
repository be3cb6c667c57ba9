// Package authenticate classifies incoming requests as signed in, signed
// out, or in need of a handshake with the identity platform.
//
// An [Authenticator] reads the request's signals once ([request.New]) and
// runs them through an ordered rule list. The first rule whose predicate
// holds decides the verdict; see [Authenticator.Rules] for the order.
// Verification failures become signed-out verdicts with a stable
// [Reason]. Only configuration-level failures (no credentials, no signing
// keys, an unparseable local key) are returned as errors.
//
// Example:
//
//	a, err := authenticate.New(opts, authenticate.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	http.Handle("/", a.Middleware(app))
package authenticate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/handshake"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/orgsync"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/token"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/authenticate"

// Option customizes an Authenticator.
type Option func(*settings)

type settings struct {
	logger     *slog.Logger
	clock      clock.Clock
	httpClient remote.HTTPClient
	metrics    *Metrics
	retry      jwks.RetryPolicy
	tracer     trace.TracerProvider
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

// WithClock sets the time source for token and cache checks.
func WithClock(c clock.Clock) Option { return func(s *settings) { s.clock = c } }

// WithHTTPClient sets the client used for remote authority calls.
func WithHTTPClient(c remote.HTTPClient) Option { return func(s *settings) { s.httpClient = c } }

// WithMetrics records verdicts and key fetches in m.
func WithMetrics(m *Metrics) Option { return func(s *settings) { s.metrics = m } }

// WithRetryPolicy overrides the key fetch retry policy.
func WithRetryPolicy(p jwks.RetryPolicy) Option { return func(s *settings) { s.retry = p } }

// WithTracerProvider sets the provider for verdict spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) { s.tracer = tp }
}

// Authenticator evaluates requests. It is safe for concurrent use; the
// key cache is shared by all requests.
type Authenticator struct {
	opts      Options
	tokenOpts token.Options
	key       request.PublishableKey

	keys     *jwks.Store
	verifier *token.Verifier
	machine  *token.MachineVerifier
	matcher  *orgsync.Matcher
	coord    *handshake.Coordinator
	rulelist []Rule[*evaluation, *RequestState]

	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// New validates opts and wires the key store, verifiers, organization
// matcher and handshake coordinator.
//
// Error codes returned:
//   - VAL_xxx: opts failed [Options.Validate]
func New(opts Options, optFns ...Option) (*Authenticator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	st := settings{logger: slog.Default(), clock: clock.WallClock}
	for _, fn := range optFns {
		fn(&st)
	}
	if st.logger == nil {
		st.logger = slog.Default()
	}
	if st.tracer == nil {
		st.tracer = otel.GetTracerProvider()
	}

	key, err := request.ParsePublishableKey(opts.PublishableKey)
	if err != nil {
		return nil, err
	}
	matcher, err := orgsync.New(opts.Options)
	if err != nil {
		return nil, err
	}

	rc := opts.remoteConfig()
	rc.HTTPClient = st.httpClient
	client, err := remote.NewClient(rc)
	if err != nil {
		return nil, err
	}

	var observer jwks.FetchObserver
	if st.metrics != nil {
		observer = st.metrics
	}
	keys := jwks.NewStore(jwks.Config{
		Fetcher:  client,
		MaxAge:   opts.JWKSMaxAge,
		Retry:    st.retry,
		Clock:    st.clock,
		Logger:   st.logger,
		Observer: observer,
	})

	// Machine tokens and nonces need the secret key; without one the
	// verifiers report a configuration error instead of calling out.
	var (
		authority token.MachineAuthority
		payloads  handshake.PayloadFetcher
	)
	if opts.SecretKey != "" {
		authority, payloads = client, client
	}

	a := &Authenticator{
		opts:      opts,
		tokenOpts: opts.tokenOptions(),
		key:       key,
		keys:      keys,
		verifier:  token.NewVerifier(keys, st.clock),
		machine:   token.NewMachineVerifier(authority, st.clock),
		matcher:   matcher,
		logger:    st.logger,
		metrics:   st.metrics,
		tracer:    st.tracer.Tracer(tracerName),
	}
	a.coord = handshake.NewCoordinator(handshake.Config{
		Key:              key,
		ProxyURL:         opts.ProxyURL,
		Domain:           opts.Domain,
		IsSatellite:      opts.IsSatellite,
		SignInURL:        opts.SignInURL,
		SatelliteOrigins: opts.SatelliteOrigins,
		Organizations:    matcher,
		Verifier:         a.verifier,
		Payloads:         payloads,
		TokenOptions:     a.tokenOpts,
		Clock:            st.clock,
		Logger:           st.logger,
	})
	a.rulelist = a.rules()
	return a, nil
}

// Rules returns the rule names in evaluation order.
func (a *Authenticator) Rules() []string {
	names := make([]string, len(a.rulelist))
	for i, r := range a.rulelist {
		names[i] = r.Name
	}
	return names
}

// Authenticate classifies r. The returned error is non-nil only for
// configuration-level failures, in which case no verdict is produced.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*RequestState, error) {
	return a.evaluate(ctx, request.New(r, a.key))
}

// AuthenticateToken verifies a bearer token outside of an HTTP request,
// as the header path does. Used by the gRPC interceptors.
func (a *Authenticator) AuthenticateToken(ctx context.Context, raw string) (*RequestState, error) {
	return a.evaluate(ctx, &request.Signals{SessionTokenInHeader: raw, Key: a.key})
}

func (a *Authenticator) evaluate(ctx context.Context, s *request.Signals) (_ *RequestState, retErr error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "authenticate.Authenticate", trace.WithSpanKind(trace.SpanKindInternal))

	var (
		state *RequestState
		rule  string
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
			a.logger.ErrorContext(ctx, "authenticate: configuration error, refusing the request",
				"error", retErr, "rule", rule)
		} else {
			span.SetAttributes(
				attribute.String("authenticate.status", string(state.Status)),
				attribute.String("authenticate.reason", string(state.Reason)))
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.String("authenticate.rule", rule))
		span.End()
		a.metrics.observeVerdict(state, retErr, time.Since(start))
	}()

	state, rule, err := FirstMatch(ctx, a.rulelist, &evaluation{signals: s})
	if err != nil {
		return nil, err
	}
	if state.Status != StatusSignedIn {
		a.logger.DebugContext(ctx, "authenticate: request not signed in",
			"status", state.Status, "reason", state.Reason, "rule", rule)
	}
	return state, nil
}

// verifyToken verifies a header-carried credential, dispatching machine
// tokens to the remote authority.
func (a *Authenticator) verifyToken(ctx context.Context, raw string) (*RequestState, error) {
	tt := token.Classify(raw)
	if !a.opts.accepts(tt) {
		return signedOut(ReasonTokenTypeMismatch,
			"token type "+string(tt)+" is not accepted", carrierHeader, nil), nil
	}

	if tt.IsMachine() {
		m, err := a.machine.Verify(ctx, raw)
		if err != nil {
			return a.failure(err, carrierHeader)
		}
		return &RequestState{Status: StatusSignedIn, TokenType: tt, Machine: m}, nil
	}

	d, err := a.verifier.Verify(ctx, raw, a.tokenOpts)
	if err != nil {
		return a.failure(err, carrierHeader)
	}
	return signedIn(tt, d, nil), nil
}
