// Package jwks resolves and caches the RSA public keys used to verify
// session tokens.
//
// A [Store] holds two kinds of entries in one immutable snapshot:
//
//   - local keys, parsed once from a PEM public key and cached forever
//     under the namespaced id "local:<kid>";
//   - remote keys, fetched as a full JWKS document from the remote
//     authority and expiring together [DefaultMaxAge] after the fetch.
//
// Readers load the current snapshot without locking. A refresh builds a
// new snapshot (carrying the local keys forward) and publishes it with a
// single atomic swap, so no reader ever observes a partially replaced
// cache. Concurrent refreshes are coalesced into one remote fetch.
package jwks

import (
	"context"
	"crypto/rsa"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/juju/clock"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"

// DefaultMaxAge is how long a remote key set stays fresh after a
// successful fetch.
const DefaultMaxAge = 5 * time.Minute

// localPrefix namespaces locally supplied keys so they never collide with
// a remote key that shares the same kid.
const localPrefix = "local:"

// TTLClass distinguishes expiring remote entries from non-expiring local
// entries.
type TTLClass int

const (
	// Expiring entries were fetched remotely and share the key set's
	// max-age.
	Expiring TTLClass = iota
	// NonExpiring entries were supplied locally and live for the life of
	// the store.
	NonExpiring
)

// String returns the class name.
func (c TTLClass) String() string {
	if c == NonExpiring {
		return "non-expiring"
	}
	return "expiring"
}

// Key is a cached verification key. A Key is never modified after it is
// stored.
type Key struct {
	// ID is the key id as it appears in token headers.
	ID string
	// Material is the RSA public key.
	Material *rsa.PublicKey
	// Algorithm is the JWK "alg" member, if the key set declared one.
	Algorithm string
	// CachedAt is when the key entered the cache.
	CachedAt time.Time
	// TTLClass tells whether the key expires with the remote key set.
	TTLClass TTLClass
}

// Fetcher retrieves the full JWKS document from the remote authority.
// [remote.Client] satisfies this interface.
type Fetcher interface {
	FetchJWKS(ctx context.Context) ([]byte, error)
}

// FetchObserver is notified once per remote fetch attempt with its
// outcome: "success", "retry" or "failure".
type FetchObserver interface {
	ObserveFetch(outcome string)
}

// Source selects how [Store.Resolve] obtains a key. A non-empty PEM
// selects local mode; otherwise the key is resolved remotely.
type Source struct {
	// PEM is a PEM-encoded RSA public key for local mode.
	PEM string
	// ForceRefresh skips the cache and refetches the remote key set.
	ForceRefresh bool
}

// RetryPolicy bounds remote fetch retries.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// MaxInterval caps the delay between attempts.
	MaxInterval time.Duration
}

// DefaultRetryPolicy returns five attempts with exponential backoff
// starting at 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Config configures a Store. The zero value is usable for local-only
// stores.
type Config struct {
	// Fetcher retrieves remote key sets. Required for remote resolution.
	Fetcher Fetcher
	// MaxAge overrides [DefaultMaxAge].
	MaxAge time.Duration
	// Retry overrides [DefaultRetryPolicy]. A zero MaxAttempts uses the
	// default.
	Retry RetryPolicy
	// Clock is the time source for cache expiry. Defaults to the wall
	// clock.
	Clock clock.Clock
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Observer, if set, receives fetch outcomes.
	Observer FetchObserver
}

// snapshot is an immutable view of the cache.
type snapshot struct {
	keys      map[string]*Key
	fetchedAt time.Time
	hasRemote bool
	// generation counts published remote refreshes.
	generation uint64
}

// Store resolves and caches verification keys. It is safe for concurrent
// use.
type Store struct {
	fetcher  Fetcher
	maxAge   time.Duration
	retry    RetryPolicy
	clock    clock.Clock
	logger   *slog.Logger
	observer FetchObserver
	tracer   trace.Tracer

	snap  atomic.Pointer[snapshot]
	mu    sync.Mutex
	group singleflight.Group
}

// NewStore creates a Store from cfg.
func NewStore(cfg Config) *Store {
	s := &Store{
		fetcher:  cfg.Fetcher,
		maxAge:   cfg.MaxAge,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		tracer:   otel.Tracer(tracerName),
	}
	if s.maxAge <= 0 {
		s.maxAge = DefaultMaxAge
	}
	if s.retry.MaxAttempts == 0 {
		s.retry = DefaultRetryPolicy()
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.snap.Store(&snapshot{keys: map[string]*Key{}})
	return s
}

// Resolve returns the key for kid from src.
//
// Error codes returned:
//   - [sserr.CodeKeyLocalMissing]: local PEM could not be parsed as an
//     RSA public key
//   - [sserr.CodeKeyNotFound]: kid absent from the fetched key set
//   - [sserr.CodeKeySetEmpty]: remote key set contained no usable keys
//   - [sserr.CodeKeyInvalidCredential]: remote authority rejected the
//     secret key
//   - [sserr.CodeKeyRemoteFailed]: fetch failed after retries
//   - [sserr.CodeInternalConfiguration]: no fetcher configured
func (s *Store) Resolve(ctx context.Context, kid string, src Source) (*Key, error) {
	if src.PEM != "" {
		return s.LoadLocal(kid, src.PEM)
	}
	return s.LoadRemote(ctx, kid, src.ForceRefresh)
}

// LoadLocal parses pemKey once and caches it under the namespaced kid.
// Subsequent calls with the same kid return the same *Key without
// reparsing.
func (s *Store) LoadLocal(kid, pemKey string) (*Key, error) {
	id := localPrefix + kid
	if key, ok := s.snap.Load().keys[id]; ok {
		return key, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if key, ok := cur.keys[id]; ok {
		return key, nil
	}

	parsed, err := jwk.ParseKey([]byte(pemKey), jwk.WithPEM(true))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeKeyLocalMissing, "jwks: failed to parse local PEM public key")
	}
	material, err := rsaMaterial(parsed)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeKeyLocalMissing, "jwks: local key is not an RSA public key")
	}
	key := &Key{
		ID:        kid,
		Material:  material,
		Algorithm: "RS256",
		CachedAt:  s.clock.Now(),
		TTLClass:  NonExpiring,
	}

	next := &snapshot{
		keys:       make(map[string]*Key, len(cur.keys)+1),
		fetchedAt:  cur.fetchedAt,
		hasRemote:  cur.hasRemote,
		generation: cur.generation,
	}
	for k, v := range cur.keys {
		next.keys[k] = v
	}
	next.keys[id] = key
	s.snap.Store(next)
	return key, nil
}

// LoadRemote returns the remote key for kid. Unless forceRefresh is set, a
// fresh cache containing kid answers without any network call; otherwise
// the full key set is refetched and the cache replaced before the lookup.
func (s *Store) LoadRemote(ctx context.Context, kid string, forceRefresh bool) (*Key, error) {
	cur := s.snap.Load()
	if !forceRefresh && cur.hasRemote && !s.expired(cur) {
		if key, ok := cur.keys[kid]; ok {
			return key, nil
		}
	}

	if s.fetcher == nil {
		return nil, sserr.Configuration("jwks: no remote authority configured; set a secret key or a local JWT key")
	}

	snap, err := s.refreshAfter(ctx, cur)
	if err != nil {
		return nil, err
	}

	if key, ok := snap.keys[kid]; ok && key.TTLClass == Expiring {
		return key, nil
	}
	available := remoteKids(snap)
	return nil, sserr.Newf(sserr.CodeKeyNotFound,
		"jwks: unable to find a signing key that matches kid %q; available kids: [%s]; "+
			"go to your dashboard and validate your secret and public keys are correct",
		kid, strings.Join(available, ", ")).
		WithDetail("available_kids", available)
}

// refreshAfter returns a remote snapshot newer than seen. Concurrent
// callers share one fetch, and a caller that arrives after a refresh has
// already been published reuses it.
func (s *Store) refreshAfter(ctx context.Context, seen *snapshot) (*snapshot, error) {
	ch := s.group.DoChan("refresh", func() (any, error) {
		if cur := s.snap.Load(); cur.generation > seen.generation && !s.expired(cur) {
			return cur, nil
		}
		return s.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeTimeoutDependency, "jwks: waiting for key set refresh")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	}
}

// expired reports whether the remote portion of snap is past its max-age.
func (s *Store) expired(snap *snapshot) bool {
	return !s.clock.Now().Before(snap.fetchedAt.Add(s.maxAge))
}

// refresh fetches the remote key set with retries, builds a new snapshot
// carrying local keys forward, and publishes it.
func (s *Store) refresh(ctx context.Context) (_ *snapshot, retErr error) {
	ctx, span := s.tracer.Start(ctx, "jwks.Refresh", trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	body, attempts, err := s.fetchWithRetry(ctx)
	span.SetAttributes(attribute.Int("jwks.attempts", attempts))
	if err != nil {
		return nil, err
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeKeyRemoteFailed, "jwks: failed to parse remote key set")
	}

	now := s.clock.Now()
	remote := make(map[string]*Key, set.Len())
	for i := range set.Len() {
		raw, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := raw.KeyID()
		if !ok || kid == "" {
			continue
		}
		material, err := rsaMaterial(raw)
		if err != nil {
			s.logger.DebugContext(ctx, "jwks: skipping non-RSA key", "kid", kid, "error", err)
			continue
		}
		var alg string
		if a, ok := raw.Algorithm(); ok {
			alg = a.String()
		}
		remote[kid] = &Key{ID: kid, Material: material, Algorithm: alg, CachedAt: now, TTLClass: Expiring}
	}
	if len(remote) == 0 {
		return nil, sserr.New(sserr.CodeKeySetEmpty,
			"jwks: the remote key set contains no usable signing keys; check the instance's signing key configuration")
	}
	span.SetAttributes(attribute.Int("jwks.keys", len(remote)))

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.snap.Load()
	next := &snapshot{keys: remote, fetchedAt: now, hasRemote: true, generation: prev.generation + 1}
	for id, key := range prev.keys {
		if key.TTLClass == NonExpiring {
			next.keys[id] = key
		}
	}
	s.snap.Store(next)
	return next, nil
}

// fetchWithRetry calls the fetcher under the retry policy. Retryable
// failures ([sserr.IsRetryable]) are retried with exponential backoff;
// anything else stops immediately.
func (s *Store) fetchWithRetry(ctx context.Context) ([]byte, int, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.retry.InitialInterval
	expBackoff.MaxInterval = s.retry.MaxInterval
	expBackoff.Reset()

	attempts := 0
	operation := func() ([]byte, error) {
		attempts++
		body, err := s.fetcher.FetchJWKS(ctx)
		if err == nil {
			s.observe("success")
			return body, nil
		}
		if !sserr.IsRetryable(err) {
			s.observe("failure")
			return nil, backoff.Permanent(err)
		}
		if uint(attempts) < s.retry.MaxAttempts {
			s.observe("retry")
		} else {
			s.observe("failure")
		}
		return nil, err
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(s.retry.MaxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.WarnContext(ctx, "jwks: key set fetch failed, retrying",
				"error", err, "attempt", attempts, "backoff", d)
		}),
	)
	if err == nil {
		return body, attempts, nil
	}
	if !sserr.IsRetryable(err) {
		var ssErr *sserr.Error
		if errors.As(err, &ssErr) {
			return nil, attempts, ssErr
		}
	}
	return nil, attempts, sserr.Wrapf(err, sserr.CodeKeyRemoteFailed,
		"jwks: failed to load keys from the remote authority after %d attempts", attempts).
		WithDetail("attempts", attempts)
}

func (s *Store) observe(outcome string) {
	if s.observer != nil {
		s.observer.ObserveFetch(outcome)
	}
}

// Keys returns the ids of all cached keys, local ones namespaced, sorted.
func (s *Store) Keys() []string {
	snap := s.snap.Load()
	ids := make([]string, 0, len(snap.keys))
	for id := range snap.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// remoteKids returns the sorted remote kids in snap.
func remoteKids(snap *snapshot) []string {
	kids := make([]string, 0, len(snap.keys))
	for id, key := range snap.keys {
		if key.TTLClass == Expiring {
			kids = append(kids, id)
		}
	}
	sort.Strings(kids)
	return kids
}

// rsaMaterial extracts the RSA public key from a JWK.
func rsaMaterial(key jwk.Key) (*rsa.PublicKey, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, err
	}
	switch k := raw.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, errors.New("unsupported key type")
	}
}
