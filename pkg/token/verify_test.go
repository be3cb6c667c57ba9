package token

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
)

// ===========================================================================
// Helpers
// ===========================================================================

var testNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type verifierFixture struct {
	verifier  *Verifier
	clock     *testclock.Clock
	authority *testutil.Authority
	pem       string
}

func newFixture(t *testing.T) *verifierFixture {
	t.Helper()
	key := testutil.RSAKey(t)
	authority := testutil.NewAuthority(t, testutil.JWKS(t, map[string]*rsa.PrivateKey{fixtures.TestKeyID: key}))

	cfg := remote.DefaultConfig()
	cfg.APIURL = authority.URL()
	cfg.SecretKey = testutil.AuthoritySecret
	client, err := remote.NewClient(cfg)
	require.NoError(t, err)

	clk := testclock.NewClock(testNow)
	store := jwks.NewStore(jwks.Config{Fetcher: client, Clock: clk})
	return &verifierFixture{
		verifier:  NewVerifier(store, clk),
		clock:     clk,
		authority: authority,
		pem:       testutil.PublicKeyPEM(t, key),
	}
}

func (f *verifierFixture) mint(t *testing.T, claims jwt.MapClaims, opts ...testutil.TokenOption) string {
	t.Helper()
	return testutil.MintToken(t, testutil.RSAKey(t), fixtures.TestKeyID, claims, opts...)
}

// craft assembles a compact token from arbitrary header and payload JSON
// with a junk signature.
func craft(t *testing.T, header, payload map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	require.NoError(t, err)
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	return enc.EncodeToString(h) + "." + enc.EncodeToString(p) + "." + enc.EncodeToString([]byte("sig"))
}

// ===========================================================================
// Decode
// ===========================================================================

func TestDecode_SegmentCount(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "a", "a.b", "a.b.c.d", "a.b.c.d.e", "a..c", ".b.c", "a.b."} {
		_, err := Decode(raw)
		testutil.AssertErrorCode(t, err, sserr.CodeAuthenticationInvalid, "raw=%q", raw)
		if err != nil {
			assert.Contains(t, err.Error(), "malformed token")
		}
	}
}

func TestDecode_InvalidSegments(t *testing.T) {
	t.Parallel()

	enc := base64.RawURLEncoding.EncodeToString
	tests := map[string]string{
		"header base64":  "!!!." + enc([]byte(`{}`)) + ".c2ln",
		"header json":    enc([]byte("nope")) + "." + enc([]byte(`{}`)) + ".c2ln",
		"payload base64": enc([]byte(`{"alg":"RS256"}`)) + ".***.c2ln",
		"payload json":   enc([]byte(`{"alg":"RS256"}`)) + "." + enc([]byte("[1,")) + ".c2ln",
		"signature":      enc([]byte(`{"alg":"RS256"}`)) + "." + enc([]byte(`{}`)) + ".%%%",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(raw)
			testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationInvalid)
		})
	}
}

func TestDecode_CarriesPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
	claims["aud"] = fixtures.TestAudience
	claims["custom"] = map[string]any{"plan": "pro"}
	raw := f.mint(t, claims)

	d, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "RS256", d.Header.Alg)
	assert.Equal(t, "JWT", d.Header.Typ)
	assert.Equal(t, fixtures.TestKeyID, d.Header.Kid)
	assert.Equal(t, fixtures.TestSubject, d.Claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{fixtures.TestAudience}, d.Claims.Audience)
	assert.Equal(t, testNow.Unix(), d.Claims.IssuedAt.Unix())
	assert.Equal(t, strings.Split(raw, ".")[0], d.Raw.Header)
	assert.NotEmpty(t, d.Signature)

	payload, err := base64.RawURLEncoding.DecodeString(d.Raw.Payload)
	require.NoError(t, err)
	var want map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&want))
	assert.Equal(t, want, d.Claims.Raw)
}

func TestDecode_PaddedSegments(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow))
	parts := strings.Split(raw, ".")
	for i, p := range parts {
		if n := len(p) % 4; n != 0 {
			parts[i] = p + strings.Repeat("=", 4-n)
		}
	}

	d, err := Decode(strings.Join(parts, "."))
	require.NoError(t, err)
	assert.Equal(t, fixtures.TestSubject, d.Claims.Subject)
}

func TestDecode_UnknownAlgorithmIsNotMalformed(t *testing.T) {
	t.Parallel()

	d, err := Decode(craft(t, map[string]any{"alg": "XX999", "kid": fixtures.TestKeyID}, map[string]any{"sub": "user_1"}))
	require.NoError(t, err)
	assert.Equal(t, "XX999", d.Header.Alg)
	assert.Equal(t, "user_1", d.Claims.Subject)
}

// ===========================================================================
// Verify
// ===========================================================================

func TestVerify_RemoteKeySuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow))

	d, err := f.verifier.Verify(context.Background(), raw, Options{ClockSkew: DefaultClockSkew})
	require.NoError(t, err)
	assert.Equal(t, fixtures.TestSubject, d.Claims.Subject)

	// Re-verification yields the same payload and reuses the cached key.
	again, err := f.verifier.Verify(context.Background(), raw, Options{ClockSkew: DefaultClockSkew})
	require.NoError(t, err)
	assert.Equal(t, d.Claims, again.Claims)
	assert.Equal(t, 1, f.authority.JWKSCalls())
}

func TestVerify_LocalKeySuccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow))

	_, err := f.verifier.Verify(context.Background(), raw, Options{JWTKey: f.pem})
	require.NoError(t, err)
	assert.Equal(t, 0, f.authority.JWKSCalls())
}

func TestVerify_AllRSAAlgorithms(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, method := range []jwt.SigningMethod{jwt.SigningMethodRS256, jwt.SigningMethodRS384, jwt.SigningMethodRS512} {
		raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow), testutil.WithMethod(method))
		_, err := f.verifier.Verify(context.Background(), raw, Options{JWTKey: f.pem})
		assert.NoError(t, err, method.Alg())
	}
}

func TestVerify_ClockSkewBoundary(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	skew := 5 * time.Second

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		code   sserr.Code
	}{
		{
			name:   "exp equals now",
			mutate: func(c jwt.MapClaims) { c["exp"] = testNow.Unix() },
			code:   sserr.CodeAuthenticationExpired,
		},
		{
			name:   "nbf at now plus skew",
			mutate: func(c jwt.MapClaims) { c["nbf"] = testNow.Add(skew).Unix() },
			code:   sserr.CodeAuthenticationNotActive,
		},
		{
			name:   "iat at now plus skew",
			mutate: func(c jwt.MapClaims) { c["iat"] = testNow.Add(skew).Unix() },
			code:   sserr.CodeAuthenticationIssuedInFuture,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
			tt.mutate(claims)
			raw := f.mint(t, claims)

			_, err := f.verifier.Verify(ctx, raw, Options{JWTKey: f.pem, ClockSkew: skew})
			assert.NoError(t, err, "within tolerance")

			_, err = f.verifier.Verify(ctx, raw, Options{JWTKey: f.pem})
			testutil.AssertErrorCode(t, err, tt.code)
			assert.True(t, sserr.IsTokenTiming(err))
		})
	}
}

func TestVerify_ExpiredBeyondSkew(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
	claims["exp"] = testNow.Add(-5 * time.Second).Unix()
	raw := f.mint(t, claims)

	_, err := f.verifier.Verify(context.Background(), raw, Options{JWTKey: f.pem, ClockSkew: 5 * time.Second})
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExpired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerify_AudienceReportedBeforeTiming(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
	claims["aud"] = "other"
	claims["exp"] = testNow.Add(-time.Hour).Unix()

	_, err := f.verifier.Verify(context.Background(), f.mint(t, claims),
		Options{JWTKey: f.pem, Audience: []string{fixtures.TestAudience}})
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationAudience)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidAudience)
}

func TestVerify_HeaderChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	payload := map[string]any{"sub": fixtures.TestSubject, "exp": testNow.Add(time.Minute).Unix()}

	tests := []struct {
		name   string
		header map[string]any
		code   sserr.Code
	}{
		{name: "alg none", header: map[string]any{"alg": "none", "kid": fixtures.TestKeyID}, code: sserr.CodeAuthenticationAlgorithm},
		{name: "alg HS256", header: map[string]any{"alg": "HS256", "kid": fixtures.TestKeyID}, code: sserr.CodeAuthenticationAlgorithm},
		{name: "alg ES256", header: map[string]any{"alg": "ES256", "kid": fixtures.TestKeyID}, code: sserr.CodeAuthenticationAlgorithm},
		{name: "alg missing", header: map[string]any{"kid": fixtures.TestKeyID}, code: sserr.CodeAuthenticationAlgorithm},
		{name: "typ mismatch", header: map[string]any{"alg": "RS256", "typ": "at+jwt", "kid": fixtures.TestKeyID}, code: sserr.CodeAuthenticationTokenType},
		{name: "kid missing", header: map[string]any{"alg": "RS256"}, code: sserr.CodeAuthenticationInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.verifier.Verify(ctx, craft(t, tt.header, payload), Options{})
			testutil.RequireErrorCode(t, err, tt.code)
		})
	}
	assert.Equal(t, 0, f.authority.JWKSCalls())
}

func TestVerify_TypeAllowlist(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow), testutil.WithType("at+jwt"))
	_, err := f.verifier.Verify(context.Background(), raw, Options{JWTKey: f.pem, Types: []string{"at+jwt"}})
	require.NoError(t, err)

	untyped := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow), testutil.WithoutType())
	_, err = f.verifier.Verify(context.Background(), untyped, Options{JWTKey: f.pem})
	require.NoError(t, err)
}

func TestVerify_ClaimChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		opts   Options
		code   sserr.Code
	}{
		{
			name:   "missing subject",
			mutate: func(c jwt.MapClaims) { delete(c, "sub") },
			code:   sserr.CodeAuthenticationSubject,
		},
		{
			name:   "missing exp",
			mutate: func(c jwt.MapClaims) { delete(c, "exp") },
			code:   sserr.CodeAuthenticationInvalid,
		},
		{
			name:   "audience mismatch",
			mutate: func(c jwt.MapClaims) { c["aud"] = "other" },
			opts:   Options{Audience: []string{fixtures.TestAudience}},
			code:   sserr.CodeAuthenticationAudience,
		},
		{
			name:   "azp not allowed",
			mutate: func(c jwt.MapClaims) { c["azp"] = "https://evil.example.test" },
			opts:   Options{AuthorizedParties: []string{fixtures.TestAuthorizedParty}},
			code:   sserr.CodeAuthenticationAuthorizedParty,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
			tt.mutate(claims)
			opts := tt.opts
			opts.JWTKey = f.pem
			_, err := f.verifier.Verify(ctx, f.mint(t, claims), opts)
			testutil.RequireErrorCode(t, err, tt.code)
		})
	}
}

func TestVerify_ClaimChecksPass(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		opts   Options
	}{
		{
			name:   "scalar audience",
			mutate: func(c jwt.MapClaims) { c["aud"] = fixtures.TestAudience },
			opts:   Options{Audience: []string{"x", fixtures.TestAudience}},
		},
		{
			name:   "list audience",
			mutate: func(c jwt.MapClaims) { c["aud"] = []string{"y", fixtures.TestAudience} },
			opts:   Options{Audience: []string{fixtures.TestAudience}},
		},
		{
			name:   "audience absent but configured",
			mutate: func(c jwt.MapClaims) { delete(c, "aud") },
			opts:   Options{Audience: []string{fixtures.TestAudience}},
		},
		{
			name:   "empty audience list",
			mutate: func(c jwt.MapClaims) { c["aud"] = []string{} },
			opts:   Options{Audience: []string{fixtures.TestAudience}},
		},
		{
			name:   "audience not configured",
			mutate: func(c jwt.MapClaims) { c["aud"] = "anything" },
		},
		{
			name:   "azp allowed",
			mutate: func(c jwt.MapClaims) { c["azp"] = fixtures.TestAuthorizedParty },
			opts:   Options{AuthorizedParties: []string{fixtures.TestAuthorizedParty}},
		},
		{
			name:   "azp absent",
			mutate: func(jwt.MapClaims) {},
			opts:   Options{AuthorizedParties: []string{fixtures.TestAuthorizedParty}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
			tt.mutate(claims)
			opts := tt.opts
			opts.JWTKey = f.pem
			_, err := f.verifier.Verify(ctx, f.mint(t, claims), opts)
			require.NoError(t, err)
		})
	}
}

func TestVerify_SignatureVersusKeyResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	claims := testutil.SessionClaims(fixtures.TestSubject, testNow)

	forged := testutil.MintToken(t, testutil.NewRSAKey(t), fixtures.TestKeyID, claims)
	_, err := f.verifier.Verify(ctx, forged, Options{})
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSignature)

	unknown := testutil.MintToken(t, testutil.RSAKey(t), "ins_unknown", claims)
	_, err = f.verifier.Verify(ctx, unknown, Options{})
	testutil.RequireErrorCode(t, err, sserr.CodeKeyNotFound)
}

func TestVerify_TamperedPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, testutil.SessionClaims(fixtures.TestSubject, testNow))
	parts := strings.Split(raw, ".")
	other := f.mint(t, testutil.SessionClaims("user_other", testNow))
	parts[1] = strings.Split(other, ".")[1]

	_, err := f.verifier.Verify(context.Background(), strings.Join(parts, "."), Options{JWTKey: f.pem})
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSignature)
}

func TestVerifyHandshake_SkipsSubjectAndAudience(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	raw := f.mint(t, jwt.MapClaims{
		"handshake": []string{"__session=abc; Path=/"},
		"iat":       testNow.Unix(),
		"exp":       testNow.Add(time.Minute).Unix(),
	})

	d, err := f.verifier.VerifyHandshake(context.Background(), raw, Options{Audience: []string{fixtures.TestAudience}})
	require.NoError(t, err)
	assert.Equal(t, []string{"__session=abc; Path=/"}, d.Claims.Handshake)

	_, err = f.verifier.Verify(context.Background(), raw, Options{})
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationSubject)
}

func TestClaims_ActiveOrganization(t *testing.T) {
	t.Parallel()

	v1 := &Claims{OrgID: fixtures.TestOrgID, OrgSlug: fixtures.TestOrgSlug}
	assert.Equal(t, fixtures.TestOrgID, v1.ActiveOrgID())
	assert.Equal(t, fixtures.TestOrgSlug, v1.ActiveOrgSlug())

	v2 := &Claims{Org: &OrgClaims{ID: "org_v2", Slug: "v2"}}
	assert.Equal(t, "org_v2", v2.ActiveOrgID())
	assert.Equal(t, "v2", v2.ActiveOrgSlug())

	none := &Claims{}
	assert.Empty(t, none.ActiveOrgID())
}
