package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"
)

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
	sharedKeyErr  error
)

// RSAKey returns a process-wide 2048-bit RSA key. Generating keys is slow,
// so tests that only need "a valid signer" share this one.
func RSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	sharedKeyOnce.Do(func() {
		sharedKey, sharedKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, sharedKeyErr, "failed to generate RSA key")
	return sharedKey
}

// NewRSAKey generates a fresh 2048-bit RSA key. Use it when a test needs a
// key that differs from [RSAKey], e.g. to produce a bad signature.
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return key
}

// PublicKeyPEM encodes the public half of key as a PKIX PEM block.
func PublicKeyPEM(t testing.TB, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err, "failed to marshal public key")
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// JWKS builds a JWKS document containing the public halves of keys,
// indexed by key id. Every key is tagged with alg RS256 and use sig.
func JWKS(t testing.TB, keys map[string]*rsa.PrivateKey) []byte {
	t.Helper()
	set := jwk.NewSet()
	for kid, priv := range keys {
		key, err := jwk.Import(&priv.PublicKey)
		require.NoError(t, err, "failed to import public key")
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))
		require.NoError(t, set.AddKey(key))
	}
	data, err := json.Marshal(set)
	require.NoError(t, err, "failed to marshal JWKS")
	return data
}

// SessionClaims returns a valid session token payload for subject issued
// at now and expiring one minute later.
func SessionClaims(subject string, now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": subject,
		"iss": "https://clerk.example.test",
		"sid": "sess_2abc",
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
}

// TokenOption customizes a token minted by [MintToken].
type TokenOption func(*jwt.Token)

// WithType sets the typ header.
func WithType(typ string) TokenOption {
	return func(tok *jwt.Token) { tok.Header["typ"] = typ }
}

// WithoutType removes the typ header.
func WithoutType() TokenOption {
	return func(tok *jwt.Token) { delete(tok.Header, "typ") }
}

// WithMethod signs with method instead of RS256.
func WithMethod(method jwt.SigningMethod) TokenOption {
	return func(tok *jwt.Token) {
		tok.Method = method
		tok.Header["alg"] = method.Alg()
	}
}

// MintToken signs claims with key and stamps kid into the header.
func MintToken(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.Claims, opts ...TokenOption) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	for _, opt := range opts {
		opt(tok)
	}
	signed, err := tok.SignedString(key)
	require.NoError(t, err, "failed to sign token")
	return signed
}
