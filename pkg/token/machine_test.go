package token

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/remote"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	key := testutil.RSAKey(t)
	claims := testutil.SessionClaims(fixtures.TestSubject, testNow)
	session := testutil.MintToken(t, key, fixtures.TestKeyID, claims)
	oauthJWT := testutil.MintToken(t, key, fixtures.TestKeyID, claims, testutil.WithType("at+jwt"))
	oauthJWTLong := testutil.MintToken(t, key, fixtures.TestKeyID, claims, testutil.WithType("application/at+jwt"))

	tests := []struct {
		raw  string
		want Type
	}{
		{raw: "ak_live_123", want: TypeAPIKey},
		{raw: "mt_123", want: TypeM2MToken},
		{raw: "oat_123", want: TypeOAuthToken},
		{raw: oauthJWT, want: TypeOAuthToken},
		{raw: oauthJWTLong, want: TypeOAuthToken},
		{raw: session, want: TypeSessionToken},
		{raw: "garbage", want: TypeSessionToken},
		{raw: "a.b.c", want: TypeSessionToken},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.raw), tt.raw)
	}

	assert.True(t, TypeAPIKey.IsMachine())
	assert.True(t, TypeOAuthToken.IsMachine())
	assert.False(t, TypeSessionToken.IsMachine())
}

func newMachineVerifier(t *testing.T) (*MachineVerifier, *testutil.Authority) {
	t.Helper()
	authority := testutil.NewAuthority(t, nil)
	cfg := remote.DefaultConfig()
	cfg.APIURL = authority.URL()
	cfg.SecretKey = testutil.AuthoritySecret
	client, err := remote.NewClient(cfg)
	require.NoError(t, err)
	return NewMachineVerifier(client, testclock.NewClock(testNow)), authority
}

func TestMachineVerifier_Verify(t *testing.T) {
	t.Parallel()

	v, authority := newMachineVerifier(t)
	future := testNow.Add(time.Hour).Unix()
	past := testNow.Add(-time.Hour).Unix()
	authority.SetMachineToken("ak_ok", http.StatusOK, map[string]any{
		"object": "api_key", "id": "ak_id", "subject": fixtures.TestSubject, "name": "ci", "expiration": future,
	})
	authority.SetMachineToken("mt_ok", http.StatusOK, map[string]any{
		"object": "machine_to_machine_token", "id": "mt_id", "subject": "mch_1", "scopes": []string{"mch_2"},
	})
	authority.SetMachineToken("ak_revoked", http.StatusOK, map[string]any{"id": "ak_r", "revoked": true})
	authority.SetMachineToken("ak_expired", http.StatusOK, map[string]any{"id": "ak_e", "expiration": past})
	authority.SetMachineToken("mt_flagged", http.StatusOK, map[string]any{"id": "mt_f", "expired": true})
	authority.SetMachineToken("ak_rejected", http.StatusUnauthorized, nil)

	oauth := testutil.MintToken(t, testutil.RSAKey(t), fixtures.TestKeyID,
		jwt.MapClaims{"sub": "user_1"}, testutil.WithType("at+jwt"))
	authority.SetMachineToken(oauth, http.StatusOK, map[string]any{"id": "oat_id", "subject": "user_1", "client_id": "cli_1"})

	ctx := context.Background()

	m, err := v.Verify(ctx, "ak_ok")
	require.NoError(t, err)
	assert.Equal(t, TypeAPIKey, m.Type)
	assert.Equal(t, fixtures.TestSubject, m.Subject)
	require.NotNil(t, m.ExpiresAt)
	assert.Equal(t, future, m.ExpiresAt.Unix())

	m, err = v.Verify(ctx, "mt_ok")
	require.NoError(t, err)
	assert.Equal(t, TypeM2MToken, m.Type)
	assert.Equal(t, []string{"mch_2"}, m.Scopes)

	m, err = v.Verify(ctx, oauth)
	require.NoError(t, err)
	assert.Equal(t, TypeOAuthToken, m.Type)
	assert.Equal(t, "cli_1", m.ClientID)

	for raw, code := range map[string]sserr.Code{
		"ak_revoked":  sserr.CodeMachineTokenInvalid,
		"ak_expired":  sserr.CodeMachineTokenInvalid,
		"mt_flagged":  sserr.CodeMachineTokenInvalid,
		"ak_rejected": sserr.CodeMachineTokenInvalid,
		"oat_unknown": sserr.CodeMachineTokenNotFound,
	} {
		_, err := v.Verify(ctx, raw)
		testutil.AssertErrorCode(t, err, code, raw)
	}
}

func TestMachineVerifier_RejectsSessionTokens(t *testing.T) {
	t.Parallel()

	v, authority := newMachineVerifier(t)
	_, err := v.Verify(context.Background(), "eyJ.a.b")
	testutil.RequireErrorCode(t, err, sserr.CodeAuthenticationTokenType)
	assert.Equal(t, 0, authority.VerifyCalls())
}

func TestMachineVerifier_NoAuthority(t *testing.T) {
	t.Parallel()

	v := NewMachineVerifier(nil, nil)
	_, err := v.Verify(context.Background(), "ak_123")
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}
