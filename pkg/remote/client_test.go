package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// ===========================================================================
// Helpers
// ===========================================================================

func newTestClient(t *testing.T, authority *testutil.Authority) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.APIURL = authority.URL()
	cfg.SecretKey = testutil.AuthoritySecret
	client, err := NewClient(cfg)
	require.NoError(t, err)
	return client
}

// mockHTTPClient implements HTTPClient using testify/mock.
type mockHTTPClient struct {
	mock.Mock
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

// ===========================================================================
// Config
// ===========================================================================

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		code   sserr.Code
	}{
		{name: "empty url", mutate: func(c *Config) { c.APIURL = "" }, code: sserr.CodeValidationRequired},
		{name: "relative url", mutate: func(c *Config) { c.APIURL = "api.example.test" }, code: sserr.CodeValidationFormat},
		{name: "nested version", mutate: func(c *Config) { c.APIVersion = "v1/extra" }, code: sserr.CodeValidationFormat},
		{name: "negative timeout", mutate: func(c *Config) { c.Timeout = -time.Second }, code: sserr.CodeValidationRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			testutil.AssertErrorCode(t, cfg.Validate(), tt.code)
		})
	}

	cfg := DefaultConfig()
	assert.Nil(t, cfg.Validate())
}

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SecretKey = "sk_live_very_secret"

	testutil.AssertJSONNotContains(t, struct {
		Key Secret `json:"key"`
	}{cfg.SecretKey}, "sk_live_very_secret")
	assert.Equal(t, "[REDACTED]", cfg.SecretKey.String())
	assert.Equal(t, "sk_live_very_secret", cfg.SecretKey.Value())
}

func TestConfig_SecretKeyFromJSON(t *testing.T) {
	t.Parallel()

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(`{"api_url":"https://api.example.test","secret_key":"sk_live_from_file"}`), &cfg))
	assert.Equal(t, "sk_live_from_file", cfg.SecretKey.Value())
	assert.Equal(t, "https://api.example.test", cfg.APIURL)

	// Marshalling the loaded config still redacts the secret.
	testutil.AssertJSONNotContains(t, cfg, "sk_live_from_file")
}

// ===========================================================================
// FetchJWKS
// ===========================================================================

func TestClient_FetchJWKS_Success(t *testing.T) {
	t.Parallel()

	body := testutil.JWKS(t, nil)
	authority := testutil.NewAuthority(t, body)
	client := newTestClient(t, authority)

	got, err := client.FetchJWKS(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(got))
	assert.Equal(t, 1, authority.JWKSCalls())
}

func TestClient_FetchJWKS_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		code   sserr.Code
	}{
		{http.StatusUnauthorized, sserr.CodeKeyInvalidCredential},
		{http.StatusForbidden, sserr.CodeKeyInvalidCredential},
		{http.StatusTooManyRequests, sserr.CodeUnavailableDependency},
		{http.StatusServiceUnavailable, sserr.CodeUnavailableDependency},
		{http.StatusBadRequest, sserr.CodeKeyRemoteFailed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			authority := testutil.NewAuthority(t, nil)
			authority.FailJWKS(tt.status, -1)
			client := newTestClient(t, authority)

			_, err := client.FetchJWKS(context.Background())
			testutil.RequireErrorCode(t, err, tt.code)
			ssErr, _ := sserr.AsError(err)
			assert.Equal(t, tt.status, ssErr.Details["status"])
		})
	}
}

func TestClient_FetchJWKS_WrongSecret(t *testing.T) {
	t.Parallel()

	authority := testutil.NewAuthority(t, nil)
	cfg := DefaultConfig()
	cfg.APIURL = authority.URL()
	cfg.SecretKey = "sk_test_wrong"
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.FetchJWKS(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeKeyInvalidCredential)
	assert.Contains(t, err.Error(), "invalid secret key")
	assert.True(t, sserr.IsFatal(err))
}

func TestClient_MissingSecret(t *testing.T) {
	t.Parallel()

	authority := testutil.NewAuthority(t, nil)
	cfg := DefaultConfig()
	cfg.APIURL = authority.URL()
	client, err := NewClient(cfg)
	require.NoError(t, err)

	_, err = client.FetchJWKS(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)

	_, err = client.VerifyAPIKey(context.Background(), "ak_123")
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
	assert.Equal(t, 0, authority.JWKSCalls())
}

func TestClient_TransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code sserr.Code
	}{
		{name: "deadline", err: context.DeadlineExceeded, code: sserr.CodeTimeoutDependency},
		{name: "network", err: errors.New("connection refused"), code: sserr.CodeUnavailableDependency},
		{name: "canceled", err: context.Canceled, code: sserr.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := new(mockHTTPClient)
			m.On("Do", mock.Anything).Return(nil, tt.err)

			cfg := DefaultConfig()
			cfg.SecretKey = "sk_test_x"
			cfg.HTTPClient = m
			client, err := NewClient(cfg)
			require.NoError(t, err)

			_, err = client.FetchJWKS(context.Background())
			testutil.RequireErrorCode(t, err, tt.code)
			m.AssertExpectations(t)
		})
	}
}

func TestClient_SendsBearerAndVersion(t *testing.T) {
	t.Parallel()

	m := new(mockHTTPClient)
	m.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.Header.Get("Authorization") == "Bearer sk_test_x" &&
			req.URL.String() == "https://api.example.test/v2/jwks"
	})).Return(nil, errors.New("stop"))

	client, err := NewClient(Config{APIURL: "https://api.example.test/", APIVersion: "v2", SecretKey: "sk_test_x", HTTPClient: m})
	require.NoError(t, err)

	_, _ = client.FetchJWKS(context.Background())
	m.AssertExpectations(t)
}

// ===========================================================================
// HandshakePayload
// ===========================================================================

func TestClient_HandshakePayload(t *testing.T) {
	t.Parallel()

	authority := testutil.NewAuthority(t, nil)
	authority.SetHandshakePayload("nonce-1", []string{"__session=abc; Path=/", "__client_uat=123; Path=/"})
	client := newTestClient(t, authority)

	payload, err := client.HandshakePayload(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"__session=abc; Path=/", "__client_uat=123; Path=/"}, payload.Directives)

	_, err = client.HandshakePayload(context.Background(), "nonce-unknown")
	testutil.RequireErrorCode(t, err, sserr.CodeHandshakePayloadInvalid)
}

// ===========================================================================
// Machine tokens
// ===========================================================================

func TestClient_VerifyMachineTokens(t *testing.T) {
	t.Parallel()

	authority := testutil.NewAuthority(t, nil)
	authority.SetMachineToken("mt_good", http.StatusOK, map[string]any{
		"object": "machine_to_machine_token", "id": "mt_1", "subject": "mch_1", "scopes": []string{"mch_2"},
	})
	authority.SetMachineToken("oat_good", http.StatusOK, map[string]any{
		"object": "oauth_access_token", "id": "oat_1", "subject": "user_1", "client_id": "client_1",
	})
	authority.SetMachineToken("ak_good", http.StatusOK, map[string]any{
		"object": "api_key", "id": "ak_1", "subject": "user_1", "name": "ci",
	})
	authority.SetMachineToken("ak_bad", http.StatusUnauthorized, nil)
	authority.SetMachineToken("ak_boom", http.StatusInternalServerError, nil)
	client := newTestClient(t, authority)
	ctx := context.Background()

	m2m, err := client.VerifyM2MToken(ctx, "mt_good")
	require.NoError(t, err)
	assert.Equal(t, "mch_1", m2m.Subject)
	assert.Equal(t, []string{"mch_2"}, m2m.Scopes)

	oat, err := client.VerifyOAuthToken(ctx, "oat_good")
	require.NoError(t, err)
	assert.Equal(t, "client_1", oat.ClientID)

	key, err := client.VerifyAPIKey(ctx, "ak_good")
	require.NoError(t, err)
	assert.Equal(t, "ci", key.Name)

	_, err = client.VerifyAPIKey(ctx, "ak_bad")
	testutil.AssertErrorCode(t, err, sserr.CodeMachineTokenInvalid)

	_, err = client.VerifyAPIKey(ctx, "ak_missing")
	testutil.AssertErrorCode(t, err, sserr.CodeMachineTokenNotFound)

	_, err = client.VerifyAPIKey(ctx, "ak_boom")
	testutil.AssertErrorCode(t, err, sserr.CodeMachineTokenUnexpected)

	assert.Equal(t, 6, authority.VerifyCalls())
}

func TestClient_Spans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	authority := testutil.NewAuthority(t, testutil.JWKS(t, nil))
	client := newTestClient(t, authority)
	client.tracer = provider.Tracer(tracerName)

	_, err := client.FetchJWKS(context.Background())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "remote.FetchJWKS", spans[0].Name())
}
