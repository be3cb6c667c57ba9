package authenticate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
)

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func serve(f *fixture, next http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.auth.Middleware(next).ServeHTTP(rr, r)
	return rr
}

func mustNotBeCalled(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("next handler should not be called")
	})
}

func TestMiddleware_SignedIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	var captured *RequestState
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = MustStateFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rr := serve(f, next, newRequest(appURL+"/api", withBearer(sessionToken(t, testNow, nil))))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, captured)
	assert.True(t, captured.IsSignedIn())
	assert.Equal(t, "user_2abc123", captured.Subject())
}

func TestMiddleware_HandshakeRedirects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	r := newRequest(appURL+"/dashboard", navigation, withSession(sessionToken(t, testNow, nil)))
	rr := serve(f, mustNotBeCalled(t), r)

	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Contains(t, rr.Header().Get("Location"), "/v1/client/handshake")
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	require.Len(t, rr.Header().Values("Set-Cookie"), 1)
	assert.Contains(t, rr.Header().Get("Set-Cookie"), request.CookieRedirectLoopCount+"=1")
}

func TestMiddleware_HandshakeResultCleanup(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.authority.SetHandshakePayload("nonce_mw", []string{
		request.CookieSession + "=" + sessionToken(t, testNow, nil) + "; Path=/",
		request.CookieClientUAT + "=" + strconv.FormatInt(testNow.Unix(), 10) + "; Path=/",
	})

	rr := serve(f, mustNotBeCalled(t), newRequest(appURL+"/page?__clerk_handshake_nonce=nonce_mw", navigation))

	assert.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	assert.Equal(t, appURL+"/page", rr.Header().Get("Location"))
	assert.Len(t, rr.Header().Values("Set-Cookie"), 2)
}

func TestMiddleware_UnauthorizedJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rr := serve(f, mustNotBeCalled(t), newRequest(appURL+"/api",
		withBearer(sessionToken(t, testNow.Add(-10*time.Minute), nil))))

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	var body errorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, ReasonTokenExpired, body.Reason)
	assert.Contains(t, body.Message, "token-carrier=header")
}

func TestMiddleware_SignedOutNavigationReachesHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	var captured *RequestState
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = StateFromContext(r.Context())
	})

	rr := serve(f, next, newRequest(appURL+"/", navigation))

	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, captured)
	assert.Equal(t, StatusSignedOut, captured.Status)
	assert.Equal(t, ReasonSessionAndActivityMissing, captured.Reason)
}

func TestMiddleware_ConfigurationError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(o *Options) { o.SecretKey = "sk_test_wrong" })

	rr := serve(f, mustNotBeCalled(t), newRequest(appURL+"/api", withBearer(sessionToken(t, testNow, nil))))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, f.logs.String(), "rejecting request after configuration error")
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

func TestStateFromContext_RoundTrip(t *testing.T) {
	t.Parallel()
	state := &RequestState{Status: StatusSignedIn}
	ctx := ContextWithState(context.Background(), state)

	got, ok := StateFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, state, got)
}

func TestStateFromContext_Empty(t *testing.T) {
	t.Parallel()
	_, ok := StateFromContext(context.Background())
	assert.False(t, ok)

	_, ok = StateFromContext(ContextWithState(context.Background(), nil))
	assert.False(t, ok, "a nil state is not a verdict")
}

func TestMustStateFromContext_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustStateFromContext(context.Background()) })
}

func TestApplyHeaders(t *testing.T) {
	t.Parallel()
	dst := http.Header{}
	dst.Add("Set-Cookie", "a=1")
	dst.Set("Cache-Control", "public")

	src := http.Header{}
	src.Add("Set-Cookie", "b=2")
	src.Set("Cache-Control", "no-store")
	applyHeaders(dst, src)

	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	assert.Equal(t, "no-store", dst.Get("Cache-Control"))
}
