package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// AuthoritySecret is the bearer credential the fake authority accepts.
const AuthoritySecret = "sk_test_authgate"

// Authority is a fake remote authority backed by an httptest server. It
// serves /v1/jwks, /v1/clients/handshake_payload and the three machine
// token verification endpoints, and counts JWKS requests.
type Authority struct {
	Server *httptest.Server

	mu          sync.Mutex
	jwks        []byte
	failStatus  int
	failCount   int
	nonces      map[string][]string
	machine     map[string]machineEntry
	jwksCalls   atomic.Int32
	verifyCalls atomic.Int32
}

type machineEntry struct {
	status int
	body   any
}

// NewAuthority starts a fake authority serving jwks. The server is closed
// when the test finishes.
func NewAuthority(t testing.TB, jwks []byte) *Authority {
	t.Helper()
	a := &Authority{
		jwks:    jwks,
		nonces:  make(map[string][]string),
		machine: make(map[string]machineEntry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jwks", a.serveJWKS)
	mux.HandleFunc("GET /v1/clients/handshake_payload", a.serveHandshake)
	mux.HandleFunc("POST /v1/m2m_tokens/verify", a.serveMachine("token"))
	mux.HandleFunc("POST /v1/oauth_applications/access_tokens/verify", a.serveMachine("access_token"))
	mux.HandleFunc("GET /v1/api_keys/verify", a.serveMachine(""))
	a.Server = httptest.NewServer(a.requireSecret(mux))
	t.Cleanup(a.Server.Close)
	return a
}

// URL returns the server origin, suitable for remote.Config.APIURL.
func (a *Authority) URL() string { return a.Server.URL }

// SetJWKS replaces the served key set.
func (a *Authority) SetJWKS(jwks []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jwks = jwks
}

// FailJWKS makes the next n JWKS requests answer with status. A negative n
// fails every request.
func (a *Authority) FailJWKS(status, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failStatus = status
	a.failCount = n
}

// JWKSCalls returns the number of JWKS requests served.
func (a *Authority) JWKSCalls() int { return int(a.jwksCalls.Load()) }

// VerifyCalls returns the number of machine token verification requests.
func (a *Authority) VerifyCalls() int { return int(a.verifyCalls.Load()) }

// SetHandshakePayload registers the directives returned for nonce.
func (a *Authority) SetHandshakePayload(nonce string, directives []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonces[nonce] = directives
}

// SetMachineToken registers the response for a machine token secret.
// Unregistered secrets answer 404.
func (a *Authority) SetMachineToken(secret string, status int, body any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.machine[secret] = machineEntry{status: status, body: body}
}

func (a *Authority) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+AuthoritySecret {
			writeAPIError(w, http.StatusUnauthorized, "authentication_invalid", "invalid secret key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authority) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	a.jwksCalls.Add(1)
	a.mu.Lock()
	status, body := http.StatusOK, a.jwks
	if a.failCount != 0 {
		status = a.failStatus
		if a.failCount > 0 {
			a.failCount--
		}
	}
	a.mu.Unlock()

	if status != http.StatusOK {
		writeAPIError(w, status, "jwks_unavailable", http.StatusText(status))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (a *Authority) serveHandshake(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	directives, ok := a.nonces[r.URL.Query().Get("nonce")]
	a.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "resource_not_found", "handshake nonce not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"directives": directives})
}

func (a *Authority) serveMachine(field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.verifyCalls.Add(1)
		var secret string
		if field == "" {
			secret = r.URL.Query().Get("secret")
		} else {
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeAPIError(w, http.StatusBadRequest, "form_invalid", err.Error())
				return
			}
			secret = body[field]
		}

		a.mu.Lock()
		entry, ok := a.machine[secret]
		a.mu.Unlock()
		if !ok {
			writeAPIError(w, http.StatusNotFound, "resource_not_found", "token not found")
			return
		}
		if entry.status != http.StatusOK {
			writeAPIError(w, entry.status, "token_invalid", http.StatusText(entry.status))
			return
		}
		writeJSON(w, http.StatusOK, entry.body)
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]string{{"code": code, "message": message, "long_message": message}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
