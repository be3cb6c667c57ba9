package authenticate

import (
	"encoding/json"
	"net/http"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/handshake"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
)

// errorBody is the JSON body of rejected non-navigational requests.
type errorBody struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
}

// Middleware authenticates each request and applies the verdict:
//  1. Verdict headers (Set-Cookie, Cache-Control) are copied to the
//     response.
//  2. A verdict carrying a Location is answered with 307 Temporary
//     Redirect. This covers handshakes and the cleanup redirect after a
//     handshake result arrived in the query string.
//  3. A signed-out request that cannot follow redirects gets 401 with a
//     JSON body naming the reason.
//  4. Everything else reaches next with the verdict in the request
//     context ([StateFromContext]); navigations that are signed out are
//     left to the application to handle.
//
// Configuration errors are answered with 500 and logged.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/dashboard", dashboard)
//	http.ListenAndServe(":8080", a.Middleware(mux))
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		signals := request.New(r, a.key)
		state, err := a.evaluate(ctx, signals)
		if err != nil {
			a.logger.ErrorContext(ctx, "authenticate: rejecting request after configuration error",
				"error", err,
				"path", r.URL.Path,
				"trace_id", traceID(ctx),
			)
			status := http.StatusInternalServerError
			if e, ok := sserr.AsError(err); ok {
				status = e.HTTPStatus()
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		applyHeaders(w.Header(), state.Headers)
		if loc := state.Headers.Get("Location"); loc != "" {
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}

		if state.Status != StatusSignedIn && !handshake.IsEligible(signals) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Reason: state.Reason, Message: state.Message})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithState(ctx, state)))
	})
}

// applyHeaders copies verdict headers; Set-Cookie values are appended,
// the rest replace what is already set.
func applyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if k == "Set-Cookie" {
			for _, v := range vs {
				dst.Add(k, v)
			}
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
