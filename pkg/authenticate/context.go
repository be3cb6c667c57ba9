package authenticate

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const stateKey contextKey = iota

// ContextWithState returns a copy of ctx carrying state. The middleware and
// interceptors call it for every verdict they pass on.
func ContextWithState(ctx context.Context, state *RequestState) context.Context {
	return context.WithValue(ctx, stateKey, state)
}

// StateFromContext returns the verdict stored in ctx.
//
// Example:
//
//	state, ok := authenticate.StateFromContext(r.Context())
//	if !ok || !state.IsSignedIn() {
//	    http.Redirect(w, r, "/sign-in", http.StatusSeeOther)
//	    return
//	}
func StateFromContext(ctx context.Context) (*RequestState, bool) {
	state, ok := ctx.Value(stateKey).(*RequestState)
	return state, ok && state != nil
}

// MustStateFromContext is like [StateFromContext] but panics when no verdict
// is present. Use it only behind the middleware.
func MustStateFromContext(ctx context.Context) *RequestState {
	state, ok := StateFromContext(ctx)
	if !ok {
		panic("authenticate: no request state in context; ensure the middleware is configured")
	}
	return state
}

// traceID returns the active trace id, if any, for log correlation.
func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
