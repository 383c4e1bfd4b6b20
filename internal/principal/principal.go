// Package principal threads the already-authenticated caller identity
// through request context. The identity system that issues principals
// (OIDC-based session/token validation) lives outside this service; this
// package only extracts the header it leaves behind and makes it
// available to handlers and downstream components.
package principal

import (
	"context"
	"net/http"
	"strings"
)

// HeaderName is the header the upstream identity system is expected to
// set on every authenticated request, carrying the validated principal
// ID. Requests without it are treated as unauthenticated.
const HeaderName = "X-Autoremediate-Principal"

type contextKey struct{}

// FromContext returns the principal ID stored on ctx, or "" if none.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}

// WithID returns a context carrying id as the request's principal.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// Middleware extracts HeaderName from each request and attaches it to
// the request context for downstream handlers. It does not itself
// reject unauthenticated requests; handlers that require a principal
// call Require.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderName))
		if id != "" {
			r = r.WithContext(WithID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// Require extracts the principal from ctx, returning ok=false if absent
// so callers can reject the request with 401 without duplicating the
// empty-string check everywhere.
func Require(ctx context.Context) (id string, ok bool) {
	id = FromContext(ctx)
	return id, id != ""
}
