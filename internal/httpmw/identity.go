package httpmw

import (
	"context"
	"net/http"
	"strings"
)

// DefaultIdentityHeader carries the caller identity used for rate limiting.
const DefaultIdentityHeader = "X-User-Id"

// MaxIdentityLen bounds identity values, longer values are treated as absent
const MaxIdentityLen = 256

type identityKey struct{}

// Identity extracts the caller identity from headerName and stores it in the context.
// The value is opaque, only surrounding whitespace is trimmed.
func Identity(headerName string) func(http.Handler) http.Handler {
	if headerName == "" {
		headerName = DefaultIdentityHeader
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(headerName))
			if len(id) > MaxIdentityLen {
				id = ""
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored in ctx, or "" if none.
func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}
