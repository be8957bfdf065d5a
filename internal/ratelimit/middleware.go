package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
)

// RetryAfterHeader renders d as whole seconds for a Retry-After header, never less than 1.
func RetryAfterHeader(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// Middleware gates next behind the identity's rules.
// The identity comes from httpmw.Identity, requests without one get 400 and rejected requests get 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := httpmw.IdentityFromContext(r.Context())
		if identity == "" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"missing identity"}`))
			return
		}

		d, _, _ := PerformDecision(r.Context(), l, identity, func(ctx context.Context) (struct{}, error) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return struct{}{}, nil
		})
		if d.Admitted {
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", RetryAfterHeader(d.RetryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		// intentionally not including which rule tripped or the remaining budget
		w.Write([]byte(`{"error":"too many requests"}`))
	})
}
