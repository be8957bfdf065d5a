package httpmw

import "net/http"

// CSRF protection is not applicable: the API is stateless, uses no cookies
// and identifies callers by header only.

// SecurityHeaders sets response headers for a JSON API that is never rendered by a browser.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		// nothing here should ever load or be framed
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		// admission results and budgets are per caller and change every request
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
