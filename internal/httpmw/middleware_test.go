package httpmw

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

// Chain

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("a"), nil, mw("b"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got := strings.Join(order, ","); got != "a,b,handler" {
		t.Fatalf("order = %s, want a,b,handler", got)
	}
}

// RequestID

func TestRequestID(t *testing.T) {
	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{"generated when missing", "", false},
		{"propagated", "req-123", true},
		{"replaced when too long", strings.Repeat("x", maxRequestIDLen+1), false},
		{"replaced when it has spaces", "two words", false},
		{"replaced when it has control chars", "id\x07", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.inbound != "" {
				req.Header.Set(DefaultRequestIDHeader, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if seen == "" {
				t.Fatal("no request id in context")
			}
			if tt.keep && seen != tt.inbound {
				t.Fatalf("id = %q, want inbound %q", seen, tt.inbound)
			}
			if !tt.keep && (seen == tt.inbound || len(seen) != 32) {
				t.Fatalf("id = %q, want a generated 32 char id", seen)
			}
			if rec.Header().Get(DefaultRequestIDHeader) != seen {
				t.Fatal("response header does not echo the id")
			}
		})
	}
}

func TestWithRequestID_Empty(t *testing.T) {
	ctx := context.Background()
	if WithRequestID(ctx, "") != ctx {
		t.Fatal("empty id should return ctx unchanged")
	}
}

// ClientIP

func TestResolveClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		hops   int
		want   string
		strip  bool
	}{
		{"public peer ignores xff", "203.0.113.9:443", "1.2.3.4", 1, "203.0.113.9", true},
		{"private peer without hops ignores xff", "10.0.0.5:1234", "1.2.3.4", 0, "10.0.0.5", true},
		{"single hop takes rightmost", "10.0.0.5:1234", "198.51.100.1, 1.2.3.4", 1, "1.2.3.4", false},
		{"two hops take second from end", "10.0.0.5:1234", "198.51.100.1, 1.2.3.4", 2, "198.51.100.1", false},
		{"too few entries fail closed", "10.0.0.5:1234", "1.2.3.4", 2, "10.0.0.5", true},
		{"garbage entry keeps peer", "10.0.0.5:1234", "not-an-ip", 1, "10.0.0.5", false},
		{"loopback peer is trusted", "127.0.0.1:80", "1.2.3.4", 1, "1.2.3.4", false},
		{"mapped v4 is unmapped", "[::ffff:203.0.113.9]:443", "", 0, "203.0.113.9", true},
		{"malformed remote", "nonsense", "", 0, "0.0.0.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			req.Header.Set("X-Forwarded-Proto", "https")

			if got := resolveClientIP(req, tt.hops); got != tt.want {
				t.Fatalf("ip = %q, want %q", got, tt.want)
			}
			stripped := req.Header.Get("X-Forwarded-Proto") == ""
			if stripped != tt.strip {
				t.Fatalf("forwarded headers stripped = %v, want %v", stripped, tt.strip)
			}
		})
	}
}

func TestClientIP_Middleware(t *testing.T) {
	var got string
	h := ClientIP(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "198.51.100.7" {
		t.Fatalf("client ip = %q", got)
	}
}

// SecurityHeaders

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Cache-Control":           "no-store",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing")
	}
}

// MaxBody

func TestMaxBody_DeclaredLengthRejected(t *testing.T) {
	called := false
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 9))))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if called {
		t.Fatal("handler should not run")
	}
}

func TestMaxBody_StreamingReadFails(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 64)))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	if readErr == nil {
		t.Fatal("reading past the limit should fail")
	}
}

func TestMaxBody_UnderLimit(t *testing.T) {
	var body string
	h := MaxBody(64)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("[]")))
	if body != "[]" {
		t.Fatalf("body = %q", body)
	}
}

// TraceResponseHeaders

func TestTraceResponseHeaders(t *testing.T) {
	h := TraceResponseHeaders("", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-Id") != "" {
		t.Fatal("trace header set without a span")
	}

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	if rec.Header().Get("X-Trace-Id") != tid.String() || rec.Header().Get("X-Span-Id") != sid.String() {
		t.Fatalf("headers = %v", rec.Header())
	}
}

// logging

// recordingLogger keeps the fields of every Info call including those added via With.
type recordingLogger struct {
	log.Logger
	mu     *sync.Mutex
	fields []any
	lines  *[]map[string]any
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: log.Nop(), mu: &sync.Mutex{}, lines: &[]map[string]any{}}
}

func (l *recordingLogger) With(kv ...any) log.Logger {
	next := *l
	next.fields = append(append([]any{}, l.fields...), kv...)
	return &next
}

func (l *recordingLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := map[string]any{"msg": msg}
	all := append(append([]any{}, l.fields...), kv...)
	for i := 0; i+1 < len(all); i += 2 {
		line[all[i].(string)] = all[i+1]
	}
	*l.lines = append(*l.lines, line)
}

func (l *recordingLogger) last(t *testing.T) map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(*l.lines) == 0 {
		t.Fatal("nothing logged")
	}
	return (*l.lines)[len(*l.lines)-1]
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(*l.lines)
}

func loggedRouter(base log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID(""), ClientIP(ClientIPOptions{}), Identity(""), RequestLogger(base), AccessLog())
	r.Post("/api/limiter/execute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"too many requests"}`))
	})
	r.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func TestAccessLog_Fields(t *testing.T) {
	rl := newRecordingLogger()
	req := httptest.NewRequest(http.MethodPost, "/api/limiter/execute?secret=1", strings.NewReader("{}"))
	req.RemoteAddr = "203.0.113.4:1111"
	req.Header.Set(DefaultIdentityHeader, "u1")
	loggedRouter(rl).ServeHTTP(httptest.NewRecorder(), req)

	line := rl.last(t)
	checks := map[string]any{
		"msg":                       "http request",
		"http.response.status_code": http.StatusTooManyRequests,
		"http.route":                "/api/limiter/execute",
		"identity":                  "u1",
		"client.address":            "203.0.113.4",
		"url.path":                  "/api/limiter/execute",
		"http.request.body.size":    int64(2),
		"http.response.body.size":   int64(29),
	}
	for k, want := range checks {
		if line[k] != want {
			t.Errorf("%s = %v (%T), want %v (%T)", k, line[k], line[k], want, want)
		}
	}
	if id, _ := line["request_id"].(string); id == "" {
		t.Error("request_id missing")
	}
	for k, v := range line {
		if s, ok := v.(string); ok && strings.Contains(s, "secret") {
			t.Errorf("query string leaked into %s", k)
		}
	}
}

func TestAccessLog_AnonymousHasNoIdentityField(t *testing.T) {
	rl := newRecordingLogger()
	loggedRouter(rl).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/limiter/execute", nil))

	if _, ok := rl.last(t)["identity"]; ok {
		t.Fatal("identity logged for an anonymous request")
	}
}

func TestAccessLog_SkipsHealth(t *testing.T) {
	rl := newRecordingLogger()
	loggedRouter(rl).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rl.count() != 0 {
		t.Fatal("health probe was logged")
	}
}

func TestAccessLog_UnmatchedRoute(t *testing.T) {
	rl := newRecordingLogger()
	loggedRouter(rl).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if got := rl.last(t)["http.route"]; got != "unmatched" {
		t.Fatalf("route = %v", got)
	}
}

func TestScope(t *testing.T) {
	rl := newRecordingLogger()
	h := Scope("execute")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), rl)))

	if got := rl.last(t)["handler"]; got != "execute" {
		t.Fatalf("handler = %v", got)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := schemeFromRequest(req); got != "http" {
		t.Errorf("plain = %q", got)
	}
	req.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if got := schemeFromRequest(req); got != "https" {
		t.Errorf("forwarded = %q", got)
	}
	req.Header.Set("X-Forwarded-Proto", "javascript")
	if got := schemeFromRequest(req); got != "http" {
		t.Errorf("bogus forwarded = %q", got)
	}
	req.Header.Del("X-Forwarded-Proto")
	req.TLS = &tls.ConnectionState{}
	if got := schemeFromRequest(req); got != "https" {
		t.Errorf("tls = %q", got)
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, ctx: context.Background()}
	rw.Write([]byte("x"))
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.statusCode() != http.StatusOK {
		t.Fatalf("status = %d, want 200 (headers already sent)", rw.statusCode())
	}
}
