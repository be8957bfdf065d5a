package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveIdentity(t *testing.T, header, value string) string {
	t.Helper()
	var got string
	h := Identity(header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if value != "" {
		name := header
		if name == "" {
			name = DefaultIdentityHeader
		}
		req.Header.Set(name, value)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestIdentity_DefaultHeader(t *testing.T) {
	if got := serveIdentity(t, "", "u1"); got != "u1" {
		t.Fatalf("identity = %q, want u1", got)
	}
}

func TestIdentity_CustomHeader(t *testing.T) {
	if got := serveIdentity(t, "X-Api-Key", "key-123"); got != "key-123" {
		t.Fatalf("identity = %q, want key-123", got)
	}
}

func TestIdentity_TrimsWhitespace(t *testing.T) {
	if got := serveIdentity(t, "", "  u1  "); got != "u1" {
		t.Fatalf("identity = %q, want u1", got)
	}
}

func TestIdentity_Missing(t *testing.T) {
	if got := serveIdentity(t, "", ""); got != "" {
		t.Fatalf("identity = %q, want empty", got)
	}
}

func TestIdentity_WhitespaceOnlyIsMissing(t *testing.T) {
	if got := serveIdentity(t, "", "   "); got != "" {
		t.Fatalf("identity = %q, want empty", got)
	}
}

func TestIdentity_TooLongIsMissing(t *testing.T) {
	long := strings.Repeat("a", MaxIdentityLen+1)
	if got := serveIdentity(t, "", long); got != "" {
		t.Fatalf("identity of len %d should be dropped", len(long))
	}

	exact := strings.Repeat("a", MaxIdentityLen)
	if got := serveIdentity(t, "", exact); got != exact {
		t.Fatal("identity at the length limit should be kept")
	}
}

func TestWithIdentity_EmptyLeavesContext(t *testing.T) {
	ctx := context.Background()
	if got := WithIdentity(ctx, ""); got != ctx {
		t.Fatal("WithIdentity with empty id should return ctx unchanged")
	}
}

func TestIdentityFromContext_Empty(t *testing.T) {
	if got := IdentityFromContext(context.Background()); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
