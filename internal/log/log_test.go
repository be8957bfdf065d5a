package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-gate/internal/xerrors"
)

// newTestLogger builds a logger writing to buf so output can be inspected.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) Logger {
	t.Helper()
	opts.Writer = buf
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// lastRecord parses the last JSON line in buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "trace", "fatal"} {
		if _, err := ParseLevel(bad); err == nil {
			t.Errorf("ParseLevel(%q) should fail", bad)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"json", "TEXT", " console "} {
		if _, err := ParseFormat(in); err != nil {
			t.Errorf("ParseFormat(%q): %v", in, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestNew_UnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "yaml"}); err == nil {
		t.Fatal("New should reject an unknown format")
	}
}

func TestNew_DefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", Version: "1.2.3"})

	l.Info(context.Background(), "hello", "identity", "u1")

	m := lastRecord(t, &buf)
	if m["msg"] != "hello" {
		t.Errorf("msg = %v", m["msg"])
	}
	if m["app"] != "gate" || m["version"] != "1.2.3" {
		t.Errorf("app/version = %v/%v", m["app"], m["version"])
	}
	if m["identity"] != "u1" {
		t.Errorf("identity = %v", m["identity"])
	}
	if _, ok := m["source"]; !ok {
		t.Error("source missing")
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", Format: FormatText})

	l.Info(context.Background(), "text test")

	if !strings.Contains(buf.String(), `msg="text test"`) {
		t.Fatalf("expected logfmt output, got: %s", buf.String())
	}
}

func TestNew_ConsoleWithoutTerminalHasNoColor(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", Format: FormatConsole})

	l.Warn(context.Background(), "console test", "k", "v")

	out := buf.String()
	if !strings.Contains(out, "console test") || !strings.Contains(out, "k=v") {
		t.Fatalf("unexpected console output: %s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("console output to a buffer should not carry ANSI escapes: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", Level: slog.LevelWarn})

	l.Debug(context.Background(), "debug")
	l.Info(context.Background(), "info")
	if buf.Len() != 0 {
		t.Fatalf("records below Warn were written: %s", buf.String())
	}

	l.Warn(context.Background(), "warn")
	if lastRecord(t, &buf)["msg"] != "warn" {
		t.Fatal("warn record missing")
	}
}

func TestWith_DoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := newTestLogger(t, &buf, Options{App: "gate"})
	child := parent.With("component", "rules", 42, "non-string key dropped")

	child.Info(context.Background(), "child")
	m := lastRecord(t, &buf)
	if m["component"] != "rules" {
		t.Fatalf("component = %v", m["component"])
	}

	parent.Info(context.Background(), "parent")
	m = lastRecord(t, &buf)
	if _, ok := m["component"]; ok {
		t.Fatal("parent picked up child attrs")
	}
}

func TestNilContext(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate"})

	//nolint:staticcheck // nil context must not panic
	l.Info(nil, "no ctx")
	if lastRecord(t, &buf)["msg"] != "no ctx" {
		t.Fatal("record missing")
	}
}

func TestTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate"})

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	m := lastRecord(t, &buf)
	if m["trace_id"] != tid.String() || m["span_id"] != sid.String() {
		t.Fatalf("trace/span = %v/%v", m["trace_id"], m["span_id"])
	}

	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id present without a span")
	}
}

type quotaError struct{ identity string }

func (e *quotaError) Error() string { return "quota exhausted for " + e.identity }

func TestError_Enrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", ErrorLinks: 8})

	root := &quotaError{identity: "u1"}
	err := xerrors.Wrap(fmt.Errorf("apply: %w", root), "reload rules")
	l.Error(context.Background(), err, "reload failed")

	m := lastRecord(t, &buf)
	if m["err"] == nil {
		t.Fatal("err missing")
	}
	if m["error_type"] != "*log.quotaError" {
		t.Errorf("error_type = %v", m["error_type"])
	}
	if m["cause_type"] != "*log.quotaError" {
		t.Errorf("cause_type = %v", m["cause_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Errorf("error_chain = %v, want 3 entries", m["error_chain"])
	}
	links, _ := m["error_links"].([]any)
	if len(links) == 0 {
		t.Fatal("error_links missing")
	}
	first, _ := links[0].(map[string]any)
	if fn, _ := first["func"].(string); !strings.Contains(fn, "TestError_Enrichment") {
		t.Errorf("first link func = %v, want the wrapping test", first["func"])
	}
	if _, ok := m["stack"]; !ok {
		t.Error("stack missing on error record")
	}
}

func TestError_LinksDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate"})

	l.Error(context.Background(), errors.New("plain"), "failed")
	m := lastRecord(t, &buf)
	if _, ok := m["error_links"]; ok {
		t.Fatal("error_links present with ErrorLinks=0")
	}
	if _, ok := m["error_chain"]; ok {
		t.Fatal("error_chain present for a single-link error")
	}
}

func TestError_StackPrefersCaptured(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate"})

	err := captureInHelper()
	l.Error(context.Background(), err, "failed")

	stack, _ := lastRecord(t, &buf)["stack"].(string)
	if !strings.Contains(stack, "captureInHelper") {
		t.Fatalf("stack should come from the error, got:\n%s", stack)
	}
}

func captureInHelper() error { return xerrors.New("captured") }

func TestStackOnlyAtOrAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate", StacktraceLevel: slog.LevelWarn})

	l.Info(context.Background(), "info")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("stack on info record")
	}
	l.Warn(context.Background(), "warn")
	if _, ok := lastRecord(t, &buf)["stack"]; !ok {
		t.Fatal("stack missing on warn record")
	}
}

func TestContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "gate"})

	ctx := WithContext(context.Background(), l)
	FromContext(ctx).Info(ctx, "from ctx")
	if lastRecord(t, &buf)["msg"] != "from ctx" {
		t.Fatal("logger from context did not write")
	}
}

func TestContext_FallbackIsNop(t *testing.T) {
	got := FromContext(context.Background())
	if _, ok := got.(nopLogger); !ok {
		t.Fatalf("fallback = %T, want nopLogger", got)
	}
	// a nil Logger stored in the context also falls back
	if _, ok := FromContext(WithContext(context.Background(), nil)).(nopLogger); !ok {
		t.Fatal("nil logger in context should fall back to Nop")
	}
}

func TestNop(t *testing.T) {
	l := Nop().With("k", "v")
	ctx := context.Background()
	l.Debug(ctx, "x")
	l.Info(ctx, "x")
	l.Warn(ctx, "x")
	l.Error(ctx, errors.New("x"), "x")
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
