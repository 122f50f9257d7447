package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

func newTestLogger(t *testing.T, lvl slog.Level) (Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Options{
		App:               "imagegen",
		Level:             lvl,
		JsonFormat:        true,
		IncludeErrorLinks: true,
		Writer:            &buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, &buf
}

// lines decodes every JSON line written to buf.
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("decode %q: %v", ln, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"Warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
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

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("ParseLevel(verbose) should fail")
	}
}

func TestInfo_WritesBaseAndCallAttrs(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	l.With("component", "ratelimit").Info(context.Background(), "rate limit triggered", "identity", "user-1")

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("got %d lines, want 1", len(got))
	}
	rec := got[0]
	if rec["msg"] != "rate limit triggered" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["app"] != "imagegen" {
		t.Errorf("app = %v", rec["app"])
	}
	if rec["component"] != "ratelimit" {
		t.Errorf("component = %v", rec["component"])
	}
	if rec["identity"] != "user-1" {
		t.Errorf("identity = %v", rec["identity"])
	}
	src, _ := rec["source"].(map[string]any)
	if file, _ := src["file"].(string); !strings.HasSuffix(file, "log_test.go") {
		t.Errorf("source should point at the caller, got %v", rec["source"])
	}
}

func TestLevelFilter(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelWarn)
	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "hidden")
	l.Warn(context.Background(), "shown")

	got := lines(t, buf)
	if len(got) != 1 || got[0]["msg"] != "shown" {
		t.Fatalf("got %v, want only the warn line", got)
	}
}

func TestWith_DoesNotLeakIntoParent(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	_ = l.With("request_id", "abc")
	l.Info(context.Background(), "parent")

	rec := lines(t, buf)[0]
	if _, ok := rec["request_id"]; ok {
		t.Fatal("child attrs leaked into parent logger")
	}
}

func TestError_AddsChainAndStack(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	base := xerrors.New("put object failed")
	err := xerrors.Wrap(base, "store image")

	l.Error(context.Background(), err, "generate failed")

	rec := lines(t, buf)[0]
	if rec["err"] != "store image: put object failed" {
		t.Errorf("err = %v", rec["err"])
	}
	chain, _ := rec["error_chain"].([]any)
	if len(chain) != 2 {
		t.Errorf("error_chain = %v, want 2 entries", rec["error_chain"])
	}
	if _, ok := rec["error_links"]; !ok {
		t.Error("error_links missing")
	}
	if s, _ := rec["stack"].(string); !strings.Contains(s, "TestError_AddsChainAndStack") {
		t.Errorf("stack should include the test function, got %q", s)
	}
	if rec["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", rec["cause_type"])
	}
}

func TestError_JoinedErrorsInChain(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)
	l.Error(context.Background(), errors.Join(errors.New("a"), errors.New("b")), "config")

	rec := lines(t, buf)[0]
	chain, _ := rec["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("error_chain = %v, want joined message plus both members", chain)
	}
}

func TestTraceIDsFromContext(t *testing.T) {
	l, buf := newTestLogger(t, slog.LevelInfo)

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")

	rec := lines(t, buf)[0]
	if rec["trace_id"] != tid.String() {
		t.Errorf("trace_id = %v", rec["trace_id"])
	}
	if rec["span_id"] != sid.String() {
		t.Errorf("span_id = %v", rec["span_id"])
	}
}

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()).(nopLogger); !ok {
		t.Fatal("empty context should yield Nop logger")
	}

	l, _ := newTestLogger(t, slog.LevelInfo)
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatal("FromContext should return the stored logger")
	}
}

func TestNop_SafeToUse(t *testing.T) {
	n := Nop()
	n.With("k", "v").Info(context.Background(), "x")
	n.Error(context.Background(), errors.New("x"), "x")
	if err := n.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
