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

	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/resource"
	"github.com/keithlinneman/linnemanlabs-sitedeploy/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	opts.JsonFormat = true
	if opts.App == "" {
		opts.App = "sitedeploy"
	}
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// lastRecord decodes the last JSON line written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("decode %q: %v", last, err)
	}
	return m
}

func classify(err error) string { return string(resource.ClassOf(err)) }

// construction

func TestNewSlog_Defaults(t *testing.T) {
	l, err := newSlog(Options{App: "sitedeploy"})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	sl := l.(*slogLogger)
	if sl.maxErrorLinks != 8 {
		t.Fatalf("maxErrorLinks = %d, want 8", sl.maxErrorLinks)
	}
	if sl.errorClass != nil {
		t.Fatal("errorClass should be nil unless configured")
	}
}

func TestNewSlog_BuildAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{Version: "v1.4.0", Commit: "abc123"})
	l.Info(context.Background(), "starting deploy")

	m := lastRecord(t, &buf)
	if m["app"] != "sitedeploy" || m["version"] != "v1.4.0" || m["commit"] != "abc123" {
		t.Fatalf("record = %v", m)
	}

	buf.Reset()
	l = newTestLogger(t, &buf, Options{})
	l.Info(context.Background(), "starting deploy")
	m = lastRecord(t, &buf)
	if _, ok := m["version"]; ok {
		t.Fatal("empty version should be omitted")
	}
	if _, ok := m["commit"]; ok {
		t.Fatal("empty commit should be omitted")
	}
}

func TestNewSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := newSlog(Options{App: "sitedeploy", Writer: &buf})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	l.Info(context.Background(), "sync done", "uploaded", 3)
	out := buf.String()
	if !strings.Contains(out, `msg="sync done"`) || !strings.Contains(out, "uploaded=3") {
		t.Fatalf("logfmt output = %q", out)
	}
}

// levels and attrs

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{Level: slog.LevelWarn})
	ctx := context.Background()

	l.Debug(ctx, "prefetch")
	l.Info(ctx, "step done")
	if buf.Len() != 0 {
		t.Fatalf("records below warn were written: %q", buf.String())
	}
	l.Warn(ctx, "resuming halted deploy")
	if m := lastRecord(t, &buf); m["msg"] != "resuming halted deploy" {
		t.Fatalf("msg = %v", m["msg"])
	}
}

func TestSlogLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{})
	ctx := context.Background()

	step := base.With("step", "distribution", 42, "dropped", "orphan")
	step.Info(ctx, "ensure distribution", "alias", "www.example.com")
	m := lastRecord(t, &buf)
	if m["step"] != "distribution" || m["alias"] != "www.example.com" {
		t.Fatalf("record = %v", m)
	}
	if _, ok := m["orphan"]; ok {
		t.Fatal("odd trailing key should be dropped")
	}

	// the parent is unchanged
	base.Info(ctx, "plain")
	if _, ok := lastRecord(t, &buf)["step"]; ok {
		t.Fatal("With leaked attrs into the parent logger")
	}
}

func TestSlogLogger_With_SharedAcrossWorkers(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{}).With("deployment", "www.example.com")
	a := base.With("path", "index.html")
	b := base.With("path", "css/site.css")

	a.Info(context.Background(), "uploaded")
	if got := lastRecord(t, &buf)["path"]; got != "index.html" {
		t.Fatalf("path = %v", got)
	}
	b.Info(context.Background(), "uploaded")
	if got := lastRecord(t, &buf)["path"]; got != "css/site.css" {
		t.Fatalf("path = %v", got)
	}
}

// Error enrichment

func TestSlogLogger_Error_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{IncludeErrorLinks: true, MaxErrorLinks: 4, ErrorClass: classify})

	conflict := &resource.NameConflictError{Bucket: "site-abc", Owner: "other.example.com"}
	err := xerrors.Wrap(fmt.Errorf("ensure bucket: %w", conflict), "site-bucket")
	l.Error(context.Background(), err, "deploy halted", "step", "site-bucket")

	m := lastRecord(t, &buf)
	if m["error_class"] != "conflict" {
		t.Fatalf("error_class = %v", m["error_class"])
	}
	// xerrors and fmt wrappers are skipped
	if m["error_type"] != "*resource.NameConflictError" {
		t.Fatalf("error_type = %v", m["error_type"])
	}
	if m["cause_type"] != "*resource.NameConflictError" {
		t.Fatalf("cause_type = %v", m["cause_type"])
	}
	chain, _ := m["error_chain"].([]any)
	if len(chain) != 3 {
		t.Fatalf("error_chain = %v", m["error_chain"])
	}
	links, _ := m["error_links"].([]any)
	if len(links) == 0 {
		t.Fatal("error_links missing")
	}
	first := links[0].(map[string]any)
	if !strings.Contains(fmt.Sprint(first["func"]), "TestSlogLogger_Error_Fields") {
		t.Fatalf("first link func = %v, want the wrapping test", first["func"])
	}
}

func TestSlogLogger_Error_Unclassified(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{ErrorClass: classify})

	l.With("step", "alias-record").Error(context.Background(), errors.New("throttled"), "upsert alias")
	m := lastRecord(t, &buf)
	if _, ok := m["error_class"]; ok {
		t.Fatalf("error_class = %v, want omitted", m["error_class"])
	}
	if _, ok := m["error_links"]; ok {
		t.Fatal("error_links should be omitted when disabled")
	}
	if m["step"] != "alias-record" {
		t.Fatalf("step = %v", m["step"])
	}
}

func TestSlogLogger_Error_Nil(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{ErrorClass: classify})
	l.Error(context.Background(), nil, "nothing wrong")

	m := lastRecord(t, &buf)
	for _, k := range []string{"err", "error_type", "error_chain", "error_class"} {
		if _, ok := m[k]; ok {
			t.Fatalf("%s present for nil error", k)
		}
	}
}

// handlers

func TestOtelHandler_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	l.Info(ctx, "step done")
	m := lastRecord(t, &buf)
	if m["trace_id"] != traceID.String() || m["span_id"] != spanID.String() {
		t.Fatalf("record = %v", m)
	}

	l.Info(context.Background(), "untraced")
	if _, ok := lastRecord(t, &buf)["trace_id"]; ok {
		t.Fatal("trace_id without a span context")
	}
}

func TestStackHandler(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{Level: slog.LevelDebug})
	ctx := context.Background()

	l.Warn(ctx, "below stacktrace level")
	if _, ok := lastRecord(t, &buf)["stack"]; ok {
		t.Fatal("stack attached below the stacktrace level")
	}

	// frames in this package are trimmed, so only the test runner remains
	l.Error(ctx, errors.New("plain"), "captured here")
	s, _ := lastRecord(t, &buf)["stack"].(string)
	if s == "" {
		t.Fatal("stack missing at error level")
	}
	if strings.Contains(s, "log/slog.") || strings.Contains(s, "logWithPC") {
		t.Fatalf("stack includes logging frames: %q", s)
	}

	l.Error(ctx, xerrors.New("stacked"), "from error")
	if s, _ = lastRecord(t, &buf)["stack"].(string); s == "" {
		t.Fatal("stack missing for a stacked error")
	}
}

// error helpers

func TestErrorChain(t *testing.T) {
	base := errors.New("access denied")
	wrapped := fmt.Errorf("put index.html: %w", base)
	if got := errorChain(wrapped); len(got) != 2 || got[1] != "access denied" {
		t.Fatalf("errorChain = %v", got)
	}

	joined := errors.Join(errors.New("alias-record halted"), errors.New("sync: 2 uploads failed"))
	got := errorChain(joined)
	if len(got) != 3 || got[1] != "alias-record halted" || got[2] != "sync: 2 uploads failed" {
		t.Fatalf("errorChain(join) = %v", got)
	}
	if len(errorChain(nil)) != 0 {
		t.Fatal("errorChain(nil) should be empty")
	}
}

func TestChainLinks(t *testing.T) {
	err := xerrors.Wrap(xerrors.Wrap(errors.New("root"), "mid"), "top")
	if got := chainLinks(err, 2); len(got) != 2 {
		t.Fatalf("chainLinks max 2 = %d links", len(got))
	}
	if got := chainLinks(err, 0); len(got) < 2 {
		t.Fatalf("chainLinks unlimited = %d links", len(got))
	}
	if got := chainLinks(nil, 4); len(got) != 0 {
		t.Fatalf("chainLinks(nil) = %v", got)
	}
}

func TestClassifyTypes(t *testing.T) {
	if s, r := classifyTypes(nil); s != "" || r != "" {
		t.Fatalf("classifyTypes(nil) = %q, %q", s, r)
	}
	zone := &resource.ZoneMismatchError{}
	surface, root := classifyTypes(xerrors.Wrap(zone, "hosted-zone"))
	if surface != "*resource.ZoneMismatchError" || root != "*resource.ZoneMismatchError" {
		t.Fatalf("classifyTypes = %q, %q", surface, root)
	}
}

func TestFrameHelpers_Empty(t *testing.T) {
	if _, _, _, ok := frameFromPC(0); ok {
		t.Fatal("frameFromPC(0) ok")
	}
	if _, _, _, ok := firstExtFrame(nil); ok {
		t.Fatal("firstExtFrame(nil) ok")
	}
	if got := renderPCs(nil); got != "" {
		t.Fatalf("renderPCs(nil) = %q", got)
	}
}
