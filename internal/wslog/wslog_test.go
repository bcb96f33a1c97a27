package wslog

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return For(name), &buf
}

func TestInfofIncludesPrefix(t *testing.T) {
	l, buf := newTestLogger(t, "router")
	l.Infof("listening on %s", "localhost:9090")

	out := buf.String()
	if !strings.Contains(out, "[router]") {
		t.Fatalf("expected prefix [router] in output, got: %q", out)
	}
	if !strings.Contains(out, "listening on localhost:9090") {
		t.Fatalf("expected message in output, got: %q", out)
	}
}

func TestDebugGatedByGlobalFlag(t *testing.T) {
	SetGlobalDebug(false)
	l, buf := newTestLogger(t, "transport_debug_test")

	l.Debugf("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug message appeared while global debug disabled")
	}

	SetGlobalDebug(true)
	t.Cleanup(func() { SetGlobalDebug(false) })

	l.Debugf("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug message after enabling global debug; got: %q", buf.String())
	}
}

func TestDebugEnabledPerComponent(t *testing.T) {
	SetGlobalDebug(false)
	const name = "chanresponse_debug_test"
	l, buf := newTestLogger(t, name)

	l.Debugf("should not appear")
	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("debug message appeared before enabling per-component debug")
	}

	EnableDebugFor(name)
	l.Debugf("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("expected debug message after EnableDebugFor; got: %q", buf.String())
	}
}
