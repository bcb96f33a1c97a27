package chanresponse

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
)

// fakeRouter is a minimal in-process stand-in for *router.WebService,
// driving a ChannelOwner synchronously the way the real router does
// from its own goroutine.
type fakeRouter struct {
	mu       sync.Mutex
	owner    ChannelOwner
	channel  string
	openOpts map[string]any
	sent     []sentFrame
	closed   []string

	ready chan struct{}
}

type sentFrame struct {
	channel string
	payload []byte
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{ready: make(chan struct{})}
}

func (f *fakeRouter) OpenInternalChannel(owner ChannelOwner, options map[string]any) (string, error) {
	f.mu.Lock()
	f.owner = owner
	f.channel = "0:1"
	f.openOpts = options
	f.mu.Unlock()
	close(f.ready)
	return f.channel, nil
}

func (f *fakeRouter) SendToBridge(channel string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{channel: channel, payload: payload})
}

func (f *fakeRouter) CloseChannel(channel string, problem string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, problem)
}

func TestServeStreamsBridgeResponse(t *testing.T) {
	router := newFakeRouter()
	req := httptest.NewRequest(http.MethodGet, "/cockpit/@localhost/test.html", nil)
	rec := httptest.NewRecorder()

	go func() {
		<-router.ready
		router.owner.DeliverControl("0:1", protocol.Command{
			Name: "response",
			Options: map[string]any{
				"command": "response",
				"status":  float64(200),
				"headers": map[string]any{"Content-Type": "text/html"},
			},
		})
		router.owner.DeliverRecv("0:1", []byte("hello world"))
		router.owner.DeliverControl("0:1", protocol.Command{
			Name:    "close",
			Options: map[string]any{"command": "close", "channel": "0:1"},
		})
	}()

	Serve(router, rec, req, "localhost", "/test.html")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("X-Frame-Options") != "sameorigin" {
		t.Fatalf("missing security header")
	}

	csp := rec.Header().Get("Content-Security-Policy")
	for _, want := range []string{
		"default-src 'self' http://example.com",
		"connect-src 'self' http://example.com ws://example.com",
		"form-action 'self' http://example.com",
		"base-uri 'self' http://example.com",
		"object-src 'none'",
		"font-src 'self' http://example.com data:",
		"img-src 'self' http://example.com data:",
		"block-all-mixed-content",
	} {
		if !strings.Contains(csp, want) {
			t.Fatalf("expected CSP to contain %q, got %q", want, csp)
		}
	}
}

func TestServeMergesBaseContentSecurityPolicyWithOrigin(t *testing.T) {
	router := newFakeRouter()
	req := httptest.NewRequest(http.MethodGet, "/cockpit/@localhost/test.html", nil)
	rec := httptest.NewRecorder()

	go func() {
		<-router.ready
		router.owner.DeliverControl("0:1", protocol.Command{
			Name: "response",
			Options: map[string]any{
				"command": "response",
				"status":  float64(200),
				"csp":     "default-src 'self' 'unsafe-inline'",
			},
		})
		router.owner.DeliverControl("0:1", protocol.Command{
			Name:    "close",
			Options: map[string]any{"command": "close", "channel": "0:1"},
		})
	}()

	Serve(router, rec, req, "localhost", "/test.html")

	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'self' http://example.com 'unsafe-inline'") {
		t.Fatalf("expected base default-src to be kept and origin-merged, got %q", csp)
	}
	if !strings.Contains(csp, "connect-src 'self' http://example.com ws://example.com") {
		t.Fatalf("expected missing connect-src to be filled in with origin, got %q", csp)
	}
}

func TestServeMapsNotFoundProblem(t *testing.T) {
	router := newFakeRouter()
	req := httptest.NewRequest(http.MethodGet, "/cockpit/@localhost/missing.html", nil)
	rec := httptest.NewRecorder()

	go func() {
		<-router.ready
		router.owner.DeliverControl("0:1", protocol.Command{
			Name:    "close",
			Options: map[string]any{"command": "close", "channel": "0:1", "problem": transport.ProblemNotFound},
		})
	}()

	Serve(router, rec, req, "localhost", "/missing.html")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeHonoursIfNoneMatch(t *testing.T) {
	router := newFakeRouter()
	req := httptest.NewRequest(http.MethodGet, "/cockpit/@localhost/test.html", nil)
	req.Header.Set("If-None-Match", `"abc"`)
	rec := httptest.NewRecorder()

	go func() {
		<-router.ready
		router.owner.DeliverControl("0:1", protocol.Command{
			Name: "response",
			Options: map[string]any{
				"command": "response",
				"status":  float64(200),
				"etag":    `"abc"`,
			},
		})
		router.owner.DeliverControl("0:1", protocol.Command{
			Name:    "close",
			Options: map[string]any{"command": "close", "channel": "0:1"},
		})
	}()

	Serve(router, rec, req, "localhost", "/test.html")

	if rec.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec.Code)
	}
}

func TestServeCockpitLangCookieOverridesAcceptLanguageHeader(t *testing.T) {
	router := newFakeRouter()
	req := httptest.NewRequest(http.MethodGet, "/cockpit/@localhost/test.html", nil)
	req.Header.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.5")
	req.AddCookie(&http.Cookie{Name: "CockpitLang", Value: "pig"})
	rec := httptest.NewRecorder()

	go func() {
		<-router.ready
		router.owner.DeliverControl("0:1", protocol.Command{
			Name:    "close",
			Options: map[string]any{"command": "close", "channel": "0:1"},
		})
	}()

	Serve(router, rec, req, "localhost", "/test.html")

	router.mu.Lock()
	langs, _ := router.openOpts["accept-language"].([]string)
	router.mu.Unlock()

	if len(langs) != 1 || langs[0] != "pig" {
		t.Fatalf("expected CockpitLang cookie to override Accept-Language header, got %v", langs)
	}
}
