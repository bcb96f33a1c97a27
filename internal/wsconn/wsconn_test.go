package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, chan *Conn) {
	t.Helper()
	conns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, cfg)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func dial(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial(u, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestUpgradeNegotiatesSubprotocol(t *testing.T) {
	srv, conns := newTestServer(t, Config{})
	client := dial(t, srv, "ws"+strings.TrimPrefix(srv.URL, "http"))

	var c *Conn
	select {
	case c = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side Conn")
	}

	if c.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", c.State())
	}
	if client.Subprotocol() != Subprotocol {
		t.Fatalf("expected subprotocol %q, got %q", Subprotocol, client.Subprotocol())
	}
}

func TestOriginRejectedWhenNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, Config{AllowedOrigins: []string{"https://example.com"}})

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}

	_, resp, err := dialer.Dial(u, header)
	if err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got response %+v", resp)
	}
}

func TestSendAndReceiveMessage(t *testing.T) {
	srv, conns := newTestServer(t, Config{})
	client := dial(t, srv, "ws"+strings.TrimPrefix(srv.URL, "http"))

	c := <-conns
	if err := c.Send("text", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestCloseEmitsClosingThenClose(t *testing.T) {
	srv, conns := newTestServer(t, Config{})
	_ = dial(t, srv, "ws"+strings.TrimPrefix(srv.URL, "http"))
	c := <-conns

	go c.Close(CloseNormal, "bye")

	var gotClosing, gotClose bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-c.Events():
			switch ev.Kind {
			case EventClosing:
				gotClosing = true
			case EventClose:
				gotClose = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for close events")
		}
	}
	if !gotClosing || !gotClose {
		t.Fatalf("expected both EventClosing and EventClose, got closing=%v close=%v", gotClosing, gotClose)
	}
}
