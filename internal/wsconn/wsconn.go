// Package wsconn wraps a server-side gorilla/websocket connection with
// the state machine and event shape §4.3 describes: CONNECTING / OPEN /
// CLOSING / CLOSED, subprotocol negotiation restricted to "cockpit1",
// and origin enforcement.
//
// A read/write-pump split per connection, generalized into a reusable
// per-connection endpoint rather than one fixed single-purpose socket.
package wsconn

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the only subprotocol this endpoint ever negotiates.
const Subprotocol = "cockpit1"

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// EventKind discriminates Event variants emitted by Conn.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClosing
	EventClose
)

// Event is delivered on Conn's event channel.
type Event struct {
	Kind EventKind

	// Set for EventMessage: websocket.TextMessage or websocket.BinaryMessage.
	MessageType int
	Data        []byte
}

// Config configures origin enforcement for the upgrade (§4.3).
type Config struct {
	// AllowedOrigins, if non-empty, is the exact allow-list checked
	// against the request's Origin header.
	AllowedOrigins []string

	// BehindTLSProxy makes the default (no AllowedOrigins) origin
	// computation use "wss://" even though the local connection itself
	// is plaintext, because TLS is terminated upstream.
	BehindTLSProxy bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	Subprotocols:    []string{Subprotocol},
	// Origin is enforced by originAllowed before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn wraps one upgraded WebSocket connection.
type Conn struct {
	ws     *websocket.Conn
	origin string

	mu    sync.Mutex
	state State

	events chan Event

	writeMu sync.Mutex
}

// Upgrade performs the server-side handshake on w/r, enforcing origin
// and subprotocol per §4.3. The caller is expected to have already read
// any request buffer needed upstream of the HTTP layer; that buffering
// lives outside the core (§1) and is not modeled here.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	if !originAllowed(r, cfg) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, fmt.Errorf("wsconn: origin %q not allowed", r.Header.Get("Origin"))
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsconn: upgrade: %w", err)
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return nil, fmt.Errorf("wsconn: client did not select subprotocol %q", Subprotocol)
	}

	c := &Conn{
		ws:     ws,
		origin: r.Header.Get("Origin"),
		state:  StateOpen,
		events: make(chan Event, 32),
	}
	go c.readPump()
	c.emit(Event{Kind: EventOpen})
	return c, nil
}

func originAllowed(r *http.Request, cfg Config) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}

	scheme := "ws"
	if cfg.BehindTLSProxy || r.TLS != nil {
		scheme = "wss"
	}
	expected := scheme + "://" + r.Host

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(expected, u.Scheme+"://"+u.Host)
}

// Events returns the connection's event channel, closed after
// EventClose has been delivered.
func (c *Conn) Events() <-chan Event { return c.events }

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Origin returns the peer's declared Origin header.
func (c *Conn) Origin() string { return c.origin }

// Send writes a message of the given flavor ("text" or "binary") to
// the peer. A send on a non-open connection is a silent no-op.
func (c *Conn) Send(flavor string, data []byte) error {
	if c.State() != StateOpen {
		return nil
	}
	msgType := websocket.TextMessage
	if flavor == "binary" {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(msgType, data)
}

// Close begins the closing handshake, sending a close frame with code
// and reason, then tears the connection down.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.emit(Event{Kind: EventClosing})

	c.writeMu.Lock()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()

	_ = c.ws.Close()
}

func (c *Conn) readPump() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish()
			return
		}
		c.emit(Event{Kind: EventMessage, MessageType: msgType, Data: data})
	}
}

func (c *Conn) finish() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	c.emit(Event{Kind: EventClose})
	close(c.events)
}

func (c *Conn) emit(ev Event) {
	defer func() { _ = recover() }() // events may already be closed by finish()
	c.events <- ev
}

// Close codes used by the router when it terminates a socket locally
// (§4.4.1).
const (
	CloseNormal      = websocket.CloseNormalClosure
	CloseServerError = websocket.CloseInternalServerErr
	CloseGoingAway   = websocket.CloseGoingAway
)
