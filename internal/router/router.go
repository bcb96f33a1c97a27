// Package router implements the session router ("WebService"): the
// object that owns one bridge transport, many client WebSockets, and
// routes framed channel traffic between them while enforcing the
// handshake, per-channel bookkeeping, credential lifetime, and timing
// rules of §4.4.
//
// One struct holds its collaborators, with one method per concern; the
// router's own ping is fanned out to every open socket, while
// channel-less bridge control messages other than init, authorize and
// superuser-init-done are logged and ignored. All router state
// is mutated only on the single goroutine started by NewWebService's
// caller (Run), matching §5's single-threaded cooperative loop: callers
// on other goroutines (HTTP handlers spawning ChannelResponse, the HTTP
// layer attaching a new socket) submit closures through a command
// queue instead of taking a lock.
package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockpit-project/cockpit-ws/internal/creds"
	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
	"github.com/cockpit-project/cockpit-ws/internal/wsconn"
	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

var routerLog = wslog.For("router")

// ChannelOwner receives traffic the bridge sends on a channel. Both
// *socket (a client WebSocket's channels) and chanresponse.Response
// (a one-shot resource channel) implement it.
type ChannelOwner interface {
	// DeliverControl handles a control message the bridge sent for
	// channel.
	DeliverControl(channel string, cmd protocol.Command)
	// DeliverRecv handles a non-control payload the bridge sent for
	// channel, in the flavor the channel was opened with.
	DeliverRecv(channel string, payload []byte)
}

// Config carries the router's tunables, threaded from the constructor
// per §9's "global mutable tunables become a config struct" note.
type Config struct {
	Host            string
	SystemVersion   string
	PingInterval    time.Duration
	IdleGracePeriod time.Duration
	PoisonTimeout   time.Duration
}

// DefaultConfig returns the documented defaults (§4.4.5, §4.4.1).
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		SystemVersion:   "1",
		PingInterval:    5 * time.Second,
		IdleGracePeriod: 10 * time.Second,
		PoisonTimeout:   120 * time.Second,
	}
}

type channelEntry struct {
	owner  ChannelOwner
	sock   *socket // nil for internal (ChannelResponse) owners
	flavor string  // "text" or "binary"; unused for internal owners
}

// WebService is the session router. Construct with NewWebService and
// drive its event loop with Run, on one goroutine, for the life of the
// session.
type WebService struct {
	cfg    Config
	creds  *creds.Credentials
	bridge transport.Transport

	channels map[string]*channelEntry
	sockets  map[*socket]struct{}

	bridgeInit  map[string]any
	bridgeReady bool

	nextSocketID atomic.Int64
	nextInternal atomic.Int64

	cmds     chan func()
	dispose  chan struct{}
	disposed atomic.Bool

	idleCount int
	idling    chan struct{}

	onDisposed func()
}

// NewWebService constructs a router bound to one bridge transport and
// one credentials handle. Call Run to start its event loop.
func NewWebService(cr *creds.Credentials, bridge transport.Transport, cfg Config) *WebService {
	return &WebService{
		cfg:      cfg,
		creds:    cr,
		bridge:   bridge,
		channels: make(map[string]*channelEntry),
		sockets:  make(map[*socket]struct{}),
		cmds:     make(chan func(), 64),
		dispose:  make(chan struct{}),
		idling:   make(chan struct{}, 1),
	}
}

// OnDisposed registers a callback invoked once, on the Run goroutine,
// right before Run returns. The HTTP layer uses it to cancel the
// context it passed to Run.
func (ws *WebService) OnDisposed(fn func()) { ws.onDisposed = fn }

// Idling returns a channel that receives a value whenever the number of
// open sockets transitions to zero (§4.4.5). An external supervisor may
// destroy the router after a grace period if no socket reattaches.
func (ws *WebService) Idling() <-chan struct{} { return ws.idling }

// Run drives the router's single-threaded event loop until Dispose is
// called or the bridge transport closes. It must run on its own
// goroutine for the lifetime of the session.
func (ws *WebService) Run(ctx context.Context) {
	pingTicker := time.NewTicker(ws.cfg.PingInterval)
	defer pingTicker.Stop()

	var poisonTimer *time.Timer
	if ws.cfg.PoisonTimeout > 0 {
		poisonTimer = time.NewTimer(ws.cfg.PoisonTimeout)
		defer poisonTimer.Stop()
	}
	var poisonC <-chan time.Time
	if poisonTimer != nil {
		poisonC = poisonTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			ws.disposeNow(transport.ProblemTerminated)
			return

		case <-ws.dispose:
			return

		case ev, ok := <-ws.bridge.Events():
			if !ok {
				return
			}
			ws.handleBridgeEvent(ev)

		case fn := <-ws.cmds:
			fn()

		case <-pingTicker.C:
			ws.broadcastPing()

		case <-poisonC:
			routerLog.Infof("poison timer fired, clearing credentials")
			ws.creds.Poison()
			poisonC = nil
		}
	}
}

// Neither poison trigger cancels the other: Run's poison timer keeps
// running after superuser-init-done, and whichever trigger comes second
// calls Poison on credentials that are already poisoned, which does
// nothing unless an in-session authorize has replaced the password in
// between.

// submit runs fn on the router's own goroutine and blocks until it has
// run. Safe to call from any goroutine.
func (ws *WebService) submit(fn func()) {
	if ws.disposed.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case ws.cmds <- func() { fn(); close(done) }:
		<-done
	case <-ws.dispose:
	}
}

// Dispose synchronously cancels all outstanding operations, sends
// close/disconnected for each live channel to the bridge, then severs
// the bridge transport (§5).
func (ws *WebService) Dispose() {
	ws.submit(func() {
		ws.disposeNow(transport.ProblemDisconnected)
	})
}

func (ws *WebService) disposeNow(problem string) {
	if ws.disposed.Load() {
		return
	}
	ws.disposed.Store(true)

	for id, entry := range ws.channels {
		ws.forwardCloseToBridge(id, problem)
		entry.owner.DeliverControl(id, protocol.Command{
			Name:    "close",
			Channel: id,
			Options: map[string]any{"command": "close", "channel": id, "problem": problem},
		})
	}
	ws.channels = make(map[string]*channelEntry)

	for s := range ws.sockets {
		s.closeWithProblem(problem)
	}
	ws.sockets = make(map[*socket]struct{})

	ws.bridge.Close(problem)

	if ws.onDisposed != nil {
		ws.onDisposed()
	}
	close(ws.dispose)
}

// broadcastPing runs on the Run goroutine itself (called directly from
// its select loop), so it touches ws.sockets without going through
// submit.
func (ws *WebService) broadcastPing() {
	frame := protocol.BuildControl("command", "ping")
	for s := range ws.sockets {
		if s.conn.State() == wsconn.StateOpen {
			_ = s.conn.Send("text", protocol.BuildFrame("", frame))
		}
	}
}

// uniqueChannel allocates a fresh internal channel id in the "0:<n>"
// format used for router-initiated (non-socket-owned) channels such as
// ChannelResponse's (§4.5).
func (ws *WebService) uniqueChannel() string {
	return fmt.Sprintf("0:%d", ws.nextInternal.Add(1))
}

// errChannelInUse is returned by registration helpers when a client (or
// internal caller) tries to open a channel id already in use (§3
// invariant: a channel id is globally unique within a router).
var errChannelInUse = fmt.Errorf("router: channel id already in use")

// errRouterDisposed is returned by OpenInternalChannel once the router
// has already been disposed.
var errRouterDisposed = fmt.Errorf("router: disposed")

// reserveChannel fails with errChannelInUse if channel is already
// registered. Callers that succeed are still responsible for inserting
// the channelEntry themselves once they know the owner and flavor.
func (ws *WebService) reserveChannel(channel string) error {
	if _, exists := ws.channels[channel]; exists {
		return errChannelInUse
	}
	return nil
}
