package router

import (
	"fmt"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/transport"
	"github.com/cockpit-project/cockpit-ws/internal/wsconn"
)

// socket is the router-level record wrapping one open client WebSocket
// (§3). id is a short string ("1:", "2:", ...) used both as the log
// identity and, once init completes, as the channel-seed prefix handed
// to the client for its own channel ids.
type socket struct {
	ws *WebService
	id string

	conn *wsconn.Conn

	channels map[string]string // channel id -> flavor ("text"/"binary")

	initDone bool
	initObj  map[string]any
}

// Attach registers a newly-opened client WebSocket with the router and
// begins its per-socket init handshake (§4.4.1). The caller must have
// already performed the WebSocket upgrade (wsconn.Upgrade); Attach wires
// the connection's event stream into the router's event loop.
func (ws *WebService) Attach(conn *wsconn.Conn) {
	id := fmt.Sprintf("%d:", ws.nextSocketID.Add(1))
	s := &socket{
		ws:       ws,
		id:       id,
		conn:     conn,
		channels: make(map[string]string),
	}

	go func() {
		for ev := range conn.Events() {
			ev := ev
			ws.submit(func() { ws.handleSocketEvent(s, ev) })
		}
	}()

	ws.submit(func() { ws.registerSocket(s) })
}

func (ws *WebService) registerSocket(s *socket) {
	if ws.disposed.Load() {
		return
	}
	ws.sockets[s] = struct{}{}
	ws.idleCount++
	ws.sendSocketInit(s)
}

func (ws *WebService) handleSocketEvent(s *socket, ev wsconn.Event) {
	switch ev.Kind {
	case wsconn.EventOpen:
		// Registration already happened in registerSocket; nothing to do.
	case wsconn.EventMessage:
		ws.handleClientMessage(s, ev.Data)
	case wsconn.EventClosing:
		// No action; the WebSocket library drives the close handshake.
	case wsconn.EventClose:
		ws.removeSocket(s)
	}
}

// removeSocket tears down a socket's bookkeeping: every channel it
// owned receives a synthetic close/problem=disconnected forwarded to
// the bridge (§3 lifecycle).
func (ws *WebService) removeSocket(s *socket) {
	if _, ok := ws.sockets[s]; !ok {
		return
	}
	delete(ws.sockets, s)

	for id := range s.channels {
		ws.forwardCloseToBridge(id, transport.ProblemDisconnected)
		delete(ws.channels, id)
	}
	s.channels = make(map[string]string)

	ws.idleCount--
	if ws.idleCount == 0 {
		select {
		case ws.idling <- struct{}{}:
		default:
		}
	}
}

// closeWithProblem sends a close control message to the socket and
// tears down the underlying connection, used during Dispose.
func (s *socket) closeWithProblem(problem string) {
	frame := protocol.BuildControl("command", "close", "problem", problem)
	_ = s.conn.Send("text", protocol.BuildFrame("", frame))
	s.conn.Close(wsconn.CloseGoingAway, problem)
}

// DeliverControl implements ChannelOwner: forward a bridge control
// message for one of this socket's channels to the client, on the
// control prefix. A "close" additionally drops the socket's own record
// of the channel.
func (s *socket) DeliverControl(channel string, cmd protocol.Command) {
	if cmd.Name == "close" {
		delete(s.channels, channel)
	}
	if s.conn.State() != wsconn.StateOpen {
		return
	}
	payload := protocol.BuildControl(flattenOptions(cmd.Options)...)
	_ = s.conn.Send("text", protocol.BuildFrame("", payload))
}

// DeliverRecv implements ChannelOwner: forward a non-control payload to
// the client, prefixed with "<channel>\n" and sent in the channel's
// recorded flavor.
func (s *socket) DeliverRecv(channel string, payload []byte) {
	if s.conn.State() != wsconn.StateOpen {
		return
	}
	flavor := s.channels[channel]
	_ = s.conn.Send(flavor, protocol.BuildFrame(channel, payload))
}

// flattenOptions turns a parsed options map back into BuildControl's
// alternating key/value argument form.
func flattenOptions(options map[string]any) []any {
	out := make([]any, 0, len(options)*2)
	for k, v := range options {
		out = append(out, k, v)
	}
	return out
}
