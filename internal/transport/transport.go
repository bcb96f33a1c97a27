// Package transport implements the byte-duplex abstraction between the
// session router and a bridge subprocess: length-prefixed framing over
// the subprocess's stdio pipes, demultiplexed into control/recv/closed
// events, with best-effort back-pressure signalling.
//
// PipeTransport pairs a background reader goroutine with a single
// writer goroutine that serializes outbound frames, applied here to one
// subprocess's stdio pipes.
package transport

import (
	"github.com/cockpit-project/cockpit-ws/internal/protocol"
)

// EventKind discriminates the variants of Event.
type EventKind int

const (
	// EventControl is emitted for frames whose channel id is empty.
	EventControl EventKind = iota
	// EventRecv is emitted for frames with a non-empty channel id.
	EventRecv
	// EventClosed is emitted exactly once, when the transport is done.
	EventClosed
	// EventPressure is emitted when the outbound queue crosses the
	// high-water mark in either direction (§5).
	EventPressure
)

// Event is the single envelope type carried on a Transport's event
// channel: a Go-idiomatic channel of tagged values standing in for
// separate control/recv/closed callbacks.
type Event struct {
	Kind EventKind

	// Set for EventControl and EventRecv.
	Channel string

	// Set for EventControl: the parsed command.
	Command protocol.Command
	// Set for EventControl: the raw JSON payload.
	Raw []byte

	// Set for EventRecv: the channel payload.
	Payload []byte

	// Set for EventClosed: the problem token, or "" for clean EOF.
	Problem string

	// Set for EventPressure: true when pressure turned on, false when
	// it cleared.
	PressureOn bool
}

// Problem tokens (§6, §7).
const (
	ProblemNone          = ""
	ProblemDisconnected  = "disconnected"
	ProblemTerminated    = "terminated"
	ProblemInternalError = "internal-error"
	ProblemProtocolError = "protocol-error"
	ProblemTimeout       = "timeout"
	ProblemNoCockpit     = "no-cockpit"
	ProblemNotFound      = "not-found"
	ProblemAccessDenied  = "access-denied"
	ProblemNotSupported  = "not-supported"
	ProblemAuthFailed    = "authentication-failed"
	ProblemNoSession     = "no-session"
)

// Transport is the capability the router consumes from whatever carries
// bytes to and from the bridge.
type Transport interface {
	// Send enqueues a frame. channel == "" denotes a control frame. A
	// Send after Close is silently dropped. Send order is preserved
	// per-channel; no ordering is implied across channels.
	Send(channel string, payload []byte)

	// Close begins orderly shutdown: queued writes are flushed if
	// possible, then EventClosed is emitted exactly once. problem == ""
	// denotes a clean shutdown.
	Close(problem string)

	// Events returns the transport's event channel. It is closed after
	// EventClosed has been delivered.
	Events() <-chan Event
}
