package transport

import (
	"bufio"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
)

// fakeBridge wires a PipeTransport to an in-memory pair of pipes so
// tests can play the role of the subprocess on the other end.
type fakeBridge struct {
	transport *PipeTransport
	toBridge  *bufio.Reader // what the transport wrote, readable here
	fromTest  io.WriteCloser
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	readFromTransport, writeFromTransport := io.Pipe()
	readByTransport, writeToTransport := io.Pipe()

	tr := NewPipeTransport(readByTransport, writeFromTransport, 0)
	t.Cleanup(func() { tr.Close(ProblemNone) })

	return &fakeBridge{
		transport: tr,
		toBridge:  bufio.NewReader(readFromTransport),
		fromTest:  writeToTransport,
	}
}

// writeFrame writes a length-prefixed frame as if sent by the bridge
// subprocess.
func (b *fakeBridge) writeFrame(t *testing.T, channel string, payload []byte) {
	t.Helper()
	body := protocol.BuildFrame(channel, payload)
	if _, err := b.fromTest.Write([]byte(strconv.Itoa(len(body)) + "\n")); err != nil {
		t.Fatalf("write length prefix: %v", err)
	}
	if _, err := b.fromTest.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

// readFrame reads one length-prefixed frame sent by the transport.
func (b *fakeBridge) readFrame(t *testing.T) (string, []byte) {
	t.Helper()
	lengthLine, err := b.toBridge.ReadString('\n')
	if err != nil {
		t.Fatalf("read length prefix: %v", err)
	}
	n, err := strconv.Atoi(lengthLine[:len(lengthLine)-1])
	if err != nil {
		t.Fatalf("bad length prefix %q: %v", lengthLine, err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(b.toBridge, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	channel, payload, err := protocol.ParseFrame(body)
	if err != nil {
		t.Fatalf("parse frame: %v", err)
	}
	return channel, payload
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPipeTransportRecv(t *testing.T) {
	b := newFakeBridge(t)
	b.writeFrame(t, "a", []byte("hello"))

	ev := waitEvent(t, b.transport.Events())
	if ev.Kind != EventRecv || ev.Channel != "a" || string(ev.Payload) != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPipeTransportControl(t *testing.T) {
	b := newFakeBridge(t)
	b.writeFrame(t, "", protocol.BuildControl("command", "init", "version", float64(1)))

	ev := waitEvent(t, b.transport.Events())
	if ev.Kind != EventControl || ev.Command.Name != "init" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPipeTransportSend(t *testing.T) {
	b := newFakeBridge(t)
	b.transport.Send("a", []byte("payload"))

	channel, payload := b.readFrame(t)
	if channel != "a" || string(payload) != "payload" {
		t.Fatalf("unexpected frame: channel=%q payload=%q", channel, payload)
	}
}

func TestPipeTransportSendAfterCloseDropped(t *testing.T) {
	b := newFakeBridge(t)
	b.transport.Close(ProblemTerminated)

	ev := waitEvent(t, b.transport.Events())
	if ev.Kind != EventClosed || ev.Problem != ProblemTerminated {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Send after close must not panic and must not produce further events.
	b.transport.Send("a", []byte("ignored"))
}

func TestPipeTransportEOFIsCleanClose(t *testing.T) {
	readFromTransport, writeFromTransport := io.Pipe()
	readByTransport, writeToTransport := io.Pipe()
	tr := NewPipeTransport(readByTransport, writeFromTransport, 0)
	_ = readFromTransport

	_ = writeToTransport.Close()

	ev := waitEvent(t, tr.Events())
	if ev.Kind != EventClosed || ev.Problem != ProblemNone {
		t.Fatalf("expected clean close, got %+v", ev)
	}
}
