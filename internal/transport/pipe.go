package transport

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockpit-project/cockpit-ws/internal/protocol"
	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

var pipeLog = wslog.For("transport")

// writeRequest is one queued outbound frame.
type writeRequest struct {
	channel string
	payload []byte
}

// PipeTransport is the one concrete Transport variant: it frames a
// bridge subprocess's stdin/stdout. Each frame on the wire is prefixed
// by its total body length as an ASCII decimal followed by '\n' (§6).
//
// A background reader goroutine reads and frames stdout; a single
// writer goroutine serializes outbound frames, with no write deadline
// applied; events go out on a buffered channel, and emitting blocks
// while that buffer is full.
type PipeTransport struct {
	r io.ReadCloser
	w io.WriteCloser

	events chan Event

	writeCh chan writeRequest
	closeCh chan string

	closeOnce sync.Once
	closed    atomic.Bool

	pendingBytes atomic.Int64
	highWater    int64
	pressureOn   atomic.Bool

	writeTimeout time.Duration
}

// NewPipeTransport starts reader and writer goroutines over r/w, which
// are typically a subprocess's Stdout and Stdin. highWaterMark is the
// outbound-queued-bytes threshold for pressure signalling (§5); a
// value <= 0 uses a 1MiB default.
func NewPipeTransport(r io.ReadCloser, w io.WriteCloser, highWaterMark int64) *PipeTransport {
	if highWaterMark <= 0 {
		highWaterMark = 1 << 20
	}
	t := &PipeTransport{
		r:            r,
		w:            w,
		events:       make(chan Event, 64),
		writeCh:      make(chan writeRequest, 256),
		closeCh:      make(chan string, 1),
		highWater:    highWaterMark,
		writeTimeout: 30 * time.Second,
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *PipeTransport) Events() <-chan Event { return t.events }

// Send enqueues a frame for the writer goroutine. Dropped silently if
// the transport is already closed.
func (t *PipeTransport) Send(channel string, payload []byte) {
	if t.closed.Load() {
		return
	}
	size := int64(len(channel) + 1 + len(payload))
	newPending := t.pendingBytes.Add(size)
	t.maybeSignalPressure(newPending)

	select {
	case t.writeCh <- writeRequest{channel: channel, payload: payload}:
	default:
		// Writer goroutine is not keeping up; undo the accounting, drop
		// the frame and close the transport, matching the "fatal on
		// write error" semantics for a transport that can no longer make
		// progress.
		t.pendingBytes.Add(-size)
		pipeLog.Warnf("send queue full, dropping frame on channel %q and closing", channel)
		t.Close(ProblemDisconnected)
	}
}

func (t *PipeTransport) maybeSignalPressure(pending int64) {
	on := pending >= t.highWater
	if on && t.pressureOn.CompareAndSwap(false, true) {
		t.emit(Event{Kind: EventPressure, PressureOn: true})
	} else if !on && t.pressureOn.CompareAndSwap(true, false) {
		t.emit(Event{Kind: EventPressure, PressureOn: false})
	}
}

// Close begins orderly shutdown, signalling the writer goroutine to
// flush pending frames, close the write side, and emit EventClosed with
// problem as the close reason. The reader goroutine is not signalled; it
// stops on its own read error or EOF.
func (t *PipeTransport) Close(problem string) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		select {
		case t.closeCh <- problem:
		default:
		}
	})
}

func (t *PipeTransport) writeLoop() {
	bw := bufio.NewWriter(t.w)
	var finalProblem string
	haveFinal := false

drain:
	for {
		select {
		case req := <-t.writeCh:
			if err := t.writeFrame(bw, req); err != nil {
				if !haveFinal {
					finalProblem = ProblemDisconnected
					haveFinal = true
				}
				break drain
			}
		case p := <-t.closeCh:
			if !haveFinal {
				finalProblem = p
				haveFinal = true
			}
			// Flush whatever is already queued, then stop.
			for {
				select {
				case req := <-t.writeCh:
					_ = t.writeFrame(bw, req)
				default:
					break drain
				}
			}
		}
	}

	_ = bw.Flush()
	_ = t.w.Close()

	if !haveFinal {
		finalProblem = ProblemDisconnected
	}
	t.finish(finalProblem)
}

func (t *PipeTransport) writeFrame(bw *bufio.Writer, req writeRequest) error {
	body := protocol.BuildFrame(req.channel, req.payload)
	size := int64(len(body))
	t.pendingBytes.Add(-size)
	t.maybeSignalPressure(t.pendingBytes.Load())

	if _, err := bw.WriteString(strconv.Itoa(len(body))); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func (t *PipeTransport) readLoop() {
	br := bufio.NewReaderSize(t.r, 64*1024)
	for {
		lengthLine, err := br.ReadString('\n')
		if err != nil {
			t.reportReadFailure(err)
			return
		}
		lengthLine = lengthLine[:len(lengthLine)-1]
		n, err := strconv.Atoi(lengthLine)
		if err != nil || n < 0 {
			t.Close(ProblemProtocolError)
			return
		}
		if n > protocol.MaxFrameSize {
			t.Close(ProblemProtocolError)
			return
		}

		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			t.reportReadFailure(err)
			return
		}

		channel, payload, err := protocol.ParseFrame(body)
		if err != nil {
			t.Close(ProblemProtocolError)
			return
		}

		if channel == "" {
			cmd, err := protocol.ParseCommand(payload)
			if err != nil {
				t.Close(ProblemProtocolError)
				return
			}
			t.emit(Event{Kind: EventControl, Channel: cmd.Channel, Command: cmd, Raw: payload})
		} else {
			t.emit(Event{Kind: EventRecv, Channel: channel, Payload: payload})
		}
	}
}

func (t *PipeTransport) reportReadFailure(err error) {
	if err == io.EOF {
		t.Close(ProblemNone)
		return
	}
	pipeLog.Debugf("bridge read failed: %v", err)
	t.Close(ProblemDisconnected)
}

// finish delivers the terminal EventClosed exactly once and closes the
// event channel.
func (t *PipeTransport) finish(problem string) {
	t.emit(Event{Kind: EventClosed, Problem: problem})
	close(t.events)
}

func (t *PipeTransport) emit(ev Event) {
	defer func() { _ = recover() }() // events may already be closed by finish()
	t.events <- ev
}

var _ fmt.Stringer = (*PipeTransport)(nil)

// String identifies the transport for log lines.
func (t *PipeTransport) String() string { return "pipe-transport" }
