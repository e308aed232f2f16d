package hci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/socket"
)

// ErrClosed is returned by Transport operations once the transport has been
// closed.
var ErrClosed = errors.New("hci: transport closed")

// pendingCmd tracks one in-flight HCI command awaiting its Command Complete
// or Command Status reply, the bounded-ring-buffer waiter the teacher's
// cmd.go implements with a slice and a pair of channels.
type pendingCmd struct {
	opcode Opcode
	done   chan cmdReply
}

type cmdReply struct {
	status Status
	params []byte
	err    error
}

// EventListener receives every unsolicited HCI event dispatched by the
// reader goroutine, keyed by event code at registration time.
type EventListener func(ev Event)

// MgmtListener receives every unsolicited MGMT event.
type MgmtListener func(code MgmtEventCode, index uint16, params []byte)

// Transport owns one raw HCI socket for controller index Index. It runs a
// dedicated reader goroutine on that socket, routes command replies to their
// waiter, and fans unsolicited events out to registered listeners. Its
// mgmtFD slot stays -1 (Open never opens a MGMT socket), so Close only has
// the HCI socket to shut down.
//
// This is the Go reshaping of the teacher's single-threaded *HCI plus its
// internal cmd/event helpers: the sent-command list becomes a mutex
// protected map, the done channel is unchanged, and the teacher's method
// dispatch table becomes a per-event-code listener slice.
type Transport struct {
	Index int

	log *logrus.Entry

	hciFD  int
	mgmtFD int

	mu       sync.Mutex
	pending  map[Opcode]*pendingCmd
	listeners map[EventCode][]EventListener
	mgmtListeners []MgmtListener

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the raw per-controller HCI socket for dev and starts its
// reader goroutine. The MGMT channel, shared across all controller indices,
// is not attached here: MgmtTransport (OpenMgmt) owns it.
func Open(dev int) (*Transport, error) {
	fd, err := socket.OpenHCI(dev)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		Index:     dev,
		log:       logrus.WithField("component", "hci").WithField("dev", dev),
		hciFD:     fd,
		mgmtFD:    -1,
		pending:   make(map[Opcode]*pendingCmd),
		listeners: make(map[EventCode][]EventListener),
		closed:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Close shuts down both sockets, which unblocks the reader goroutines'
// blocking reads the same way the teacher's Close does for its single fd.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		socket.Shutdown(t.hciFD)
		err = socket.Close(t.hciFD)
		if t.mgmtFD >= 0 {
			socket.Shutdown(t.mgmtFD)
			socket.Close(t.mgmtFD)
		}
		t.mu.Lock()
		for _, p := range t.pending {
			p.done <- cmdReply{err: ErrClosed}
		}
		t.pending = nil
		t.mu.Unlock()
	})
	return err
}

// OnEvent registers a listener for a specific HCI event code. Multiple
// listeners for the same code fan out in registration order, the same
// shape the GATT engine and device state machine use to both watch
// DisconnectionComplete.
func (t *Transport) OnEvent(code EventCode, l EventListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[code] = append(t.listeners[code], l)
}

// OnMgmtEvent registers a listener for every MGMT event.
func (t *Transport) OnMgmtEvent(l MgmtListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mgmtListeners = append(t.mgmtListeners, l)
}

// Send writes an HCI command and blocks until its Command Complete/Status
// reply arrives or ctx is done. It returns the return-parameter bytes of a
// Command Complete, or nil with a non-nil error derived from a Command
// Status's failing status.
func (t *Transport) Send(ctx context.Context, cp CmdParam) ([]byte, error) {
	op := cp.Opcode()
	pc := &pendingCmd{opcode: op, done: make(chan cmdReply, 1)}

	t.mu.Lock()
	if t.pending == nil {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[op] = pc
	t.mu.Unlock()

	raw := MarshalCommand(cp)
	t.log.Debugf("< HCI command %s plen=%d", op, len(raw)-4)
	if _, err := socket.Write(t.hciFD, raw); err != nil {
		t.mu.Lock()
		delete(t.pending, op)
		t.mu.Unlock()
		return nil, fmt.Errorf("hci: write command %s: %w", op, err)
	}

	select {
	case r := <-pc.done:
		if r.err != nil {
			return nil, r.err
		}
		if r.status != StatusSuccess {
			return r.params, fmt.Errorf("hci: command %s failed: %w", op, r.status.Err())
		}
		return r.params, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, op)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrClosed
	}
}

// SendTimeout is a convenience wrapper around Send with a fixed deadline,
// the shape most Adapter/Device call sites use.
func (t *Transport) SendTimeout(cp CmdParam, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Send(ctx, cp)
}

func (t *Transport) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := socket.Read(t.hciFD, buf)
		if err != nil || n == 0 {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		go t.handleFrame(frame)
	}
}

func (t *Transport) handleFrame(b []byte) {
	if len(b) == 0 {
		return
	}
	typ, rest := PacketType(b[0]), b[1:]
	switch typ {
	case PacketEvent:
		ev, err := ParseFrame(rest)
		if err != nil {
			t.log.WithError(err).Warn("malformed event frame")
			return
		}
		t.dispatchEvent(ev)
	default:
		t.log.Debugf("ignoring frame of type 0x%02x", uint8(typ))
	}
}

func (t *Transport) dispatchEvent(ev Event) {
	if op, ok := ev.IsCommandReply(); ok {
		t.completeCommand(ev, op)
	}

	t.mu.Lock()
	ls := append([]EventListener(nil), t.listeners[ev.Code]...)
	t.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (t *Transport) completeCommand(ev Event, op Opcode) {
	t.mu.Lock()
	pc, ok := t.pending[op]
	if ok {
		delete(t.pending, op)
	}
	t.mu.Unlock()
	if !ok {
		t.log.Warnf("no waiter for reply to %s", op)
		return
	}
	switch ev.Code {
	case EventCommandComplete:
		cc, err := ParseCommandComplete(ev.Params)
		if err != nil {
			pc.done <- cmdReply{err: err}
			return
		}
		status := StatusSuccess
		if len(cc.ReturnParams) >= 1 {
			status = Status(cc.ReturnParams[0])
		}
		pc.done <- cmdReply{status: status, params: cc.ReturnParams}
	case EventCommandStatus:
		cs, err := ParseCommandStatus(ev.Params)
		if err != nil {
			pc.done <- cmdReply{err: err}
			return
		}
		pc.done <- cmdReply{status: cs.Status}
	}
}

// Initialize runs the controller bring-up sequence: Reset, set the event
// mask wide enough for LE Meta/disconnection/encryption events, enable LE
// host support, and enable Secure Simple Pairing — mirroring the teacher's
// resetDevice command sequence, generalized with an explicit context and
// error propagation instead of fire-and-forget sends.
func (t *Transport) Initialize(ctx context.Context) error {
	steps := []CmdParam{
		Reset{},
		SetEventMask{Mask: 0x3FFFFFFFFFFFFFFF},
		LESetEventMask{Mask: 0x00000000000001FF},
		WriteLEHostSupported{LESupportedHost: 1, SimultaneousLEBREDR: 0},
		WriteSimplePairingMode{Enable: 1},
	}
	for _, s := range steps {
		if _, err := t.Send(ctx, s); err != nil {
			return fmt.Errorf("hci: initialize %s: %w", s.Opcode(), err)
		}
	}
	return nil
}
