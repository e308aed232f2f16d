package hci

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/socket"
)

// DefaultReplyRingCapacity equals the default of the hci.reply.ring
// tunable; OpenMgmt sizes the MGMT command-reply ring from the tunable.
const DefaultReplyRingCapacity = 64

// ErrReplyTimeout is returned when no matching reply arrived within the
// caller's deadline.
var ErrReplyTimeout = errors.New("mgmt: command reply timeout")

// MgmtEventListener receives unsolicited MGMT events. Listeners registered
// with index MgmtIndexNone see every controller's events; otherwise only
// the given controller's.
type MgmtEventListener func(code MgmtEventCode, index uint16, params []byte)

// IndexListener is invoked from a detached goroutine on Index Added /
// Index Removed, so the heavy adapter lifecycle work never runs on the
// reader goroutine.
type IndexListener func(index uint16, added bool)

type mgmtListenerEntry struct {
	index uint16
	fn    MgmtEventListener
}

// MgmtTransport is the single owner of the MGMT control socket. It accepts
// typed commands from any goroutine, returns the matching reply
// synchronously, and routes unsolicited events to registered listeners.
//
// The send path follows the reply-ring shape rather than a per-opcode
// waiter map: one send at a time holds sendMu, writes the command, then
// dequeues from the bounded ring until its own opcode comes up. A
// mismatched reply is a leftover from an earlier timed-out send and is
// discarded, retried up to the ring's capacity.
type MgmtTransport struct {
	log *logrus.Entry

	fd   int
	ring *replyRing

	sendMu sync.Mutex

	mu        sync.Mutex
	listeners []mgmtListenerEntry
	indexFns  []IndexListener

	ioError atomic.Bool

	// interrupted, when non-nil, lets an outer service runner declare a
	// read error to be an orderly shutdown rather than an I/O fault.
	interrupted func() bool

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenMgmt opens the MGMT control channel and starts its reader goroutine.
func OpenMgmt() (*MgmtTransport, error) {
	return openMgmtRing(config.Int(config.KeyHCIReplyRing))
}

func openMgmtRing(ringCap int) (*MgmtTransport, error) {
	fd, err := socket.OpenMgmt()
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("component", "mgmt")
	t := &MgmtTransport{
		log:    log,
		fd:     fd,
		closed: make(chan struct{}),
	}
	t.ring = newReplyRing(ringCap, func(n int) {
		log.Warnf("reply ring full, dropped oldest %d replies", n)
	})
	go t.readLoop()
	return t, nil
}

// SetInterruptedCheck installs the caller-supplied "interrupted?"
// predicate consulted when the reader's read fails.
func (t *MgmtTransport) SetInterruptedCheck(fn func() bool) { t.interrupted = fn }

// IOError reports whether the reader stopped on a genuine socket fault
// rather than an orderly close.
func (t *MgmtTransport) IOError() bool { return t.ioError.Load() }

// Close shuts the socket down, which unblocks the reader goroutine.
func (t *MgmtTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		socket.Shutdown(t.fd)
		err = socket.Close(t.fd)
	})
	return err
}

// OnEvent registers a listener for unsolicited MGMT events on the given
// controller index, or every controller when index is MgmtIndexNone.
func (t *MgmtTransport) OnEvent(index uint16, fn MgmtEventListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, mgmtListenerEntry{index: index, fn: fn})
}

// OnIndexChange registers a listener for Index Added / Index Removed.
func (t *MgmtTransport) OnIndexChange(fn IndexListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexFns = append(t.indexFns, fn)
}

// Send writes one MGMT command and blocks until its Command Complete or
// Command Status arrives or timeout passes. The returned bytes are the
// Command Complete return parameters; a failing MGMT status is folded
// into the error.
func (t *MgmtTransport) Send(op MgmtOpcode, index uint16, params []byte, timeout time.Duration) ([]byte, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}

	raw := MarshalMgmtCommand(op, index, params)
	t.log.Debugf("< MGMT command 0x%04x idx=%d plen=%d", uint16(op), index, len(params))
	if _, err := socket.Write(t.fd, raw); err != nil {
		return nil, fmt.Errorf("mgmt: write command 0x%04x: %w", uint16(op), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// A stale reply from an earlier timed-out send may sit ahead of ours;
	// discard mismatches, bounded by the ring capacity so a babbling
	// controller cannot spin us forever.
	for attempt := 0; attempt < t.ring.Capacity(); attempt++ {
		rep, ok := t.ring.Pop(timer.C, t.closed)
		if !ok {
			select {
			case <-t.closed:
				return nil, ErrClosed
			default:
			}
			return nil, fmt.Errorf("%w: 0x%04x", ErrReplyTimeout, uint16(op))
		}
		if rep.opcode != op || rep.index != index {
			t.log.Debugf("discarding stale reply for 0x%04x idx=%d while waiting on 0x%04x", uint16(rep.opcode), rep.index, uint16(op))
			continue
		}
		if rep.status != MgmtSuccess {
			return rep.params, fmt.Errorf("mgmt: command 0x%04x failed: %w", uint16(op), rep.status)
		}
		return rep.params, nil
	}
	return nil, fmt.Errorf("%w: 0x%04x (ring exhausted)", ErrReplyTimeout, uint16(op))
}

func (t *MgmtTransport) readLoop() {
	buf := make([]byte, 1024)
	for {
		n, err := socket.Read(t.fd, buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if t.interrupted != nil && t.interrupted() {
				return
			}
			t.ioError.Store(true)
			t.log.WithError(err).Error("MGMT read failed, reader stopping")
			return
		}
		if n == 0 {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.handleFrame(frame)
	}
}

func (t *MgmtTransport) handleFrame(b []byte) {
	hdr, params, err := ParseMgmtHeader(b)
	if err != nil {
		t.log.WithError(err).Warn("malformed MGMT frame")
		return
	}
	switch MgmtEventCode(hdr.Code) {
	case MgmtEvCommandComplete:
		cc, err := ParseMgmtCommandComplete(params)
		if err != nil {
			t.log.WithError(err).Warn("malformed Command Complete")
			return
		}
		t.ring.Push(mgmtReply{opcode: cc.Opcode, index: hdr.Index, status: cc.Status, params: cc.ReturnParams})
	case MgmtEvCommandStatus:
		// same layout minus return params
		cc, err := ParseMgmtCommandComplete(params)
		if err != nil {
			t.log.WithError(err).Warn("malformed Command Status")
			return
		}
		t.ring.Push(mgmtReply{opcode: cc.Opcode, index: hdr.Index, status: cc.Status})
	case MgmtEvIndexAdded, MgmtEvIndexRemoved:
		added := MgmtEventCode(hdr.Code) == MgmtEvIndexAdded
		t.mu.Lock()
		fns := append([]IndexListener(nil), t.indexFns...)
		t.mu.Unlock()
		// adapter construction/teardown is heavy; keep the reader free
		go func(idx uint16) {
			for _, fn := range fns {
				fn(idx, added)
			}
		}(hdr.Index)
	default:
		t.dispatch(MgmtEventCode(hdr.Code), hdr.Index, params)
	}
}

func (t *MgmtTransport) dispatch(code MgmtEventCode, index uint16, params []byte) {
	t.mu.Lock()
	ls := append([]mgmtListenerEntry(nil), t.listeners...)
	t.mu.Unlock()
	for _, l := range ls {
		if l.index != MgmtIndexNone && l.index != index {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Errorf("MGMT listener panicked on event 0x%04x: %v", uint16(code), r)
				}
			}()
			l.fn(code, index, params)
		}()
	}
}
