package smp

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/l2cap"
)

// MTU values: LE Secure Connections raises the SMP MTU to 65 octets (the
// public-key PDU needs it); legacy pairing stays at the LE default of 23.
const (
	MTULegacy = 23
	MTUSecure = 65
)

// Channel is the read/write/close surface the handler needs; satisfied by
// *l2cap.Channel and by in-memory fakes in tests.
type Channel interface {
	Read(b []byte, timeout time.Duration) (int, error)
	Write(b []byte) (int, error)
	Close() error
	IsOpen() bool
}

var _ Channel = (*l2cap.Channel)(nil)

// FrameSink receives every SMP PDU read off the channel, in read order.
// The Device's pairing state machine is the sink.
type FrameSink func(f Frame)

// Handler is the MTU-aware send/recv wrapper over the SMP fixed channel.
// The pairing state machine lives with the Device; the handler only
// frames, sizes, and dispatches, plus routes the unsolicited Security
// Request to its own callback.
type Handler struct {
	log *logrus.Entry

	ch  Channel
	mtu int

	readTimeout time.Duration

	mu            sync.Mutex
	sink          FrameSink
	onSecurityReq func(auth AuthReq)
	lastEvent     time.Time
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

// NewHandler wraps an open SMP channel and starts the reader goroutine.
// secureConnections selects the 65-byte SC MTU over the 23-byte legacy
// one.
func NewHandler(ch Channel, secureConnections bool, readTimeout time.Duration, sink FrameSink) *Handler {
	mtu := MTULegacy
	if secureConnections {
		mtu = MTUSecure
	}
	h := &Handler{
		log:         logrus.WithField("component", "smp"),
		ch:          ch,
		mtu:         mtu,
		readTimeout: readTimeout,
		sink:        sink,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go h.readLoop()
	return h
}

// OnSecurityRequest installs the callback for the responder-initiated
// Security Request PDU.
func (h *Handler) OnSecurityRequest(fn func(auth AuthReq)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSecurityReq = fn
}

// MTU returns the negotiated SMP MTU.
func (h *Handler) MTU() int { return h.mtu }

// LastEvent returns the time the most recent SMP PDU was read, consumed
// by the pairing watchdog.
func (h *Handler) LastEvent() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastEvent
}

// Send writes one SMP PDU, refusing frames above the MTU.
func (h *Handler) Send(pdu []byte) error {
	if len(pdu) > h.mtu {
		return fmt.Errorf("smp: PDU size %d exceeds MTU %d", len(pdu), h.mtu)
	}
	_, err := h.ch.Write(pdu)
	return err
}

// Close stops the reader and closes the channel; safe to call twice.
func (h *Handler) Close() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stop)
		err = h.ch.Close()
		<-h.done
	})
	return err
}

func (h *Handler) readLoop() {
	defer close(h.done)
	buf := make([]byte, MTUSecure)
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		n, err := h.ch.Read(buf, h.readTimeout)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			select {
			case <-h.stop:
			default:
				h.log.WithError(err).Debug("SMP reader stopping")
			}
			return
		}
		f, err := ParseFrame(buf[:n])
		if err != nil {
			h.log.WithError(err).Warn("malformed SMP PDU")
			continue
		}
		cp := make([]byte, len(f.Params))
		copy(cp, f.Params)
		f.Params = cp

		h.mu.Lock()
		h.lastEvent = time.Now()
		sink := h.sink
		secFn := h.onSecurityReq
		h.mu.Unlock()

		if f.Code == CodeSecurityRequest && secFn != nil {
			auth := AuthReq(0)
			if len(f.Params) >= 1 {
				auth = AuthReq(f.Params[0])
			}
			secFn(auth)
			continue
		}
		if sink != nil {
			sink(f)
		}
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
