// Package l2cap implements spec.md component C4: a connection-oriented
// L2CAP channel over a genuine kernel SOCK_SEQPACKET socket (ATT's fixed
// CID 0x0004, SMP's fixed CID 0x0006, or a dynamic PSM for the minimal
// peripheral/GATT-server role), plus a Listener for the server side.
//
// The teacher's linux/l2cap.go reassembles L2CAP PDUs from raw ACL data
// itself, since paypal-gatt never opens a kernel L2CAP socket; this
// package instead binds the kernel's own L2CAP CoC socket (per spec.md
// §4.4/§7), so fragmentation/reassembly is handled by the kernel and this
// package only needs the read/write/close/security-level shape the
// teacher's *conn already has.
package l2cap

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sgothel/direct-bt-sub002/internal/socket"
)

// SecurityLevel mirrors Linux's BT_SECURITY_* socket option values.
type SecurityLevel uint8

const (
	SecuritySDP   SecurityLevel = 0
	SecurityLow   SecurityLevel = 1
	SecurityMedium SecurityLevel = 2
	SecurityHigh  SecurityLevel = 3
	SecurityFIPS  SecurityLevel = 4
)

const maxConnectRetries = 3

// Channel is one connected L2CAP fixed or dynamic channel. Its zero value
// is not usable; construct with Connect or via a Listener's Accept.
type Channel struct {
	fd int

	PeerAddress [6]byte
	PeerAddrType uint8
	CID         uint16

	isOpen  atomic.Bool
	ioError atomic.Value // stores error
}

// Connect opens an L2CAP socket, binds it to the local adapter address,
// and connects to peer at the given PSM/CID, retrying up to
// maxConnectRetries times on a connect timeout the way a kernel LE
// connection establishment occasionally needs (page scan backoff).
//
// Per spec.md §4.4, SetSecurityLevel must only be called after Connect
// returns successfully — calling it pre-connect is known to deadlock the
// kernel SMP thread on some kernels, so this method deliberately never
// sets it itself; callers set it once the channel is open.
func Connect(localAddr [6]byte, localAddrType uint8, peer [6]byte, peerAddrType uint8, psm, cid uint16) (*Channel, error) {
	var lastErr error
	for attempt := 0; attempt < maxConnectRetries; attempt++ {
		fd, err := socket.OpenL2CAP()
		if err != nil {
			return nil, err
		}
		if err := socket.BindL2CAP(fd, localAddr, localAddrType, 0, 0); err != nil {
			socket.Close(fd)
			return nil, fmt.Errorf("l2cap: bind: %w", err)
		}
		err = socket.ConnectL2CAP(fd, peer, peerAddrType, psm, cid)
		if err == nil {
			ch := &Channel{fd: fd, PeerAddress: peer, PeerAddrType: peerAddrType, CID: cid}
			ch.isOpen.Store(true)
			return ch, nil
		}
		socket.Close(fd)
		lastErr = err
		if !isTimeout(err) {
			return nil, fmt.Errorf("l2cap: connect: %w", err)
		}
	}
	return nil, fmt.Errorf("l2cap: connect timed out after %d attempts: %w", maxConnectRetries, lastErr)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	return false
}

// SetSecurityLevel requests the given BT_SECURITY level on an already
// connected channel.
func (c *Channel) SetSecurityLevel(level SecurityLevel) error {
	return socket.SetSecurityLevel(c.fd, uint8(level))
}

// Read blocks for up to timeout for one PDU (a SOCK_SEQPACKET read returns
// exactly one L2CAP frame) and copies it into b. A timeout of zero blocks
// forever.
func (c *Channel) Read(b []byte, timeout time.Duration) (int, error) {
	if !c.isOpen.Load() {
		return 0, fmt.Errorf("l2cap: channel closed")
	}
	ready, err := socket.Poll(c.fd, pollMillis(timeout))
	if err != nil {
		c.recordIOError(err)
		return 0, err
	}
	if !ready {
		return 0, errTimeout{}
	}
	n, err := socket.Read(c.fd, b)
	if err != nil {
		c.recordIOError(err)
		return 0, err
	}
	if n == 0 {
		err := fmt.Errorf("l2cap: channel closed by peer")
		c.recordIOError(err)
		return 0, err
	}
	return n, nil
}

// Write sends one PDU. SOCK_SEQPACKET preserves message boundaries, so the
// kernel fragments/reassembles against the connection's negotiated L2CAP
// MTU without this package doing it manually.
func (c *Channel) Write(b []byte) (int, error) {
	if !c.isOpen.Load() {
		return 0, fmt.Errorf("l2cap: channel closed")
	}
	n, err := socket.Write(c.fd, b)
	if err != nil {
		c.recordIOError(err)
	}
	return n, err
}

// Close shuts down and closes the socket. A blocked Read unblocks with an
// error because Shutdown on the same fd makes poll/read return, the same
// close-unblocks-reader contract spec.md §6 requires.
func (c *Channel) Close() error {
	if !c.isOpen.CompareAndSwap(true, false) {
		return nil
	}
	socket.Shutdown(c.fd)
	return socket.Close(c.fd)
}

// IsOpen reports whether the channel has not yet been closed.
func (c *Channel) IsOpen() bool { return c.isOpen.Load() }

// IOError returns the last I/O error observed by Read/Write, or nil.
func (c *Channel) IOError() error {
	if v := c.ioError.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Channel) recordIOError(err error) { c.ioError.Store(err) }

func pollMillis(d time.Duration) int {
	if d <= 0 {
		return -1
	}
	return int(d.Milliseconds())
}

type errTimeout struct{}

func (errTimeout) Error() string { return "l2cap: read timeout" }
func (errTimeout) Timeout() bool { return true }
