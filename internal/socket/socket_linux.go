// Package socket provides the three OS primitives SPEC_FULL.md's external
// interfaces section requires: a raw per-controller-index HCI socket, a
// connection-oriented L2CAP socket (bind/connect/listen/accept), and a
// setsockopt for the BT security level. The Bluetooth address family has no
// Go standard-library support and golang.org/x/sys/unix exposes only the
// protocol/channel constants (see bluetooth_linux.go in that package) and
// not the sockaddr layouts, so this package builds the sockaddr_hci and
// sockaddr_l2 wire structures itself and drives bind/connect/listen/accept
// through unix.Syscall, the same shape golang.org/x/sys/unix uses
// internally for address families it does support natively.
package socket

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const afBluetooth = 31 // AF_BLUETOOTH, absent from golang.org/x/sys/unix

// sockaddrHCI mirrors Linux's struct sockaddr_hci.
type sockaddrHCI struct {
	family  uint16
	dev     uint16
	channel uint16
}

// sockaddrL2 mirrors Linux's struct sockaddr_l2 (bluetooth/l2cap.h).
type sockaddrL2 struct {
	family     uint16
	psm        uint16
	bdaddr     [6]byte
	cid        uint16
	bdaddrType uint8
	_          [1]byte // struct padding
}

// OpenHCI opens a raw HCI control socket bound to controller index dev,
// preferring the exclusive HCI_CHANNEL_USER channel (available since Linux
// 3.14) and falling back to HCI_CHANNEL_RAW on older kernels.
func OpenHCI(dev int) (int, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW, unix.BTPROTO_HCI)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_BLUETOOTH, HCI): %w", err)
	}
	sa := sockaddrHCI{family: afBluetooth, dev: uint16(dev), channel: unix.HCI_CHANNEL_USER}
	if err := bindRaw(fd, unsafe.Pointer(&sa), unsafe.Sizeof(sa)); err != nil {
		sa.channel = unix.HCI_CHANNEL_RAW
		if err2 := bindRaw(fd, unsafe.Pointer(&sa), unsafe.Sizeof(sa)); err2 != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind(hci%d): %w", dev, err)
		}
	}
	return fd, nil
}

// unixSocket opens a raw, unbound AF_BLUETOOTH/BTPROTO_HCI socket, used by
// the ioctl helpers in ioctl_linux.go that address a device by index rather
// than by a bound channel.
func unixSocket() (int, error) {
	return unix.Socket(afBluetooth, unix.SOCK_RAW, unix.BTPROTO_HCI)
}

// mgmtIndexNone addresses the MGMT control channel itself rather than one
// controller; commands like Read Index List are sent against it.
const mgmtIndexNone = 0xFFFF

// OpenMgmt opens the Linux MGMT control channel, the HCI transport's
// management sibling. One MGMT socket serves every controller index;
// per-command addressing happens in the MGMT frame header.
func OpenMgmt() (int, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_BLUETOOTH, MGMT): %w", err)
	}
	sa := sockaddrHCI{family: afBluetooth, dev: mgmtIndexNone, channel: unix.HCI_CHANNEL_CONTROL}
	if err := bindRaw(fd, unsafe.Pointer(&sa), unsafe.Sizeof(sa)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind(mgmt): %w", err)
	}
	return fd, nil
}

// OpenL2CAP opens an unbound, unconnected connection-oriented L2CAP socket.
func OpenL2CAP() (int, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_BLUETOOTH, L2CAP): %w", err)
	}
	return fd, nil
}

// BindL2CAP binds an L2CAP socket to the local adapter address/type at the
// given PSM/CID. ATT connections use cid=0x0004 and psm=0 (fixed channel).
func BindL2CAP(fd int, addr [6]byte, addrType uint8, psm, cid uint16) error {
	sa := sockaddrL2{family: afBluetooth, psm: psm, bdaddr: addr, cid: cid, bdaddrType: addrType}
	if err := bindRaw(fd, unsafe.Pointer(&sa), unsafe.Sizeof(sa)); err != nil {
		return fmt.Errorf("bind(l2cap): %w", err)
	}
	return nil
}

// ConnectL2CAP connects a bound L2CAP socket to a remote address/type.
func ConnectL2CAP(fd int, addr [6]byte, addrType uint8, psm, cid uint16) error {
	sa := sockaddrL2{family: afBluetooth, psm: psm, bdaddr: addr, cid: cid, bdaddrType: addrType}
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa))
	if errno != 0 {
		return errno
	}
	return nil
}

// Listen marks a bound L2CAP socket as accepting incoming connections.
func Listen(fd int, backlog int) error {
	_, _, errno := unix.Syscall(unix.SYS_LISTEN, uintptr(fd), uintptr(backlog), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// AcceptL2CAP blocks until a peer connects, returning the accepted
// connection's fd and the peer's address/type.
func AcceptL2CAP(fd int) (connFD int, peer [6]byte, peerType uint8, err error) {
	var sa sockaddrL2
	size := unsafe.Sizeof(sa)
	nfd, _, errno := unix.Syscall(unix.SYS_ACCEPT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return -1, peer, 0, errno
	}
	return int(nfd), sa.bdaddr, sa.bdaddrType, nil
}

// btSecurity mirrors Linux's struct bt_security (bluetooth/bluetooth.h).
type btSecurity struct {
	level   uint8
	keySize uint8
}

// SetSecurityLevel sets BT_SECURITY on an L2CAP socket. Per spec.md §4.4,
// callers must only invoke this after Connect succeeds; setting it before
// connect is known to deadlock the kernel SMP thread on some kernels.
func SetSecurityLevel(fd int, level uint8) error {
	sec := btSecurity{level: level, keySize: 0}
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(unix.SOL_BLUETOOTH), uintptr(4 /* BT_SECURITY */), uintptr(unsafe.Pointer(&sec)), unsafe.Sizeof(sec), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func bindRaw(fd int, ptr unsafe.Pointer, size uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(ptr), size)
	if errno != 0 {
		return errno
	}
	return nil
}

// Read reads from the socket fd.
func Read(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

// Write writes to the socket fd.
func Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

// Close closes the socket fd.
func Close(fd int) error { return unix.Close(fd) }

// SetReadTimeout sets SO_RCVTIMEO on fd. The L2CAP read loop does not call
// it; it bounds its wait with Poll.
func SetReadTimeout(fd int, microseconds int64) error {
	tv := unix.Timeval{Sec: microseconds / 1e6, Usec: microseconds % 1e6}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// Poll polls fd for readability up to timeoutMillis (<0 blocks forever).
// It returns (true, nil) on readability, (false, nil) on timeout.
func Poll(fd int, timeoutMillis int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMillis)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return fds[0].Revents&unix.POLLIN != 0, nil
}

// Shutdown shuts down both directions of a socket, the portable way to
// unblock a peer thread blocked in read()/poll() on the same fd.
func Shutdown(fd int) error { return unix.Shutdown(fd, unix.SHUT_RDWR) }
