package l2cap

import "github.com/sgothel/direct-bt-sub002/internal/socket"

// Listener accepts incoming L2CAP connections on a fixed PSM, the minimal
// peripheral/GATT-server role's transport.
type Listener struct {
	fd int
}

// Listen binds and listens on the given local address/PSM; psm 0 selects
// the ATT fixed channel (CID 0x0004).
func Listen(localAddr [6]byte, localAddrType uint8, psm uint16, backlog int) (*Listener, error) {
	fd, err := socket.OpenL2CAP()
	if err != nil {
		return nil, err
	}
	var cid uint16
	if psm == 0 {
		cid = 0x0004
	}
	if err := socket.BindL2CAP(fd, localAddr, localAddrType, psm, cid); err != nil {
		socket.Close(fd)
		return nil, err
	}
	if err := socket.Listen(fd, backlog); err != nil {
		socket.Close(fd)
		return nil, err
	}
	return &Listener{fd: fd}, nil
}

// Accept blocks until a peer connects and returns the accepted Channel.
func (l *Listener) Accept() (*Channel, error) {
	connFD, peer, peerType, err := socket.AcceptL2CAP(l.fd)
	if err != nil {
		return nil, err
	}
	ch := &Channel{fd: connFD, PeerAddress: peer, PeerAddrType: peerType}
	ch.isOpen.Store(true)
	return ch, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return socket.Close(l.fd) }
