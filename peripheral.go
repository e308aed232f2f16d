package bt

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/l2cap"
)

// GATTServer is the minimal peripheral role: it serves a local service
// database to connecting centrals, enough for GATT-server round-tripping.
// Advertising is driven separately via the adapter.
type GATTServer struct {
	log *logrus.Entry

	name     string
	services []*Service
	handles  *handleRange

	mu       sync.Mutex
	listener *l2cap.Listener
	centrals []*central

	// CentralConnected/CentralDisconnected are optional callbacks.
	CentralConnected    func(Central)
	CentralDisconnected func(Central)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewGATTServer lays the given services (plus the default GAP/GATT
// services carrying name) out into a handle table.
func NewGATTServer(name string, services ...*Service) *GATTServer {
	return &GATTServer{
		log:      logrus.WithField("component", "gatt-server"),
		name:     name,
		services: services,
		handles:  generateHandles(name, services, 1),
		stop:     make(chan struct{}),
	}
}

// Serve accepts centrals on the adapter's ATT fixed channel until Stop.
// It blocks; run it on its own goroutine.
func (s *GATTServer) Serve(a *Adapter) error {
	l, err := l2cap.Listen(a.Info.Address, a.ownAddrType(), 0, 1)
	if err != nil {
		return fmt.Errorf("bt: GATT server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	for {
		select {
		case <-s.stop:
			return nil
		default:
		}
		ch, err := l.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			if isTimeoutErr(err) {
				continue
			}
			return err
		}
		addr := Address{Type: AddressType(ch.PeerAddrType)}
		copy(addr.EUI48[:], ch.PeerAddress[:])
		c := newCentral(s, ch, addr)
		s.mu.Lock()
		s.centrals = append(s.centrals, c)
		s.mu.Unlock()
		s.log.Infof("central %s connected", addr)
		if s.CentralConnected != nil {
			s.CentralConnected(c)
		}
		go func() {
			c.loop()
			s.mu.Lock()
			for i, have := range s.centrals {
				if have == c {
					s.centrals = append(s.centrals[:i], s.centrals[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			s.log.Infof("central %s disconnected", addr)
			if s.CentralDisconnected != nil {
				s.CentralDisconnected(c)
			}
		}()
	}
}

// Stop closes the listener and every connected central.
func (s *GATTServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		l := s.listener
		centrals := append([]*central(nil), s.centrals...)
		s.mu.Unlock()
		if l != nil {
			l.Close()
		}
		for _, c := range centrals {
			c.Close()
		}
	})
}
