package hci

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// newTestTransport wires a Transport to one end of a socket pair, letting
// the test act as the "controller" on the other end without touching a real
// HCI device.
func newTestTransport(t *testing.T) (*Transport, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	tr := &Transport{
		Index:     0,
		log:       logrus.NewEntry(logrus.New()),
		hciFD:     fds[0],
		mgmtFD:    -1,
		pending:   make(map[Opcode]*pendingCmd),
		listeners: make(map[EventCode][]EventListener),
		closed:    make(chan struct{}),
	}
	go tr.readLoop()
	return tr, fds[1]
}

func TestSendReceivesCommandComplete(t *testing.T) {
	tr, controllerFD := newTestTransport(t)
	defer tr.Close()

	go func() {
		buf := make([]byte, 64)
		n, err := unix.Read(controllerFD, buf)
		if err != nil || n == 0 {
			return
		}
		op := Opcode(uint16(buf[1]) | uint16(buf[2])<<8)
		reply := []byte{uint8(PacketEvent), uint8(EventCommandComplete), 0x04, 0x01, byte(op), byte(op >> 8), 0x00}
		unix.Write(controllerFD, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	params, err := tr.Send(ctx, Reset{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(params) != 1 || params[0] != uint8(StatusSuccess) {
		t.Fatalf("unexpected return params: %v", params)
	}
}

func TestSendTimesOutWithoutReply(t *testing.T) {
	tr, _ := newTestTransport(t)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, Reset{}); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEventListenerFanOut(t *testing.T) {
	tr, controllerFD := newTestTransport(t)
	defer tr.Close()

	got := make(chan Event, 1)
	tr.OnEvent(EventDisconnectionComplete, func(ev Event) { got <- ev })

	raw := []byte{uint8(PacketEvent), uint8(EventDisconnectionComplete), 0x04, 0x00, 0x01, 0x00, 0x13}
	if _, err := unix.Write(controllerFD, raw); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		dc, err := ParseDisconnectionComplete(ev.Params)
		if err != nil {
			t.Fatal(err)
		}
		if dc.ConnectionHandle != 1 || dc.Reason != Status(0x13) {
			t.Fatalf("unexpected: %+v", dc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener was not invoked")
	}
}
