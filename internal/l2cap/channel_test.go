package l2cap

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestChannelPair(t *testing.T) (*Channel, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	ch := &Channel{fd: fds[0]}
	ch.isOpen.Store(true)
	return ch, fds[1]
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ch, peerFD := newTestChannelPair(t)
	defer ch.Close()
	defer unix.Close(peerFD)

	msg := []byte{0x0a, 0x10, 0x00}
	if _, err := unix.Write(peerFD, msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 32)
	n, err := ch.Read(buf, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) {
		t.Fatalf("got %d bytes, want %d", n, len(msg))
	}
}

func TestReadTimesOutWithoutData(t *testing.T) {
	ch, peerFD := newTestChannelPair(t)
	defer ch.Close()
	defer unix.Close(peerFD)

	buf := make([]byte, 32)
	_, err := ch.Read(buf, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	te, ok := err.(interface{ Timeout() bool })
	if !ok || !te.Timeout() {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	ch, peerFD := newTestChannelPair(t)
	defer unix.Close(peerFD)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 32)
		_, err := ch.Read(buf, 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Read to return an error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch, peerFD := newTestChannelPair(t)
	defer unix.Close(peerFD)

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if ch.IsOpen() {
		t.Fatal("expected channel to report closed")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	ch, peerFD := newTestChannelPair(t)
	defer unix.Close(peerFD)
	ch.Close()
	if _, err := ch.Write([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected write after close to fail")
	}
}
