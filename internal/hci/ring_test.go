package hci

import (
	"testing"
	"time"
)

func TestReplyRingDropsOldestQuarterOnOverflow(t *testing.T) {
	drops := 0
	dropped := 0
	r := newReplyRing(8, func(n int) { drops++; dropped = n })

	for i := 0; i < 8; i++ {
		r.Push(mgmtReply{opcode: MgmtOpcode(i)})
	}
	// ninth push overflows: oldest quarter (2 entries) goes, one warning
	r.Push(mgmtReply{opcode: 100})
	if drops != 1 {
		t.Fatalf("expected exactly one drop warning, got %d", drops)
	}
	if dropped != 2 {
		t.Fatalf("expected 8/4=2 dropped entries, got %d", dropped)
	}

	// oldest surviving entry is opcode 2
	rep, ok := r.Pop(longTimer(t), nil)
	if !ok || rep.opcode != 2 {
		t.Fatalf("expected opcode 2 after drop, got %v ok=%v", rep.opcode, ok)
	}
}

func TestReplyRingPushNeverBlocks(t *testing.T) {
	r := newReplyRing(4, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Push(mgmtReply{opcode: MgmtOpcode(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
}

func TestReplyRingPopTimesOut(t *testing.T) {
	r := newReplyRing(4, nil)
	expired := make(chan time.Time, 1)
	expired <- time.Now()
	if _, ok := r.Pop(expired, nil); ok {
		t.Fatal("expected Pop to report timeout on an empty ring")
	}
}

func TestReplyRingPopUnblocksOnClose(t *testing.T) {
	r := newReplyRing(4, nil)
	closed := make(chan struct{})
	close(closed)
	if _, ok := r.Pop(longTimer(t), closed); ok {
		t.Fatal("expected Pop to report closure")
	}
}

func TestReplyRingFIFO(t *testing.T) {
	r := newReplyRing(8, nil)
	r.Push(mgmtReply{opcode: 1})
	r.Push(mgmtReply{opcode: 2})
	first, _ := r.Pop(longTimer(t), nil)
	second, _ := r.Pop(longTimer(t), nil)
	if first.opcode != 1 || second.opcode != 2 {
		t.Fatalf("expected FIFO order 1,2; got %d,%d", first.opcode, second.opcode)
	}
}

func longTimer(t *testing.T) <-chan time.Time {
	t.Helper()
	timer := time.NewTimer(5 * time.Second)
	t.Cleanup(func() { timer.Stop() })
	return timer.C
}
