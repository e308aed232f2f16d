package hci

import "testing"

func TestMarshalCommandFraming(t *testing.T) {
	raw := MarshalCommand(Reset{})
	if raw[0] != uint8(PacketCommand) {
		t.Fatalf("packet type: got 0x%02x", raw[0])
	}
	op := Opcode(uint16(raw[1]) | uint16(raw[2])<<8)
	if op != OpReset {
		t.Fatalf("opcode: got %s want %s", op, OpReset)
	}
	if raw[3] != 0 {
		t.Fatalf("plen: got %d want 0", raw[3])
	}
}

func TestParseFrameClassifiesLEMeta(t *testing.T) {
	// event code 0x3e (LE Meta), plen=2, subevent 0x01, one status byte.
	raw := []byte{0x3e, 0x02, 0x01, 0x00}
	ev, err := ParseFrame(raw)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Code != EventLEMeta || !ev.HasSub || ev.Sub != LESubeventConnectionComplete {
		t.Fatalf("unexpected classification: %+v", ev)
	}
	if len(ev.Params) != 1 {
		t.Fatalf("expected 1 remaining param byte, got %d", len(ev.Params))
	}
}

func TestParseFrameRejectsTruncatedPlen(t *testing.T) {
	raw := []byte{0x0e, 0x05, 0x01}
	if _, err := ParseFrame(raw); err == nil {
		t.Fatal("expected error for plen exceeding available bytes")
	}
}

func TestCommandCompleteRoundTrip(t *testing.T) {
	w := []byte{0x01, byte(OpReset), byte(OpReset >> 8), 0x00}
	cc, err := ParseCommandComplete(w)
	if err != nil {
		t.Fatal(err)
	}
	if cc.CommandOpcode != OpReset || cc.NumHCICmdPkts != 1 {
		t.Fatalf("unexpected: %+v", cc)
	}
}

func TestIsCommandReply(t *testing.T) {
	params := []byte{0x01, byte(OpReset), byte(OpReset >> 8), 0x00}
	ev := Event{Code: EventCommandComplete, Params: params}
	op, ok := ev.IsCommandReply()
	if !ok || op != OpReset {
		t.Fatalf("IsCommandReply: got (%s, %v)", op, ok)
	}
}

func TestReadBDAddrReturnParses(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	b := append([]byte{0x00}, addr[:]...)
	out, err := ParseReadBDAddrReturn(b)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuccess || out.Address != addr {
		t.Fatalf("unexpected: %+v", out)
	}
}
