package att

import (
	"bytes"
	"testing"
)

func TestParseFrameSplitsOpcode(t *testing.T) {
	f, err := ParseFrame([]byte{uint8(OpReadResp), 1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if f.Op != OpReadResp || !bytes.Equal(f.Params, []byte{1, 2, 3}) {
		t.Fatalf("unexpected: %+v", f)
	}
}

func TestMTURoundTrip(t *testing.T) {
	req := MarshalMTUReq(247)
	if Opcode(req[0]) != OpMTUReq {
		t.Fatalf("opcode: got 0x%02x", req[0])
	}
	resp, err := ParseMTUResp([]byte{0xf7, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ServerMTU != 247 {
		t.Fatalf("ServerMTU: got %d", resp.ServerMTU)
	}
}

func TestReadByGroupTypeRespParsesMultipleServices(t *testing.T) {
	// length=6 (2 handle + 2 end + 2-byte UUID value), two entries.
	b := []byte{
		0x06,
		0x01, 0x00, 0x05, 0x00, 0x00, 0x18,
		0x06, 0x00, 0x0a, 0x00, 0x01, 0x18,
	}
	got, err := ParseReadByGroupTypeResp(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Handle != 1 || got[1].EndGroup != 0x0a {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestReadByTypeRespRejectsShortLength(t *testing.T) {
	if _, err := ParseReadByTypeResp([]byte{0x01, 0x01, 0x00}); err == nil {
		t.Fatal("expected error for length < 2")
	}
}

func TestFindInfoRespDecodesLongForm(t *testing.T) {
	b := append([]byte{0x02, 0x10, 0x00}, make([]byte, 16)...)
	got, err := ParseFindInfoResp(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Handle != 0x10 || len(got[0].UUID) != 16 {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestErrorResponseParses(t *testing.T) {
	b := []byte{uint8(OpReadReq), 0x10, 0x00, uint8(ErrAttrNotFound)}
	er, err := ParseErrorResponse(b)
	if err != nil {
		t.Fatal(err)
	}
	if er.ErrorCode != ErrAttrNotFound || er.AttributeHandle != 0x10 {
		t.Fatalf("unexpected: %+v", er)
	}
}

func TestHandleValueNotificationParses(t *testing.T) {
	hv, err := ParseHandleValue([]byte{0x20, 0x00, 'h', 'i'})
	if err != nil {
		t.Fatal(err)
	}
	if hv.Handle != 0x20 || string(hv.Value) != "hi" {
		t.Fatalf("unexpected: %+v", hv)
	}
}
