package smp

import (
	"os"
	"testing"
	"time"
)

func sampleBin() *KeyBin {
	return &KeyBin{
		LocalAddr:      [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		LocalAddrType:  1,
		RemoteAddr:     [6]byte{0x02, 0xee, 0xdd, 0xcc, 0xbb, 0xaa},
		RemoteAddrType: 2,
		IsInitiator:    true,
		Mode:           4,
		SecLevel:       3,
		InitLTK: &LTK{
			Properties: LTKSecureConn | LTKAuthenticated,
			EncSize:    16,
			Key:        [16]byte{0xde, 0xad, 0xbe, 0xef},
		},
		RespLTK: &LTK{
			Properties: LTKResponder | LTKSecureConn,
			EncSize:    16,
			EDiv:       0x1234,
			Rand:       0xfeedfacecafebeef,
			Key:        [16]byte{0x11, 0x22},
		},
		RespIRK: &IRK{
			Key:              [16]byte{0x42},
			IdentityAddr:     [6]byte{0x02, 0xee, 0xdd, 0xcc, 0xbb, 0xaa},
			IdentityAddrType: 1,
		},
		RespCSRK: &CSRK{Properties: 1, Key: [16]byte{0x99}},
		Created:  time.Unix(1700000000, 0),
	}
}

func TestKeyBinRoundTrip(t *testing.T) {
	in := sampleBin()
	out, err := UnmarshalKeyBin(in.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	if out.LocalAddr != in.LocalAddr || out.RemoteAddr != in.RemoteAddr {
		t.Fatal("addresses did not round-trip")
	}
	if !out.IsInitiator || out.Mode != in.Mode || out.SecLevel != in.SecLevel {
		t.Fatal("role/mode/level did not round-trip")
	}
	if out.InitLTK == nil || out.InitLTK.Key != in.InitLTK.Key {
		t.Fatal("init LTK did not round-trip")
	}
	if out.RespLTK == nil || out.RespLTK.EDiv != 0x1234 || out.RespLTK.Rand != 0xfeedfacecafebeef {
		t.Fatal("resp LTK did not round-trip")
	}
	if out.RespIRK == nil || out.RespIRK.IdentityAddrType != 1 {
		t.Fatal("resp IRK did not round-trip")
	}
	if out.RespCSRK == nil || out.RespCSRK.Key != in.RespCSRK.Key {
		t.Fatal("resp CSRK did not round-trip")
	}
	if out.InitIRK != nil || out.InitCSRK != nil || out.BRLink != nil {
		t.Fatal("absent keys must stay absent")
	}
	if !out.Created.Equal(in.Created) {
		t.Fatal("timestamp did not round-trip")
	}
}

func TestUnmarshalKeyBinRejectsBadVersion(t *testing.T) {
	b := sampleBin().Marshal()
	b[0] = 0xff
	if _, err := UnmarshalKeyBin(b); err == nil {
		t.Fatal("expected version mismatch error")
	}
}

func TestUnmarshalKeyBinRejectsTruncated(t *testing.T) {
	b := sampleBin().Marshal()
	if _, err := UnmarshalKeyBin(b[:10]); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestStoreWriteReadRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	in := sampleBin()
	const addrStr = "AA:BB:CC:DD:EE:02"
	if err := s.Write(in, addrStr); err != nil {
		t.Fatal(err)
	}
	out, err := s.Read(addrStr, in.RemoteAddrType)
	if err != nil {
		t.Fatal(err)
	}
	if out.RemoteAddr != in.RemoteAddr {
		t.Fatal("stored bin did not round-trip")
	}

	all, err := s.LoadAll(in.LocalAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 bin for matching local adapter, got %d", len(all))
	}
	none, err := s.LoadAll([6]byte{0xff})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatal("bins for a different local adapter must be filtered out")
	}

	if err := s.Remove(addrStr, in.RemoteAddrType); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(addrStr, in.RemoteAddrType); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist after remove, got %v", err)
	}
	// removing twice is fine
	if err := s.Remove(addrStr, in.RemoteAddrType); err != nil {
		t.Fatal(err)
	}
}

func TestStoreSkipsMalformedBins(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	in := sampleBin()
	if err := s.Write(in, "AA:BB:CC:DD:EE:02"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir+"/bd_garbage_1.key", []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatal(err)
	}
	all, err := s.LoadAll(in.LocalAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("malformed bin must be skipped, got %d bins", len(all))
	}
}

func TestFilenameDeterministic(t *testing.T) {
	a := Filename("C0:10:22:A0:10:00", 1)
	b := Filename("C0:10:22:A0:10:00", 1)
	if a != b || a != "bd_C0_10_22_A0_10_00_1.key" {
		t.Fatalf("unexpected filename %q", a)
	}
}
