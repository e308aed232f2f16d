package hci

import "testing"

func TestMarshalMgmtCommandFraming(t *testing.T) {
	raw := MarshalMgmtCommand(MgmtOpSetPowered, 0, MarshalSetPowered(true))
	if len(raw) != 7 {
		t.Fatalf("expected 6-byte header + 1 param byte, got %d", len(raw))
	}
	if raw[len(raw)-1] != 1 {
		t.Fatalf("expected powered=1, got %d", raw[len(raw)-1])
	}
}

func TestParseMgmtNewSettings(t *testing.T) {
	b := []byte{0x03, 0x02, 0x00, 0x00} // SettingPowered | SettingConnectable | SettingLE
	ns, err := ParseMgmtNewSettings(b)
	if err != nil {
		t.Fatal(err)
	}
	if ns.Current&SettingPowered == 0 || ns.Current&SettingConnectable == 0 {
		t.Fatalf("unexpected settings: %v", ns.Current)
	}
}

func TestParseMgmtDeviceFoundRoundTrip(t *testing.T) {
	addr := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	eir := []byte{0x02, 0x01, 0x06}
	b := append([]byte{}, addr[:]...)
	b = append(b, 0x01 /* addr type */, 0xe2 /* rssi -30 */, 0, 0, 0, 0 /* flags */)
	b = append(b, byte(len(eir)), 0)
	b = append(b, eir...)
	got, err := ParseMgmtDeviceFound(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != addr || got.RSSI != -30 || len(got.EIR) != len(eir) {
		t.Fatalf("unexpected: %+v", got)
	}
}

func TestMgmtOpcodesAreDistinctPerNamespace(t *testing.T) {
	if MgmtOpPairDevice == MgmtOpUnpairDevice {
		t.Fatal("Pair/Unpair opcodes must differ")
	}
	if MgmtOpLoadLongTermKeys == MgmtOpLoadIRKs {
		t.Fatal("LoadLongTermKeys/LoadIRKs opcodes must differ")
	}
}
