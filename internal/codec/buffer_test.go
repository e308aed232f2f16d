package codec

import "testing"

func TestPutGetRoundTrip(t *testing.T) {
	w := NewWriter(LittleEndian)
	w.PutU8(0x01).PutU16(0x0203).PutU24(0x040506).PutU32(0x0708090a).PutU64(0x0102030405060708)
	r := NewReader(w.Bytes(), LittleEndian)

	if v, err := r.GetU8(); err != nil || v != 0x01 {
		t.Fatalf("GetU8: %v %v", v, err)
	}
	if v, err := r.GetU16(); err != nil || v != 0x0203 {
		t.Fatalf("GetU16: %v %v", v, err)
	}
	if v, err := r.GetU24(); err != nil || v != 0x040506 {
		t.Fatalf("GetU24: %v %v", v, err)
	}
	if v, err := r.GetU32(); err != nil || v != 0x0708090a {
		t.Fatalf("GetU32: %v %v", v, err)
	}
	if v, err := r.GetU64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("GetU64: %v %v", v, err)
	}
}

func TestShortBufferIsReportedNotPanicked(t *testing.T) {
	r := NewReader([]byte{0x01}, LittleEndian)
	if _, err := r.GetU16(); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

func TestGetBytesAdvancesCursor(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4}, LittleEndian)
	b, err := r.GetBytes(2)
	if err != nil || len(b) != 2 {
		t.Fatalf("GetBytes: %v %v", b, err)
	}
	if rest := r.GetRest(); len(rest) != 2 || rest[0] != 3 {
		t.Fatalf("GetRest: %v", rest)
	}
}

func TestWriteToReadOnlyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing to a read-only buffer")
		}
	}()
	r := NewReader([]byte{1}, LittleEndian)
	r.PutU8(2)
}
