package codec

import "testing"

func TestShort16RoundTrip(t *testing.T) {
	u := Short16(0x1800)
	if !u.Is16() || u.As16() != 0x1800 {
		t.Fatalf("Short16: %v", u)
	}
	if got, want := u.String(), "1800"; got != want {
		t.Fatalf("String: got %q want %q", got, want)
	}
}

func TestLongUUIDTextRoundTrip(t *testing.T) {
	const text = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	u, err := ParseUUID(text)
	if err != nil {
		t.Fatal(err)
	}
	if got := u.String(); got != text {
		t.Fatalf("round trip: got %q want %q", got, text)
	}
}

func TestShortAndLongFormsEqual(t *testing.T) {
	short := Short16(0x2800)
	long, err := ParseUUID("00002800-0000-1000-8000-00805f9b34fb")
	if err != nil {
		t.Fatal(err)
	}
	if !short.Equal(long) {
		t.Fatalf("expected %v to equal %v", short, long)
	}
}

func TestFromWireRejectsBadLength(t *testing.T) {
	if _, err := FromWire([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for 3-byte UUID")
	}
}
