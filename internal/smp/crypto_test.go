package smp

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func to16(t *testing.T, s string) [16]byte {
	t.Helper()
	var v [16]byte
	copy(v[:], mustHex(t, s))
	return v
}

func to32(t *testing.T, s string) [32]byte {
	t.Helper()
	var v [32]byte
	copy(v[:], mustHex(t, s))
	return v
}

// RFC 4493 test vectors.
func TestCMACVectors(t *testing.T) {
	key := to16(t, "2b7e151628aed2a6abf7158809cf4f3c")

	cases := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411", "dfa66747de9ae63030ca32611497c827"},
	}
	for _, c := range cases {
		got, err := CMAC(key, mustHex(t, c.msg))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got[:], mustHex(t, c.want)) {
			t.Errorf("CMAC(%q) = %x, want %s", c.msg, got, c.want)
		}
	}
}

// Core Spec Vol 3 Part H Appendix D.2 sample data.
func TestF4Vector(t *testing.T) {
	u := to32(t, "20b003d2f297be2c5e2c83a7e9f9a5b9eff49111acf4fddbcc0301480e359de6")
	v := to32(t, "55188b3d32f6bb9a900afcfbeed4e72a59cb9ac2f19d7cfb6b4fdd49f47fc5fd")
	x := to16(t, "d5cb8454d177733effffb2ec712baeab")

	got, err := F4(u, v, x, 0x00)
	if err != nil {
		t.Fatal(err)
	}
	want := mustHex(t, "f2c916f107a9bd1cf1eda1bea974872d")
	if !bytes.Equal(got[:], want) {
		t.Errorf("f4 = %x, want %x", got, want)
	}
}

func TestECDHSharedSecretAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := a.SharedSecret(b.X, b.Y)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := b.SharedSecret(a.X, a.Y)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("ECDH shared secrets disagree")
	}
}

func TestC1S1Shapes(t *testing.T) {
	k := to16(t, "00000000000000000000000000000000")
	r := to16(t, "5783d52156ad6f0e6388274ec6702ee0")
	preq := [7]byte{0x01, 0x01, 0x00, 0x00, 0x10, 0x07, 0x07}
	pres := [7]byte{0x02, 0x03, 0x00, 0x00, 0x08, 0x00, 0x05}
	ia := [6]byte{0xa6, 0xa5, 0xa4, 0xa3, 0xa2, 0xa1}
	ra := [6]byte{0xb6, 0xb5, 0xb4, 0xb3, 0xb2, 0xb1}

	c, err := C1(k, r, preq, pres, 0x01, 0x00, ia, ra)
	if err != nil {
		t.Fatal(err)
	}
	var zero [16]byte
	if c == zero {
		t.Fatal("c1 returned all-zero confirm")
	}

	s, err := S1(k, r, c)
	if err != nil {
		t.Fatal(err)
	}
	if s == zero {
		t.Fatal("s1 returned all-zero STK")
	}
}

func TestSwap128RoundTrip(t *testing.T) {
	v := to16(t, "000102030405060708090a0b0c0d0e0f")
	if Swap128(Swap128(v)) != v {
		t.Fatal("Swap128 not an involution")
	}
}
