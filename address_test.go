package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEUI48ParseStringRoundTrip(t *testing.T) {
	for _, s := range []string{
		"C0:10:22:A0:10:00",
		"01:02:03:04:05:06",
		"AA:BB:CC:DD:EE:FF",
		"00:00:00:00:00:00",
	} {
		a, err := ParseEUI48(s)
		require.NoError(t, err)
		assert.Equal(t, s, a.String())
	}
}

func TestEUI48ParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "0600106", "C0:10", "C0:10:22:A0:10:ZZ", "C0-10-22-A0-10-00"} {
		_, err := ParseEUI48(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestEUI48SubParseCanonicalForm(t *testing.T) {
	// a leading/trailing colon is cut off, a bare colon stays
	cases := map[string]string{
		"C0":       "C0",
		"C0:10":    "C0:10",
		":10:22":   "10:22",
		"10:22:":   "10:22",
		":10:22:":  "10:22",
		":":        ":",
		"":         ":",
	}
	for in, want := range cases {
		sub, err := ParseEUI48Sub(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, sub.String(), "input %q", in)
	}
	_, err := ParseEUI48Sub("0600106")
	assert.Error(t, err)
}

func TestEUI48IndexOfAndContains(t *testing.T) {
	// index                [high=5 ...   low=0]
	const macStr = "C0:10:22:A0:10:00"
	mac, err := ParseEUI48(macStr)
	require.NoError(t, err)

	cases := []struct {
		sub string
		idx int
	}{
		{"C0", 5},
		{"C0:10", 4},
		{":10:22", 3},
		{"10:22", 3},
		{":10:22:", 3},
		{"10:22:", 3},
		{"10", 1},
		{"10:00", 0},
		{"00", 0},
		{":", 0},
		{"", 0},
		{"00:10", -1},
		{macStr, 0},
	}
	for _, c := range cases {
		sub, err := ParseEUI48Sub(c.sub)
		require.NoError(t, err, "sub %q", c.sub)
		assert.Equal(t, c.idx, mac.IndexOf(sub), "sub %q", c.sub)
		assert.Equal(t, c.idx >= 0, mac.Contains(sub), "sub %q", c.sub)
	}
}

func TestEUI48IndexOfSecondPattern(t *testing.T) {
	mac, err := ParseEUI48("01:02:03:04:05:06")
	require.NoError(t, err)
	cases := []struct {
		sub string
		idx int
	}{
		{"01", 5},
		{"01:02", 4},
		{":03:04", 2},
		{"03:04", 2},
		{":04:05:", 1},
		{"04:05:", 1},
		{"04", 2},
		{"05:06", 0},
		{"06", 0},
		{"06:05", -1},
	}
	for _, c := range cases {
		sub, err := ParseEUI48Sub(c.sub)
		require.NoError(t, err)
		assert.Equal(t, c.idx, mac.IndexOf(sub), "sub %q", c.sub)
	}
}

func TestRandomAddressKind(t *testing.T) {
	mk := func(top byte) Address {
		var a Address
		a.Type = AddrLERandom
		a.EUI48[5] = top
		return a
	}
	assert.Equal(t, RandomStatic, mk(0xC0).RandomKind())
	assert.Equal(t, RandomResolvable, mk(0x40).RandomKind())
	assert.Equal(t, RandomNonResolvable, mk(0x00).RandomKind())
	assert.Equal(t, RandomUnresolved, mk(0x80).RandomKind())

	pub := Address{Type: AddrLEPublic}
	pub.EUI48[5] = 0xC0
	assert.Equal(t, RandomUnresolved, pub.RandomKind())
	assert.False(t, pub.IsResolvablePrivate())
	assert.True(t, mk(0x40).IsResolvablePrivate())
}

func TestAddressEqualityKey(t *testing.T) {
	a1, _ := ParseEUI48("AA:BB:CC:DD:EE:01")
	m := map[Address]int{}
	m[Address{EUI48: a1, Type: AddrLEPublic}] = 1
	m[Address{EUI48: a1, Type: AddrLERandom}] = 2
	assert.Len(t, m, 2, "same EUI48 with different type must be distinct keys")
}
