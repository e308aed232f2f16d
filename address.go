package bt

import (
	"fmt"
	"strings"
)

// EUI48 is a 48-bit Bluetooth device address, stored little-endian the way
// it travels on the wire: b[0] is the least significant octet, so the
// textual form "C0:10:22:A0:10:00" has b[5] = 0xC0.
type EUI48 [6]byte

// ParseEUI48 parses the canonical colon-separated textual form.
func ParseEUI48(s string) (EUI48, error) {
	var a EUI48
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return a, fmt.Errorf("bt: invalid EUI48 %q: need 6 octets, got %d", s, len(parts))
	}
	for i, p := range parts {
		v, err := parseHexOctet(p)
		if err != nil {
			return a, fmt.Errorf("bt: invalid EUI48 %q: %w", s, err)
		}
		a[5-i] = v
	}
	return a, nil
}

func parseHexOctet(p string) (uint8, error) {
	if len(p) != 2 {
		return 0, fmt.Errorf("octet %q is not two hex digits", p)
	}
	var v uint8
	for i := 0; i < 2; i++ {
		d, ok := hexDigit(p[i])
		if !ok {
			return 0, fmt.Errorf("octet %q is not two hex digits", p)
		}
		v = v<<4 | d
	}
	return v, nil
}

func hexDigit(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// String renders the canonical uppercase colon-separated form,
// most-significant octet first.
func (a EUI48) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// IsZero reports whether the address is all-zero.
func (a EUI48) IsZero() bool { return a == EUI48{} }

// IndexOf returns the lowest byte index at which sub's octet sequence
// occurs within a, or -1. An empty sub matches at index 0. Indices count
// from the least significant octet, matching the storage order, so for
// "C0:10:22:A0:10:00" the sub "C0" is found at index 5 and "10:22" at
// index 3.
func (a EUI48) IndexOf(sub EUI48Sub) int {
	n := len(sub.b)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(a); i++ {
		match := true
		for j := 0; j < n; j++ {
			if a[i+j] != sub.b[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Contains reports whether sub occurs within a.
func (a EUI48) Contains(sub EUI48Sub) bool { return a.IndexOf(sub) >= 0 }

// EUI48Sub is a contiguous sub-sequence of an EUI48, 0 to 6 octets,
// stored in the same little-endian order.
type EUI48Sub struct {
	b []byte
}

// ParseEUI48Sub parses a partial address string such as "C0:10" or
// ":10:22:". A single leading or trailing colon is tolerated; the empty
// string and ":" denote the empty sub, which every address contains.
func ParseEUI48Sub(s string) (EUI48Sub, error) {
	t := s
	if t == "" || t == ":" {
		return EUI48Sub{}, nil
	}
	t = strings.TrimPrefix(t, ":")
	t = strings.TrimSuffix(t, ":")
	if t == "" {
		return EUI48Sub{}, nil
	}
	parts := strings.Split(t, ":")
	if len(parts) > 6 {
		return EUI48Sub{}, fmt.Errorf("bt: invalid EUI48 sub %q: more than 6 octets", s)
	}
	b := make([]byte, len(parts))
	for i, p := range parts {
		v, err := parseHexOctet(p)
		if err != nil {
			return EUI48Sub{}, fmt.Errorf("bt: invalid EUI48 sub %q: %w", s, err)
		}
		b[len(parts)-1-i] = v
	}
	return EUI48Sub{b: b}, nil
}

// Len returns the number of octets in the sub.
func (s EUI48Sub) Len() int { return len(s.b) }

// String renders the sub in canonical form, most-significant octet first;
// the empty sub renders as ":".
func (s EUI48Sub) String() string {
	if len(s.b) == 0 {
		return ":"
	}
	var sb strings.Builder
	for i := len(s.b) - 1; i >= 0; i-- {
		fmt.Fprintf(&sb, "%02X", s.b[i])
		if i > 0 {
			sb.WriteByte(':')
		}
	}
	return sb.String()
}

// AddressType tags an EUI48 with its transport and randomness class,
// following the MGMT numbering: 0 BR/EDR, 1 LE public, 2 LE random.
type AddressType uint8

const (
	AddrBREDR     AddressType = 0x00
	AddrLEPublic  AddressType = 0x01
	AddrLERandom  AddressType = 0x02
	AddrUndefined AddressType = 0xff
)

func (t AddressType) String() string {
	switch t {
	case AddrBREDR:
		return "bredr"
	case AddrLEPublic:
		return "le-public"
	case AddrLERandom:
		return "le-random"
	default:
		return "undefined"
	}
}

// RandomAddressKind is the sub-kind of an LE random address, derived from
// the two most significant bits of the address.
type RandomAddressKind uint8

const (
	RandomNonResolvable RandomAddressKind = iota
	RandomResolvable
	RandomStatic
	RandomUnresolved
)

func (k RandomAddressKind) String() string {
	switch k {
	case RandomNonResolvable:
		return "non-resolvable-private"
	case RandomResolvable:
		return "resolvable-private"
	case RandomStatic:
		return "static"
	default:
		return "unresolved"
	}
}

// Address is the (EUI48, type) pair that is the equality key for a remote
// device.
type Address struct {
	EUI48
	Type AddressType
}

// RandomKind classifies an LE random address; for any other address type
// it reports RandomUnresolved.
func (a Address) RandomKind() RandomAddressKind {
	if a.Type != AddrLERandom {
		return RandomUnresolved
	}
	switch a.EUI48[5] >> 6 {
	case 0b00:
		return RandomNonResolvable
	case 0b01:
		return RandomResolvable
	case 0b11:
		return RandomStatic
	default:
		return RandomUnresolved
	}
}

// IsResolvablePrivate reports whether the address is an LE
// resolvable-private address, the kind the resolving cache can map to an
// identity address.
func (a Address) IsResolvablePrivate() bool {
	return a.RandomKind() == RandomResolvable
}

func (a Address) String() string {
	return fmt.Sprintf("%s(%s)", a.EUI48.String(), a.Type)
}
