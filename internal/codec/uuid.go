package codec

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// bluetoothBaseUUID is the common 128-bit base that every 16/32-bit
// "short form" Bluetooth UUID is expanded into:
// 0000xxxx-0000-1000-8000-00805F9B34FB.
var bluetoothBaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// UUID is a Bluetooth attribute UUID, carried as 2, 4, or 16 raw bytes in
// Bluetooth's reversed ("little-endian") wire order. UUID is a value type
// so it can be used as a map key and compared with ==.
type UUID struct {
	// b holds the UUID in wire (reversed) byte order, length 2, 4, or 16.
	b [16]byte
	n int // 2, 4, or 16
}

// Short16 constructs a UUID from a 16-bit alias, e.g. 0x1800 for the
// Generic Access service.
func Short16(v uint16) UUID {
	var u UUID
	u.n = 2
	u.b[0], u.b[1] = byte(v), byte(v>>8)
	return u
}

// Short32 constructs a UUID from a 32-bit alias.
func Short32(v uint32) UUID {
	var u UUID
	u.n = 4
	u.b[0], u.b[1], u.b[2], u.b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return u
}

// Long128 constructs a UUID from 16 bytes already in wire (reversed) order.
func Long128(b []byte) (UUID, error) {
	var u UUID
	if len(b) != 16 {
		return u, fmt.Errorf("codec: UUID128 needs 16 bytes, got %d", len(b))
	}
	u.n = 16
	copy(u.b[:], b)
	return u, nil
}

// FromWire builds a UUID from its on-the-wire bytes; n must be 2, 4, or 16.
func FromWire(b []byte) (UUID, error) {
	switch len(b) {
	case 2:
		return Short16(uint16(b[0]) | uint16(b[1])<<8), nil
	case 4:
		return Short32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
	case 16:
		return Long128(b)
	default:
		return UUID{}, fmt.Errorf("codec: invalid UUID wire length %d", len(b))
	}
}

// ParseUUID parses the canonical textual form of a 128-bit UUID
// (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx), delegating to google/uuid for
// syntax, then re-deriving Bluetooth's reversed wire order.
func ParseUUID(s string) (UUID, error) {
	g, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("codec: invalid UUID %q: %w", s, err)
	}
	be := g[:] // google/uuid stores RFC 4122 big-endian octets
	wire := make([]byte, 16)
	for i := range be {
		wire[i] = be[15-i]
	}
	return Long128(wire)
}

// Len reports the wire length: 2, 4, or 16.
func (u UUID) Len() int { return u.n }

// Bytes returns the UUID's wire-order bytes (reversed/little-endian).
func (u UUID) Bytes() []byte {
	b := make([]byte, u.n)
	copy(b, u.b[:u.n])
	return b
}

// Is16 reports whether this is a 16-bit short-form UUID.
func (u UUID) Is16() bool { return u.n == 2 }

// As16 returns the 16-bit alias; only meaningful when Is16 is true.
func (u UUID) As16() uint16 {
	return uint16(u.b[0]) | uint16(u.b[1])<<8
}

// Long expands any short-form UUID to its 128-bit Bluetooth-base form and
// returns the underlying google/uuid value (RFC 4122 big-endian order),
// suitable for canonical text formatting.
func (u UUID) Long() uuid.UUID {
	if u.n == 16 {
		var be [16]byte
		for i := 0; i < 16; i++ {
			be[i] = u.b[15-i]
		}
		g, _ := uuid.FromBytes(be[:])
		return g
	}
	g := bluetoothBaseUUID
	if u.n == 2 {
		g[2], g[3] = u.b[1], u.b[0]
	} else {
		g[0], g[1], g[2], g[3] = u.b[3], u.b[2], u.b[1], u.b[0]
	}
	return g
}

// String renders the canonical 128-bit textual form for long UUIDs, and
// the bare 4-hex-digit alias for 16-bit short UUIDs (conventional in GATT
// logs and tooling).
func (u UUID) String() string {
	if u.n == 2 {
		return fmt.Sprintf("%04x", u.As16())
	}
	return u.Long().String()
}

// Equal reports whether two UUIDs denote the same attribute, comparing in
// expanded 128-bit form so a 16-bit alias equals its 128-bit expansion.
func (u UUID) Equal(o UUID) bool {
	if u.n == o.n {
		return bytes.Equal(u.b[:u.n], o.b[:o.n])
	}
	ul, ol := u.Long(), o.Long()
	return ul == ol
}
