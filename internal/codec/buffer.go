// Package codec implements the little/big-endian integer packing and
// bounds-checked octet buffer shared by every wire PDU family (HCI, MGMT,
// ATT, SMP).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned whenever a read or write would run past the
// end of the underlying octets.
var ErrShortBuffer = errors.New("codec: short buffer")

// ByteOrder selects the wire byte order of a Buffer. HCI, ATT, and SMP are
// little-endian per the Bluetooth Core Specification; Buffer defaults to
// little-endian and BigEndian is provided only for completeness/tests.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) impl() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Buffer is a growable octet buffer with an explicit byte order and a
// read/write cursor. A Buffer obtained via NewReader wraps an existing,
// immutable slice and is safe to read concurrently with other readers;
// a Buffer obtained via NewWriter owns a growable backing array.
type Buffer struct {
	order    ByteOrder
	b        []byte
	off      int
	readOnly bool
}

// NewWriter returns an empty, growable, writable Buffer.
func NewWriter(order ByteOrder) *Buffer {
	return &Buffer{order: order}
}

// NewReader returns a read-only view over b. The returned Buffer never
// mutates or retains a copy of b.
func NewReader(b []byte, order ByteOrder) *Buffer {
	return &Buffer{order: order, b: b, readOnly: true}
}

// Bytes returns the buffer's current contents. Callers must not mutate the
// returned slice of a read-only Buffer.
func (buf *Buffer) Bytes() []byte { return buf.b }

// Len returns the number of bytes currently in the buffer.
func (buf *Buffer) Len() int { return len(buf.b) }

// Remaining returns the number of unread bytes.
func (buf *Buffer) Remaining() int { return len(buf.b) - buf.off }

// Offset returns the current read cursor.
func (buf *Buffer) Offset() int { return buf.off }

// Reset rewinds the read cursor to the start.
func (buf *Buffer) Reset() { buf.off = 0 }

func (buf *Buffer) need(n int) error {
	if buf.Remaining() < n {
		return fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, buf.Remaining())
	}
	return nil
}

// GetU8 reads one unsigned byte, advancing the cursor.
func (buf *Buffer) GetU8() (uint8, error) {
	if err := buf.need(1); err != nil {
		return 0, err
	}
	v := buf.b[buf.off]
	buf.off++
	return v, nil
}

// GetU16 reads a 2-byte unsigned integer in the buffer's byte order.
func (buf *Buffer) GetU16() (uint16, error) {
	if err := buf.need(2); err != nil {
		return 0, err
	}
	v := buf.order.impl().Uint16(buf.b[buf.off:])
	buf.off += 2
	return v, nil
}

// GetU24 reads a 3-byte unsigned integer (little-endian only field, used by
// e.g. Class-of-Device).
func (buf *Buffer) GetU24() (uint32, error) {
	if err := buf.need(3); err != nil {
		return 0, err
	}
	v := uint32(buf.b[buf.off]) | uint32(buf.b[buf.off+1])<<8 | uint32(buf.b[buf.off+2])<<16
	buf.off += 3
	return v, nil
}

// GetU32 reads a 4-byte unsigned integer in the buffer's byte order.
func (buf *Buffer) GetU32() (uint32, error) {
	if err := buf.need(4); err != nil {
		return 0, err
	}
	v := buf.order.impl().Uint32(buf.b[buf.off:])
	buf.off += 4
	return v, nil
}

// GetU64 reads an 8-byte unsigned integer in the buffer's byte order.
func (buf *Buffer) GetU64() (uint64, error) {
	if err := buf.need(8); err != nil {
		return 0, err
	}
	v := buf.order.impl().Uint64(buf.b[buf.off:])
	buf.off += 8
	return v, nil
}

// GetBytes returns the next n raw bytes as a sub-slice view (not a copy),
// advancing the cursor.
func (buf *Buffer) GetBytes(n int) ([]byte, error) {
	if err := buf.need(n); err != nil {
		return nil, err
	}
	v := buf.b[buf.off : buf.off+n]
	buf.off += n
	return v, nil
}

// GetRest returns every remaining unread byte as a sub-slice view.
func (buf *Buffer) GetRest() []byte {
	v := buf.b[buf.off:]
	buf.off = len(buf.b)
	return v
}

// PutU8 appends one byte.
func (buf *Buffer) PutU8(v uint8) *Buffer {
	buf.checkWritable()
	buf.b = append(buf.b, v)
	return buf
}

// PutU16 appends a 2-byte integer in the buffer's byte order.
func (buf *Buffer) PutU16(v uint16) *Buffer {
	buf.checkWritable()
	var tmp [2]byte
	buf.order.impl().PutUint16(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
	return buf
}

// PutU24 appends a 3-byte little-endian integer.
func (buf *Buffer) PutU24(v uint32) *Buffer {
	buf.checkWritable()
	buf.b = append(buf.b, byte(v), byte(v>>8), byte(v>>16))
	return buf
}

// PutU32 appends a 4-byte integer in the buffer's byte order.
func (buf *Buffer) PutU32(v uint32) *Buffer {
	buf.checkWritable()
	var tmp [4]byte
	buf.order.impl().PutUint32(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
	return buf
}

// PutU64 appends an 8-byte integer in the buffer's byte order.
func (buf *Buffer) PutU64(v uint64) *Buffer {
	buf.checkWritable()
	var tmp [8]byte
	buf.order.impl().PutUint64(tmp[:], v)
	buf.b = append(buf.b, tmp[:]...)
	return buf
}

// PutBytes appends raw bytes verbatim.
func (buf *Buffer) PutBytes(v []byte) *Buffer {
	buf.checkWritable()
	buf.b = append(buf.b, v...)
	return buf
}

// checkWritable panics on programmer error: writing to a read-only view.
// PDU constructors always use NewWriter, so this can only fire from a bug.
func (buf *Buffer) checkWritable() {
	if buf.readOnly {
		panic("codec: write to read-only buffer")
	}
}
