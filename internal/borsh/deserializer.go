package borsh

import (
	"encoding/binary"
	"fmt"
)

// Deserializer reads Borsh-encoded bytes in the same order a matching
// Serializer wrote them, failing closed on truncated input.
type Deserializer struct {
	buf []byte
	pos int
	err error
}

// NewDeserializer wraps raw bytes for reading.
func NewDeserializer(b []byte) *Deserializer {
	return &Deserializer{buf: b}
}

// Error returns the first error encountered during deserialization.
func (d *Deserializer) Error() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Deserializer) Remaining() int { return len(d.buf) - d.pos }

func (d *Deserializer) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Deserializer) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.fail(fmt.Errorf("borsh: unexpected end of input: need %d bytes, have %d", n, len(d.buf)-d.pos))
		return nil
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out
}

// ReadBool reads a single presence/boolean byte.
func (d *Deserializer) ReadBool() bool {
	b := d.take(1)
	if b == nil {
		return false
	}
	return b[0] != 0
}

// ReadU8 reads a single byte.
func (d *Deserializer) ReadU8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadU32 reads a little-endian uint32.
func (d *Deserializer) ReadU32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadU64 reads a little-endian uint64.
func (d *Deserializer) ReadU64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadBytes reads a 4-byte little-endian u32 length prefix followed by that
// many raw bytes.
func (d *Deserializer) ReadBytes() []byte {
	n := d.ReadU32()
	if d.err != nil {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadFixedBytes reads exactly n bytes with no length prefix.
func (d *Deserializer) ReadFixedBytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ReadString reads a u32 length prefix followed by UTF-8 bytes.
func (d *Deserializer) ReadString() string {
	return string(d.ReadBytes())
}

// ReadOption reads a presence byte and, if set, calls read.
func (d *Deserializer) ReadOption(read func()) bool {
	present := d.ReadBool()
	if present && d.err == nil {
		read()
	}
	return present
}
