// Package borsh implements the canonical binary encoding used to produce the
// bytes a transaction's signature is computed over.
//
// Grounded on aptos-go-sdk/bcs/serializer.go: an accumulating Serializer that
// records the first write error and refuses further writes once poisoned,
// paired with a Deserializer that mirrors every Write* with a matching
// Read*. Integers are little-endian fixed-width (unlike BCS's ULEB128
// integers); sequence and byte lengths are a fixed 4-byte little-endian u32,
// matching the NEAR Borsh specification this component serializes to (see
// borshWriteString in the vadimzhukck-privy-sdk-go NEAR chain reference).
package borsh

import (
	"encoding/binary"
	"fmt"
)

// Marshaler is implemented by any type that can serialize itself onto a
// Serializer.
type Marshaler interface {
	MarshalBorsh(s *Serializer)
}

// Unmarshaler is implemented by any type that can deserialize itself from a
// Deserializer.
type Unmarshaler interface {
	UnmarshalBorsh(d *Deserializer) error
}

// Serializer accumulates bytes and the first error encountered. Once an
// error is set, all further Write* calls are no-ops, so callers can chain
// writes and check the error once at the end.
type Serializer struct {
	buf []byte
	err error
}

// NewSerializer returns an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{buf: make([]byte, 0, 256)}
}

// Error returns the first error recorded during serialization, if any.
func (s *Serializer) Error() error { return s.err }

// Bytes returns the accumulated output. Callers must check Error() first.
func (s *Serializer) Bytes() []byte { return s.buf }

func (s *Serializer) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// WriteBool writes a single byte: 1 for true, 0 for false.
func (s *Serializer) WriteBool(v bool) {
	if s.err != nil {
		return
	}
	if v {
		s.buf = append(s.buf, 1)
	} else {
		s.buf = append(s.buf, 0)
	}
}

// WriteU8 writes a single byte.
func (s *Serializer) WriteU8(v uint8) {
	if s.err != nil {
		return
	}
	s.buf = append(s.buf, v)
}

// WriteU32 writes a little-endian uint32.
func (s *Serializer) WriteU32(v uint32) {
	if s.err != nil {
		return
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
}

// WriteU64 writes a little-endian uint64.
func (s *Serializer) WriteU64(v uint64) {
	if s.err != nil {
		return
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	s.buf = append(s.buf, tmp[:]...)
}

// WriteU128 writes a little-endian 128-bit unsigned integer from a decimal
// string, as NEAR represents deposits and balances. The string must fit in
// 128 bits and contain only digits.
func (s *Serializer) WriteU128(decimal string) {
	if s.err != nil {
		return
	}
	v, err := decimalToLE16(decimal)
	if err != nil {
		s.fail(fmt.Errorf("borsh: write u128: %w", err))
		return
	}
	s.buf = append(s.buf, v[:]...)
}

// WriteBytes writes a 4-byte little-endian u32 length prefix followed by the
// raw bytes.
func (s *Serializer) WriteBytes(b []byte) {
	if s.err != nil {
		return
	}
	s.WriteU32(uint32(len(b)))
	s.buf = append(s.buf, b...)
}

// WriteFixedBytes writes b with no length prefix, for fixed-width fields
// such as a 32-byte public key or hash.
func (s *Serializer) WriteFixedBytes(b []byte) {
	if s.err != nil {
		return
	}
	s.buf = append(s.buf, b...)
}

// WriteString writes a u32 length prefix followed by the UTF-8 bytes.
func (s *Serializer) WriteString(str string) {
	s.WriteBytes([]byte(str))
}

// WriteOption writes the presence byte and, if present, calls write.
func (s *Serializer) WriteOption(present bool, write func()) {
	s.WriteBool(present)
	if present && s.err == nil {
		write()
	}
}

// WriteStruct delegates to m.MarshalBorsh(s).
func (s *Serializer) WriteStruct(m Marshaler) {
	if s.err != nil {
		return
	}
	m.MarshalBorsh(s)
}

// WriteSequence writes a u32 length prefix followed by each element,
// encoded in order via encode.
func WriteSequence[T any](s *Serializer, items []T, encode func(*Serializer, T)) {
	s.WriteU32(uint32(len(items)))
	for _, it := range items {
		if s.err != nil {
			return
		}
		encode(s, it)
	}
}

func decimalToLE16(decimal string) ([16]byte, error) {
	var out [16]byte
	if decimal == "" {
		return out, fmt.Errorf("empty decimal string")
	}
	digits := []byte(decimal)
	// Repeated divide-by-256 on the decimal digit string, MSB-first output
	// reversed into little-endian byte order — mirrors the teacher's
	// big-integer-free approach to fixed-width encoding of string amounts.
	work := make([]byte, len(digits))
	copy(work, digits)
	for _, d := range work {
		if d < '0' || d > '9' {
			return out, fmt.Errorf("invalid digit %q", d)
		}
	}

	for i := 0; i < 16; i++ {
		var remainder int
		allZero := true
		for j := 0; j < len(work); j++ {
			cur := remainder*10 + int(work[j]-'0')
			work[j] = byte(cur/256) + '0'
			remainder = cur % 256
			if work[j] != '0' {
				allZero = false
			}
		}
		out[i] = byte(remainder)
		if allZero {
			break
		}
	}
	return out, nil
}
