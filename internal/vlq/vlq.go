// Package vlq implements the variable-length quantity integer encoding used
// by the game protocol for frame lengths, collection counts and integers.
//
// Every byte carries 7 value bits; the high bit marks that more bytes follow.
// Groups are emitted most-significant first, so the terminating byte (high
// bit clear) holds the lowest 7 bits of the value.
package vlq

import (
	"errors"
	"io"
)

// MaxLen is the longest encoding of a 64-bit value.
const MaxLen = 10

// ErrMalformedVLQ is returned when the byte source ends before a terminating
// byte, or when the encoding overflows 64 bits. Callers reading from a
// partially received buffer treat it as "need more data".
var ErrMalformedVLQ = errors.New("malformed vlq")

// AppendUnsigned appends the encoding of v to dst.
func AppendUnsigned(dst []byte, v uint64) []byte {
	var tmp [MaxLen]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7f)
	v >>= 7
	for v != 0 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
		v >>= 7
	}
	return append(dst, tmp[i:]...)
}

// EncodeUnsigned returns the encoding of v. Zero encodes as a single 0x00.
func EncodeUnsigned(v uint64) []byte {
	return AppendUnsigned(make([]byte, 0, 2), v)
}

// SignedToUnsigned maps a signed value onto the unsigned wire value:
// |v*2|, minus one when v is negative.
func SignedToUnsigned(v int64) uint64 {
	if v < 0 {
		return uint64(-(v * 2)) - 1
	}
	return uint64(v) * 2
}

// UnsignedToSigned reverses SignedToUnsigned.
func UnsignedToSigned(raw uint64) int64 {
	if raw&1 == 0 {
		return int64(raw >> 1)
	}
	return -int64(raw>>1) - 1
}

// AppendSigned appends the signed encoding of v to dst.
func AppendSigned(dst []byte, v int64) []byte {
	return AppendUnsigned(dst, SignedToUnsigned(v))
}

// EncodeSigned returns the signed encoding of v.
func EncodeSigned(v int64) []byte {
	return AppendSigned(make([]byte, 0, 2), v)
}

// DecodeUnsigned reads an unsigned value. src returns the byte at an index
// relative to the start of the value, more reports whether that index is
// still readable. It returns the value and the number of bytes consumed.
func DecodeUnsigned(src func(int) byte, more func(int) bool) (uint64, int, error) {
	var value uint64
	for i := 0; i < MaxLen; i++ {
		if !more(i) {
			return 0, 0, ErrMalformedVLQ
		}
		b := src(i)
		if i == MaxLen-1 && value>>57 != 0 {
			return 0, 0, ErrMalformedVLQ
		}
		value = value<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrMalformedVLQ
}

// DecodeSigned reads a signed value, see DecodeUnsigned.
func DecodeSigned(src func(int) byte, more func(int) bool) (int64, int, error) {
	raw, n, err := DecodeUnsigned(src, more)
	if err != nil {
		return 0, 0, err
	}
	return UnsignedToSigned(raw), n, nil
}

// ReadUnsigned decodes an unsigned value from the start of data.
func ReadUnsigned(data []byte) (uint64, int, error) {
	return DecodeUnsigned(
		func(i int) byte { return data[i] },
		func(i int) bool { return i < len(data) },
	)
}

// ReadSigned decodes a signed value from the start of data.
func ReadSigned(data []byte) (int64, int, error) {
	raw, n, err := ReadUnsigned(data)
	if err != nil {
		return 0, 0, err
	}
	return UnsignedToSigned(raw), n, nil
}

// ReadUnsignedFrom decodes an unsigned value from a byte stream.
// A stream that ends mid-value yields ErrMalformedVLQ.
func ReadUnsignedFrom(r io.ByteReader) (uint64, error) {
	var value uint64
	for i := 0; i < MaxLen; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, ErrMalformedVLQ
			}
			return 0, err
		}
		if i == MaxLen-1 && value>>57 != 0 {
			return 0, ErrMalformedVLQ
		}
		value = value<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return value, nil
		}
	}
	return 0, ErrMalformedVLQ
}

// ReadSignedFrom decodes a signed value from a byte stream.
func ReadSignedFrom(r io.ByteReader) (int64, error) {
	raw, err := ReadUnsignedFrom(r)
	if err != nil {
		return 0, err
	}
	return UnsignedToSigned(raw), nil
}
