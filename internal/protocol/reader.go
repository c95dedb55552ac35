package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/starrelay-project/starrelay/internal/variant"
	"github.com/starrelay-project/starrelay/internal/vlq"
)

// Reader reads big-endian protocol primitives from a payload.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// Pos returns the current read offset.
func (r *Reader) Pos() int {
	return r.pos
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Next returns the next n bytes, copied out of the payload.
func (r *Reader) Next(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", n, r.Remaining(), io.ErrUnexpectedEOF)
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

func (r *Reader) fixed(n int) ([]byte, error) {
	if n > r.Remaining() {
		return nil, fmt.Errorf("need %d bytes, have %d: %w", n, r.Remaining(), io.ErrUnexpectedEOF)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBool reads a one-byte bool.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, io.ErrUnexpectedEOF
	}
	return b != 0, nil
}

// ReadUint8 reads a byte, reporting a short payload as io.ErrUnexpectedEOF.
func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	return b, nil
}

// ReadUint16 reads a uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadInt16 reads an int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadInt32 reads an int32.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a fixed-width uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadFloat32 reads a float32.
func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a float64.
func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadVLQ reads an unsigned variable-length integer.
func (r *Reader) ReadVLQ() (uint64, error) {
	v, n, err := vlq.ReadUnsigned(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// ReadSignedVLQ reads a signed variable-length integer.
func (r *Reader) ReadSignedVLQ() (int64, error) {
	v, n, err := vlq.ReadSigned(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

// ReadLength reads a VLQ length and checks that it fits in the payload.
func (r *Reader) ReadLength() (int, error) {
	n, err := r.ReadVLQ()
	if err != nil {
		return 0, err
	}
	if n > uint64(r.Remaining()) {
		return 0, fmt.Errorf("length %d exceeds remaining %d: %w", n, r.Remaining(), io.ErrUnexpectedEOF)
	}
	return int(n), nil
}

// ReadString reads a VLQ length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadLength()
	if err != nil {
		return "", err
	}
	b, _ := r.fixed(n)
	if !utf8.Valid(b) {
		return "", fmt.Errorf("string is not valid utf-8")
	}
	return string(b), nil
}

// ReadByteArray reads VLQ length-prefixed raw bytes.
func (r *Reader) ReadByteArray() ([]byte, error) {
	n, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	return r.Next(n)
}

// ReadRest returns every unread byte.
func (r *Reader) ReadRest() []byte {
	out, _ := r.Next(r.Remaining())
	return out
}

// ReadVariant reads a dynamic value.
func (r *Reader) ReadVariant() (variant.Value, error) {
	return variant.Read(r)
}
