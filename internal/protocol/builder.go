package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/starrelay-project/starrelay/internal/variant"
	"github.com/starrelay-project/starrelay/internal/vlq"
)

// PacketBuilder constructs packet payloads. Every multi-byte fixed-width
// number is written big-endian.
type PacketBuilder struct {
	buf []byte
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{buf: make([]byte, 0, 64)}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf = b.buf[:0]
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteBool writes a bool as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint16 writes a uint16.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// WriteInt16 writes an int16.
func (b *PacketBuilder) WriteInt16(v int16) *PacketBuilder {
	return b.WriteUint16(uint16(v))
}

// WriteUint32 writes a uint32.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

// WriteInt32 writes an int32.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteUint64 writes a fixed-width uint64.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint64(b.buf, v)
	return b
}

// WriteFloat32 writes a float32.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 writes a float64.
func (b *PacketBuilder) WriteFloat64(v float64) *PacketBuilder {
	return b.WriteUint64(math.Float64bits(v))
}

// WriteVLQ writes an unsigned variable-length integer.
func (b *PacketBuilder) WriteVLQ(v uint64) *PacketBuilder {
	b.buf = vlq.AppendUnsigned(b.buf, v)
	return b
}

// WriteSignedVLQ writes a signed variable-length integer.
func (b *PacketBuilder) WriteSignedVLQ(v int64) *PacketBuilder {
	b.buf = vlq.AppendSigned(b.buf, v)
	return b
}

// WriteString writes a VLQ length-prefixed UTF-8 string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.WriteVLQ(uint64(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteByteArray writes VLQ length-prefixed raw bytes.
func (b *PacketBuilder) WriteByteArray(data []byte) *PacketBuilder {
	b.WriteVLQ(uint64(len(data)))
	return b.WriteBytes(data)
}

// WriteBytes writes raw bytes with no prefix.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf = append(b.buf, data...)
	return b
}

// WriteVariant writes a dynamic value.
func (b *PacketBuilder) WriteVariant(v variant.Value) error {
	out, err := variant.Append(b.buf, v)
	if err != nil {
		return err
	}
	b.buf = out
	return nil
}

// Build returns the constructed payload bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}
