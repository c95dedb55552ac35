package protocol

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"

	"github.com/starrelay-project/starrelay/internal/vlq"
)

// CompressionThreshold is the payload size from which outbound frames are
// compressed regardless of the packet type.
const CompressionThreshold = 8192

// ShouldCompress reports whether a payload of the given size is compressed
// on send.
func ShouldCompress(size, threshold int, always bool) bool {
	if threshold <= 0 {
		threshold = CompressionThreshold
	}
	return always || size >= threshold
}

// EncodeFrame builds the wire frame for one payload. When compress is set
// the payload is deflated and the length is written negated.
func EncodeFrame(id PacketType, payload []byte, compress bool) ([]byte, error) {
	body := payload
	if compress {
		deflated, err := deflate(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress %s: %w", id, err)
		}
		body = deflated
	}

	length := int64(len(body))
	if compress {
		length = -length
	}

	frame := make([]byte, 0, 1+vlq.MaxLen+len(body))
	frame = append(frame, byte(id))
	frame = vlq.AppendSigned(frame, length)
	frame = append(frame, body...)
	return frame, nil
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
