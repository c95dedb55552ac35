package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/starrelay-project/starrelay/internal/vlq"
)

// DefaultMaxFrameSize caps the declared length of a single frame.
const DefaultMaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a peer declares a frame longer than the
// segmenter's limit. The stream cannot be resynchronised after this.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrCorruptFrame is returned for a complete frame whose payload could not
// be inflated. The frame is consumed and the stream stays usable.
var ErrCorruptFrame = errors.New("corrupt frame")

// Segmenter extracts frames from a byte stream that arrives in arbitrary
// chunks. A frame is an id byte, a signed VLQ length (negative when the
// payload is zlib compressed) and the payload itself.
//
// Feed socket bytes with ProcessNextSegment(chunk, 0); while it returns true,
// call ProcessNextSegment(nil, 0) to drain frames already buffered.
type Segmenter struct {
	buf          []byte
	maxFrameSize int

	// CurrentPacketID and CurrentPacketData describe the frame extracted by
	// the last call. CurrentPacketData is nil when no frame was complete.
	CurrentPacketID   byte
	CurrentPacketData []byte
}

// NewSegmenter creates a segmenter. A maxFrameSize of zero or less selects
// DefaultMaxFrameSize.
func NewSegmenter(maxFrameSize int) *Segmenter {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Segmenter{maxFrameSize: maxFrameSize}
}

// Buffered returns the number of bytes waiting for a complete frame.
func (s *Segmenter) Buffered() int {
	return len(s.buf)
}

// ProcessNextSegment appends data[offset:] to the buffer and tries to extract
// one frame. It reports whether bytes remain buffered after the extracted
// frame, in which case the caller should call again with no new data.
//
// An incomplete frame is not an error: the call returns false with
// CurrentPacketData nil. A frame that fails to inflate is consumed and
// reported as an error so the stream stays aligned.
func (s *Segmenter) ProcessNextSegment(data []byte, offset int) (bool, error) {
	s.CurrentPacketData = nil
	if offset < len(data) {
		s.buf = append(s.buf, data[offset:]...)
	}

	if len(s.buf) <= 1 {
		return false, nil
	}

	id := s.buf[0]
	declared, n, err := vlq.ReadSigned(s.buf[1:])
	if err != nil {
		if len(s.buf)-1 >= vlq.MaxLen {
			return false, fmt.Errorf("frame header for packet %d: %w", id, err)
		}
		return false, nil
	}

	compressed := declared < 0
	length := declared
	if compressed {
		length = -declared
	}
	if length < 0 || length > int64(s.maxFrameSize) {
		return false, fmt.Errorf("packet %d declares %d bytes (limit %d): %w", id, declared, s.maxFrameSize, ErrFrameTooLarge)
	}

	start := 1 + n
	end := start + int(length)
	if len(s.buf) < end {
		return false, nil
	}

	payload := make([]byte, length)
	copy(payload, s.buf[start:end])
	s.consume(end)

	if compressed {
		inflated, err := inflate(payload, s.maxFrameSize)
		if err != nil {
			return len(s.buf) > 0, fmt.Errorf("packet %d: %w: %w", id, ErrCorruptFrame, err)
		}
		payload = inflated
	}

	s.CurrentPacketID = id
	s.CurrentPacketData = payload
	return len(s.buf) > 0, nil
}

// Reset discards all buffered bytes.
func (s *Segmenter) Reset() {
	s.buf = s.buf[:0]
	s.CurrentPacketData = nil
}

func (s *Segmenter) consume(n int) {
	rest := len(s.buf) - n
	copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
}

func inflate(data []byte, limit int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
