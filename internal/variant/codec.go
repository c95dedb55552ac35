package variant

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/starrelay-project/starrelay/internal/vlq"
)

// Reader is the byte source the decoder consumes.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Read decodes one value from r.
func Read(r Reader) (Value, error) {
	return read(r, 0)
}

func read(r Reader, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrNestingTooDeep
	}

	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("variant: read tag: %w", err)
	}

	switch Kind(tag) {
	case KindNull:
		return Null{}, nil

	case KindFloat:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("variant: read float: %w", err)
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(buf[:]))), nil

	case KindBool:
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("variant: read bool: %w", err)
		}
		return Bool(b != 0), nil

	case KindUint:
		n, err := vlq.ReadUnsignedFrom(r)
		if err != nil {
			return nil, fmt.Errorf("variant: read uint: %w", err)
		}
		return Uint(n), nil

	case KindString:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return String(s), nil

	case KindArray:
		count, err := vlq.ReadUnsignedFrom(r)
		if err != nil {
			return nil, fmt.Errorf("variant: read array count: %w", err)
		}
		arr := make(Array, 0, capHint(count))
		for i := uint64(0); i < count; i++ {
			item, err := read(r, depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil

	case KindMap:
		count, err := vlq.ReadUnsignedFrom(r)
		if err != nil {
			return nil, fmt.Errorf("variant: read map count: %w", err)
		}
		m := make(Map, 0, capHint(count))
		for i := uint64(0); i < count; i++ {
			key, err := readString(r)
			if err != nil {
				return nil, err
			}
			item, err := read(r, depth+1)
			if err != nil {
				return nil, err
			}
			m = append(m, MapEntry{Key: key, Value: item})
		}
		return m, nil

	default:
		return nil, &UnknownTagError{Tag: tag}
	}
}

// capHint keeps a hostile count from forcing a huge up-front allocation.
func capHint(count uint64) int {
	if count > 1024 {
		return 1024
	}
	return int(count)
}

func readString(r Reader) (string, error) {
	n, err := vlq.ReadUnsignedFrom(r)
	if err != nil {
		return "", fmt.Errorf("variant: read string length: %w", err)
	}
	if n > math.MaxInt32 {
		return "", fmt.Errorf("variant: string length %d out of range", n)
	}
	if rem, ok := r.(interface{ Remaining() int }); ok && n > uint64(rem.Remaining()) {
		return "", fmt.Errorf("variant: string length %d exceeds %d remaining bytes: %w", n, rem.Remaining(), io.ErrUnexpectedEOF)
	}

	// The buffer grows with the bytes actually read, never with the
	// declared length.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("variant: read string: %w", err)
	}
	if !utf8.Valid(buf.Bytes()) {
		return "", fmt.Errorf("variant: string is not valid utf-8")
	}
	return buf.String(), nil
}

// Append encodes v onto dst. A nil value encodes as Null.
func Append(dst []byte, v Value) ([]byte, error) {
	return appendValue(dst, v, 0)
}

// Marshal encodes v into a fresh buffer.
func Marshal(v Value) ([]byte, error) {
	return Append(nil, v)
}

func appendValue(dst []byte, v Value, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, ErrNestingTooDeep
	}

	switch tv := normalize(v).(type) {
	case Null:
		return append(dst, byte(KindNull)), nil

	case Float:
		dst = append(dst, byte(KindFloat))
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(tv))), nil

	case Bool:
		dst = append(dst, byte(KindBool))
		if tv {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case Uint:
		dst = append(dst, byte(KindUint))
		return vlq.AppendUnsigned(dst, uint64(tv)), nil

	case String:
		dst = append(dst, byte(KindString))
		return appendString(dst, string(tv)), nil

	case Array:
		dst = append(dst, byte(KindArray))
		dst = vlq.AppendUnsigned(dst, uint64(len(tv)))
		var err error
		for _, item := range tv {
			if dst, err = appendValue(dst, item, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil

	case Map:
		dst = append(dst, byte(KindMap))
		dst = vlq.AppendUnsigned(dst, uint64(len(tv)))
		var err error
		for _, e := range tv {
			dst = appendString(dst, e.Key)
			if dst, err = appendValue(dst, e.Value, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnrepresentableValue, v)
	}
}

func appendString(dst []byte, s string) []byte {
	dst = vlq.AppendUnsigned(dst, uint64(len(s)))
	return append(dst, s...)
}
