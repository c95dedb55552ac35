package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/starrelay-project/starrelay/internal/variant"
)

// Packet schemas are declared with struct tags:
//
//	Name    string        `wire:"0"`
//	HasPos  bool          `wire:"1,cond"`   // gates the next field
//	Pos     Vec2F         `wire:"2"`
//	Owner   *[16]byte     `wire:"3"`        // maybe: presence byte first
//	Target  WarpTarget    `wire:"4"`        // any: registered with RegisterUnion
//	Tags    Dict[string, variant.Value] `wire:"5"`
//	Rest    []byte        `wire:"6,greedy"` // no prefix, consumes the payload
//
// The number is the field's order on the wire. Untagged fields are skipped.
const wireTag = "wire"

// UnsupportedFieldTypeError is returned when a schema uses a type the
// serializer has no wire mapping for.
type UnsupportedFieldTypeError struct {
	Type   reflect.Type
	Field  string
	Reason string
}

func (e *UnsupportedFieldTypeError) Error() string {
	msg := fmt.Sprintf("unsupported field type %s", e.Type)
	if e.Field != "" {
		msg = fmt.Sprintf("field %s: %s", e.Field, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// DecodeError wraps a failure while decoding a payload into Type.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errNotStruct = errors.New("value must be a struct or a pointer to one")

type (
	encodeFunc func(b *PacketBuilder, v reflect.Value) error
	decodeFunc func(r *Reader, v reflect.Value) error
)

type codec struct {
	encode encodeFunc
	decode decodeFunc
}

var (
	// Compiled codecs per struct type. Reads are lock free; building holds
	// buildMu so a type is compiled at most once.
	codecs    sync.Map
	codecErrs sync.Map
	buildMu   sync.Mutex

	structBuilds atomic.Int64

	variantType = reflect.TypeOf((*variant.Value)(nil)).Elem()
	dictType    = reflect.TypeOf((*dictionary)(nil)).Elem()
)

// Compile builds and caches the codec for t, reporting schema errors.
// Registering a packet type calls it so bad schemas fail at startup.
func Compile(t reflect.Type) error {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	_, err := codecFor(t)
	return err
}

func codecFor(t reflect.Type) (*codec, error) {
	if c, ok := codecs.Load(t); ok {
		return c.(*codec), nil
	}
	if err, ok := codecErrs.Load(t); ok {
		return nil, err.(error)
	}

	buildMu.Lock()
	defer buildMu.Unlock()

	if c, ok := codecs.Load(t); ok {
		return c.(*codec), nil
	}
	if err, ok := codecErrs.Load(t); ok {
		return nil, err.(error)
	}
	if t.Kind() != reflect.Struct {
		return nil, errNotStruct
	}

	comp := &compiler{pending: make(map[reflect.Type]*codec)}
	c, err := comp.structCodec(t)
	if err != nil {
		codecErrs.Store(t, err)
		return nil, err
	}
	for pt, pc := range comp.pending {
		codecs.Store(pt, pc)
	}
	return c, nil
}

// Marshal encodes a tagged struct into its payload bytes.
func Marshal(v any) ([]byte, error) {
	b := NewPacketBuilder()
	if err := MarshalTo(b, v); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// MarshalTo appends the encoding of v to b.
func MarshalTo(b *PacketBuilder, v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return errNotStruct
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return errNotStruct
	}

	c, err := codecFor(rv.Type())
	if err != nil {
		return err
	}
	if err := c.encode(b, rv); err != nil {
		return fmt.Errorf("failed to encode %s: %w", rv.Type(), err)
	}
	return nil
}

// Unmarshal decodes data into the struct pointed to by v. It returns the
// number of payload bytes left unread; a non-zero count means the schema
// and the peer disagree.
func Unmarshal(data []byte, v any) (int, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return 0, errNotStruct
	}
	rv = rv.Elem()

	c, err := codecFor(rv.Type())
	if err != nil {
		return 0, err
	}

	r := NewReader(data)
	if err := c.decode(r, rv); err != nil {
		return r.Remaining(), &DecodeError{Type: rv.Type().String(), Err: err}
	}
	return r.Remaining(), nil
}

type fieldOptions struct {
	greedy   bool
	fixedLen int
	cond     bool
}

type field struct {
	name  string
	index int
	order int
	opts  fieldOptions
	codec *codec
}

type compiler struct {
	// Codecs under construction. A recursive type resolves to its
	// placeholder, which is filled in before any data flows through it.
	pending map[reflect.Type]*codec
}

func (comp *compiler) structCodec(t reflect.Type) (*codec, error) {
	if c, ok := codecs.Load(t); ok {
		return c.(*codec), nil
	}
	if c, ok := comp.pending[t]; ok {
		return c, nil
	}

	c := &codec{}
	comp.pending[t] = c

	fields, err := comp.structFields(t)
	if err != nil {
		return nil, err
	}

	c.encode = func(b *PacketBuilder, v reflect.Value) error {
		for i := 0; i < len(fields); i++ {
			f := fields[i]
			fv := v.Field(f.index)
			if err := f.codec.encode(b, fv); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
			if f.opts.cond && !fv.Bool() {
				i++
			}
		}
		return nil
	}
	c.decode = func(r *Reader, v reflect.Value) error {
		for i := 0; i < len(fields); i++ {
			f := fields[i]
			fv := v.Field(f.index)
			if err := f.codec.decode(r, fv); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
			if f.opts.cond && !fv.Bool() {
				i++
				fields[i].zero(v)
			}
		}
		return nil
	}

	structBuilds.Add(1)
	return c, nil
}

func (f field) zero(v reflect.Value) {
	fv := v.Field(f.index)
	fv.Set(reflect.Zero(fv.Type()))
}

func (comp *compiler) structFields(t reflect.Type) ([]field, error) {
	var fields []field
	seen := make(map[int]string)

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup(wireTag)
		if !ok || tag == "-" {
			continue
		}
		if !sf.IsExported() {
			return nil, &UnsupportedFieldTypeError{Type: sf.Type, Field: t.String() + "." + sf.Name, Reason: "field is not exported"}
		}

		order, opts, err := parseTag(tag)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t, sf.Name, err)
		}
		if other, dup := seen[order]; dup {
			return nil, fmt.Errorf("%s: fields %s and %s share order %d", t, other, sf.Name, order)
		}
		seen[order] = sf.Name

		fields = append(fields, field{name: sf.Name, index: i, order: order, opts: opts})
	}

	sort.Slice(fields, func(a, b int) bool { return fields[a].order < fields[b].order })

	for i := range fields {
		f := &fields[i]
		sf := t.Field(f.index)
		last := i == len(fields)-1

		if f.opts.greedy && !last {
			return nil, &UnsupportedFieldTypeError{Type: sf.Type, Field: t.String() + "." + f.name, Reason: "greedy must be the last field"}
		}
		if f.opts.cond {
			if sf.Type.Kind() != reflect.Bool {
				return nil, &UnsupportedFieldTypeError{Type: sf.Type, Field: t.String() + "." + f.name, Reason: "cond requires a bool"}
			}
			if last {
				return nil, &UnsupportedFieldTypeError{Type: sf.Type, Field: t.String() + "." + f.name, Reason: "cond has no following field"}
			}
		}

		c, err := comp.fieldCodec(sf.Type, f.opts)
		if err != nil {
			var unsupported *UnsupportedFieldTypeError
			if errors.As(err, &unsupported) && unsupported.Field == "" {
				unsupported.Field = t.String() + "." + f.name
			}
			return nil, err
		}
		f.codec = c
	}
	return fields, nil
}

func parseTag(tag string) (int, fieldOptions, error) {
	opts := fieldOptions{fixedLen: -1}
	parts := strings.Split(tag, ",")

	order, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, opts, fmt.Errorf("invalid wire order %q", parts[0])
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case p == "greedy":
			opts.greedy = true
		case p == "cond":
			opts.cond = true
		case strings.HasPrefix(p, "len="):
			n, err := strconv.Atoi(strings.TrimPrefix(p, "len="))
			if err != nil || n < 0 {
				return 0, opts, fmt.Errorf("invalid length option %q", p)
			}
			opts.fixedLen = n
		default:
			return 0, opts, fmt.Errorf("unknown wire option %q", p)
		}
	}
	if opts.greedy && opts.fixedLen >= 0 {
		return 0, opts, errors.New("greedy and len are exclusive")
	}
	return order, opts, nil
}

func (comp *compiler) fieldCodec(t reflect.Type, opts fieldOptions) (*codec, error) {
	if (opts.greedy || opts.fixedLen >= 0) && t.Kind() != reflect.Slice {
		return nil, &UnsupportedFieldTypeError{Type: t, Reason: "greedy and len apply to slices only"}
	}

	if t == variantType {
		return variantCodec, nil
	}

	switch t.Kind() {
	case reflect.Interface:
		candidates, ok := lookupUnion(t)
		if !ok {
			return nil, &UnsupportedFieldTypeError{Type: t, Reason: "interface is not a registered union"}
		}
		return comp.unionCodec(t, candidates)
	case reflect.Bool:
		return boolCodec, nil
	case reflect.Uint8:
		return uint8Codec, nil
	case reflect.Int8:
		return int8Codec, nil
	case reflect.Uint16:
		return uint16Codec, nil
	case reflect.Int16:
		return int16Codec, nil
	case reflect.Uint32:
		return uint32Codec, nil
	case reflect.Int32:
		return int32Codec, nil
	case reflect.Uint64:
		return uvlqCodec, nil
	case reflect.Int64:
		return svlqCodec, nil
	case reflect.Float32:
		return float32Codec, nil
	case reflect.Float64:
		return float64Codec, nil
	case reflect.String:
		return stringCodec, nil
	case reflect.Pointer:
		return comp.maybeCodec(t)
	case reflect.Array:
		return comp.arrayCodec(t)
	case reflect.Slice:
		if t.Implements(dictType) && (opts.greedy || opts.fixedLen >= 0) {
			return nil, &UnsupportedFieldTypeError{Type: t, Reason: "dictionaries are always count prefixed"}
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return bytesCodec(opts), nil
		}
		return comp.sliceCodec(t, opts)
	case reflect.Struct:
		return comp.structCodec(t)
	default:
		return nil, &UnsupportedFieldTypeError{Type: t}
	}
}

func (comp *compiler) maybeCodec(t reflect.Type) (*codec, error) {
	elem, err := comp.fieldCodec(t.Elem(), fieldOptions{fixedLen: -1})
	if err != nil {
		return nil, err
	}
	return &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			if v.IsNil() {
				b.WriteBool(false)
				return nil
			}
			b.WriteBool(true)
			return elem.encode(b, v.Elem())
		},
		decode: func(r *Reader, v reflect.Value) error {
			present, err := r.ReadBool()
			if err != nil {
				return err
			}
			if !present {
				v.Set(reflect.Zero(t))
				return nil
			}
			nv := reflect.New(t.Elem())
			if err := elem.decode(r, nv.Elem()); err != nil {
				return err
			}
			v.Set(nv)
			return nil
		},
	}, nil
}

func (comp *compiler) unionCodec(t reflect.Type, candidates []reflect.Type) (*codec, error) {
	elems := make([]*codec, len(candidates))
	for i, ct := range candidates {
		c, err := comp.fieldCodec(ct, fieldOptions{fixedLen: -1})
		if err != nil {
			return nil, err
		}
		elems[i] = c
	}

	return &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			if v.IsNil() {
				b.WriteByte(0)
				return nil
			}
			dyn := v.Elem()
			for i, ct := range candidates {
				if dyn.Type() == ct {
					b.WriteByte(byte(i + 1))
					return elems[i].encode(b, dyn)
				}
			}
			return fmt.Errorf("%s is not a member of union %s", dyn.Type(), t)
		},
		decode: func(r *Reader, v reflect.Value) error {
			idx, err := r.ReadUint8()
			if err != nil {
				return err
			}
			if idx == 0 {
				v.Set(reflect.Zero(t))
				return nil
			}
			if int(idx) > len(candidates) {
				return fmt.Errorf("union %s has no candidate %d", t, idx)
			}
			nv := reflect.New(candidates[idx-1]).Elem()
			if err := elems[idx-1].decode(r, nv); err != nil {
				return err
			}
			v.Set(nv)
			return nil
		},
	}, nil
}

func (comp *compiler) arrayCodec(t reflect.Type) (*codec, error) {
	n := t.Len()
	if t.Elem().Kind() == reflect.Uint8 {
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				raw := make([]byte, n)
				reflect.Copy(reflect.ValueOf(raw), v)
				b.WriteBytes(raw)
				return nil
			},
			decode: func(r *Reader, v reflect.Value) error {
				raw, err := r.fixed(n)
				if err != nil {
					return err
				}
				reflect.Copy(v, reflect.ValueOf(raw))
				return nil
			},
		}, nil
	}

	elem, err := comp.fieldCodec(t.Elem(), fieldOptions{fixedLen: -1})
	if err != nil {
		return nil, err
	}
	return &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			for i := 0; i < n; i++ {
				if err := elem.encode(b, v.Index(i)); err != nil {
					return fmt.Errorf("[%d]: %w", i, err)
				}
			}
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			for i := 0; i < n; i++ {
				if err := elem.decode(r, v.Index(i)); err != nil {
					return fmt.Errorf("[%d]: %w", i, err)
				}
			}
			return nil
		},
	}, nil
}

func (comp *compiler) sliceCodec(t reflect.Type, opts fieldOptions) (*codec, error) {
	elem, err := comp.fieldCodec(t.Elem(), fieldOptions{fixedLen: -1})
	if err != nil {
		return nil, err
	}

	encodeElems := func(b *PacketBuilder, v reflect.Value) error {
		for i := 0; i < v.Len(); i++ {
			if err := elem.encode(b, v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	}
	decodeN := func(r *Reader, v reflect.Value, n int) error {
		s := reflect.MakeSlice(t, n, n)
		for i := 0; i < n; i++ {
			if err := elem.decode(r, s.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		v.Set(s)
		return nil
	}

	switch {
	case opts.greedy:
		if t.Elem().Size() == 0 {
			return nil, &UnsupportedFieldTypeError{Type: t, Reason: "greedy list elements must occupy wire bytes"}
		}
		return &codec{
			encode: encodeElems,
			decode: func(r *Reader, v reflect.Value) error {
				s := reflect.MakeSlice(t, 0, 0)
				for i := 0; r.Remaining() > 0; i++ {
					ev := reflect.New(t.Elem()).Elem()
					start := r.Pos()
					if err := elem.decode(r, ev); err != nil {
						return fmt.Errorf("[%d]: %w", i, err)
					}
					if r.Pos() == start {
						return fmt.Errorf("[%d]: %s element consumed no bytes", i, t.Elem())
					}
					s = reflect.Append(s, ev)
				}
				v.Set(s)
				return nil
			},
		}, nil
	case opts.fixedLen >= 0:
		n := opts.fixedLen
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				if v.Len() != n {
					return fmt.Errorf("list has %d elements, schema requires %d", v.Len(), n)
				}
				return encodeElems(b, v)
			},
			decode: func(r *Reader, v reflect.Value) error {
				return decodeN(r, v, n)
			},
		}, nil
	default:
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				b.WriteVLQ(uint64(v.Len()))
				return encodeElems(b, v)
			},
			decode: func(r *Reader, v reflect.Value) error {
				n, err := r.ReadLength()
				if err != nil {
					return err
				}
				return decodeN(r, v, n)
			},
		}, nil
	}
}

func bytesCodec(opts fieldOptions) *codec {
	switch {
	case opts.greedy:
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				b.WriteBytes(v.Bytes())
				return nil
			},
			decode: func(r *Reader, v reflect.Value) error {
				v.SetBytes(r.ReadRest())
				return nil
			},
		}
	case opts.fixedLen >= 0:
		n := opts.fixedLen
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				if v.Len() != n {
					return fmt.Errorf("byte block has %d bytes, schema requires %d", v.Len(), n)
				}
				b.WriteBytes(v.Bytes())
				return nil
			},
			decode: func(r *Reader, v reflect.Value) error {
				raw, err := r.Next(n)
				if err != nil {
					return err
				}
				v.SetBytes(raw)
				return nil
			},
		}
	default:
		return &codec{
			encode: func(b *PacketBuilder, v reflect.Value) error {
				b.WriteByteArray(v.Bytes())
				return nil
			},
			decode: func(r *Reader, v reflect.Value) error {
				raw, err := r.ReadByteArray()
				if err != nil {
					return err
				}
				v.SetBytes(raw)
				return nil
			},
		}
	}
}

var (
	boolCodec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteBool(v.Bool())
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadBool()
			v.SetBool(x)
			return err
		},
	}
	uint8Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteByte(byte(v.Uint()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint8()
			v.SetUint(uint64(x))
			return err
		},
	}
	int8Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteByte(byte(int8(v.Int())))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint8()
			v.SetInt(int64(int8(x)))
			return err
		},
	}
	uint16Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteUint16(uint16(v.Uint()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint16()
			v.SetUint(uint64(x))
			return err
		},
	}
	int16Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteInt16(int16(v.Int()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt16()
			v.SetInt(int64(x))
			return err
		},
	}
	uint32Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteUint32(uint32(v.Uint()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadUint32()
			v.SetUint(uint64(x))
			return err
		},
	}
	int32Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteInt32(int32(v.Int()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadInt32()
			v.SetInt(int64(x))
			return err
		},
	}
	uvlqCodec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteVLQ(v.Uint())
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadVLQ()
			v.SetUint(x)
			return err
		},
	}
	svlqCodec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteSignedVLQ(v.Int())
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadSignedVLQ()
			v.SetInt(x)
			return err
		},
	}
	float32Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteFloat32(float32(v.Float()))
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadFloat32()
			v.SetFloat(float64(x))
			return err
		},
	}
	float64Codec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteFloat64(v.Float())
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadFloat64()
			v.SetFloat(x)
			return err
		},
	}
	stringCodec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			b.WriteString(v.String())
			return nil
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadString()
			v.SetString(x)
			return err
		},
	}
	variantCodec = &codec{
		encode: func(b *PacketBuilder, v reflect.Value) error {
			var val variant.Value
			if !v.IsNil() {
				val = v.Interface().(variant.Value)
			}
			return b.WriteVariant(val)
		},
		decode: func(r *Reader, v reflect.Value) error {
			x, err := r.ReadVariant()
			if err != nil {
				return err
			}
			v.Set(reflect.ValueOf(x))
			return nil
		},
	}
)
