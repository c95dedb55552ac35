// Package variant implements the dynamic value format embedded in game
// documents: a tagged union of null, double, bool, unsigned integer, string,
// array and ordered string-keyed map.
package variant

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Kind is the wire tag of a value.
type Kind byte

const (
	KindNull   Kind = 1
	KindFloat  Kind = 2
	KindBool   Kind = 3
	KindUint   Kind = 4
	KindString Kind = 5
	KindArray  Kind = 6
	KindMap    Kind = 7
)

var kindNames = map[Kind]string{
	KindNull:   "null",
	KindFloat:  "float",
	KindBool:   "bool",
	KindUint:   "uint",
	KindString: "string",
	KindArray:  "array",
	KindMap:    "map",
}

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// MaxDepth bounds array/map nesting accepted from the wire.
const MaxDepth = 64

var (
	// ErrUnrepresentableValue is returned when a value has no wire form.
	ErrUnrepresentableValue = errors.New("variant: unrepresentable value")
	// ErrNestingTooDeep is returned for input nested deeper than MaxDepth.
	ErrNestingTooDeep = errors.New("variant: nesting too deep")
)

// UnknownTagError is returned when a tag byte outside 1..7 is read.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("variant: unknown tag %d", e.Tag)
}

// Value is a dynamic value. A nil Value is treated as Null.
type Value interface {
	Kind() Kind
}

type (
	Null   struct{}
	Float  float64
	Bool   bool
	Uint   uint64
	String string
	Array  []Value
	Map    []MapEntry
)

// MapEntry is one key/value pair of a Map. Maps keep insertion order.
type MapEntry struct {
	Key   string
	Value Value
}

func (Null) Kind() Kind   { return KindNull }
func (Float) Kind() Kind  { return KindFloat }
func (Bool) Kind() Kind   { return KindBool }
func (Uint) Kind() Kind   { return KindUint }
func (String) Kind() Kind { return KindString }
func (Array) Kind() Kind  { return KindArray }
func (Map) Kind() Kind    { return KindMap }

// Get returns the value stored under key.
func (m Map) Get(key string) (Value, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key, or appends a new entry.
func (m *Map) Set(key string, v Value) {
	for i := range *m {
		if (*m)[i].Key == key {
			(*m)[i].Value = v
			return
		}
	}
	*m = append(*m, MapEntry{Key: key, Value: v})
}

// Keys returns the keys in insertion order.
func (m Map) Keys() []string {
	keys := make([]string, len(m))
	for i, e := range m {
		keys[i] = e.Key
	}
	return keys
}

func normalize(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}

// Equal reports structural equality. Arrays compare element-wise in order;
// maps compare by key set and per-key values regardless of order.
func Equal(a, b Value) bool {
	a, b = normalize(a), normalize(b)
	if a.Kind() != b.Kind() {
		return false
	}

	switch av := a.(type) {
	case Null:
		return true
	case Float:
		bv := b.(Float)
		return av == bv || (math.IsNaN(float64(av)) && math.IsNaN(float64(bv)))
	case Bool:
		return av == b.(Bool)
	case Uint:
		return av == b.(Uint)
	case String:
		return av == b.(String)
	case Array:
		bv := b.(Array)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Map:
		bv := b.(Map)
		return len(av) == len(bv) && mapContains(av, bv) && mapContains(bv, av)
	default:
		return false
	}
}

// mapContains reports whether every entry of x has an entry in y with the
// same key and an equal value. Duplicate keys are compared entry by entry.
func mapContains(x, y Map) bool {
	for _, e := range x {
		found := false
		for _, f := range y {
			if f.Key == e.Key && Equal(e.Value, f.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FromInterface converts plain Go values (as produced by encoding/json or
// built by hand) into a Value. Map keys are sorted to make the result
// deterministic.
func FromInterface(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case float64:
		return Float(v), nil
	case float32:
		return Float(v), nil
	case int:
		if v < 0 {
			return Float(v), nil
		}
		return Uint(v), nil
	case int64:
		if v < 0 {
			return Float(v), nil
		}
		return Uint(v), nil
	case uint:
		return Uint(v), nil
	case uint32:
		return Uint(v), nil
	case uint64:
		return Uint(v), nil
	case string:
		return String(v), nil
	case []any:
		arr := make(Array, 0, len(v))
		for _, item := range v {
			iv, err := FromInterface(item)
			if err != nil {
				return nil, err
			}
			arr = append(arr, iv)
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(Map, 0, len(v))
		for _, k := range keys {
			iv, err := FromInterface(v[k])
			if err != nil {
				return nil, err
			}
			m = append(m, MapEntry{Key: k, Value: iv})
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnrepresentableValue, x)
	}
}

// ToInterface converts a Value into plain Go values suitable for JSON output.
// Map order is lost.
func ToInterface(v Value) any {
	switch tv := normalize(v).(type) {
	case Null:
		return nil
	case Float:
		return float64(tv)
	case Bool:
		return bool(tv)
	case Uint:
		return uint64(tv)
	case String:
		return string(tv)
	case Array:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = ToInterface(item)
		}
		return out
	case Map:
		out := make(map[string]any, len(tv))
		for _, e := range tv {
			out[e.Key] = ToInterface(e.Value)
		}
		return out
	default:
		return nil
	}
}
