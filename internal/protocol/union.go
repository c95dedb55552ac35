package protocol

import (
	"fmt"
	"reflect"
	"sync"
)

// unions maps a union interface type to its ordered candidate types.
// The wire index of a candidate is its position plus one; zero means no value.
var unions sync.Map

// RegisterUnion declares the closed set of concrete types an interface-typed
// field may hold, in wire-index order. It panics on misuse and is meant to be
// called from init functions, before any codec using I is built.
func RegisterUnion[I any](candidates ...I) {
	iface := reflect.TypeOf((*I)(nil)).Elem()
	if iface.Kind() != reflect.Interface {
		panic(fmt.Sprintf("protocol: union type %s is not an interface", iface))
	}
	if len(candidates) == 0 || len(candidates) > 255 {
		panic(fmt.Sprintf("protocol: union %s needs 1-255 candidates, got %d", iface, len(candidates)))
	}

	types := make([]reflect.Type, len(candidates))
	seen := make(map[reflect.Type]bool, len(candidates))
	for i, c := range candidates {
		t := reflect.TypeOf(c)
		if t == nil {
			panic(fmt.Sprintf("protocol: union %s candidate %d is nil", iface, i))
		}
		if seen[t] {
			panic(fmt.Sprintf("protocol: union %s lists %s twice", iface, t))
		}
		seen[t] = true
		types[i] = t
	}

	if _, loaded := unions.LoadOrStore(iface, types); loaded {
		panic(fmt.Sprintf("protocol: union %s registered twice", iface))
	}
}

func lookupUnion(t reflect.Type) ([]reflect.Type, bool) {
	v, ok := unions.Load(t)
	if !ok {
		return nil, false
	}
	return v.([]reflect.Type), true
}

// UnionIndex returns the wire index of v within union I: 0 for nil,
// candidate position plus one otherwise, -1 when v is not a member.
func UnionIndex[I any](v I) int {
	rv := reflect.ValueOf(&v).Elem()
	if rv.IsNil() {
		return 0
	}
	types, ok := lookupUnion(reflect.TypeOf((*I)(nil)).Elem())
	if !ok {
		return -1
	}
	dyn := rv.Elem().Type()
	for i, t := range types {
		if t == dyn {
			return i + 1
		}
	}
	return -1
}
