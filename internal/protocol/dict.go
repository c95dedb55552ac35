package protocol

// Entry is one key/value pair of a Dict.
type Entry[K comparable, V any] struct {
	Key   K `wire:"0"`
	Value V `wire:"1"`
}

// Dict is an ordered dictionary. On the wire it is a VLQ count followed by
// that many key/value pairs; decoding keeps the wire order.
type Dict[K comparable, V any] []Entry[K, V]

type dictionary interface {
	isDict()
}

func (Dict[K, V]) isDict() {}

// Get returns the value stored under key.
func (d Dict[K, V]) Get(key K) (V, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	var zero V
	return zero, false
}

// Set replaces the value under key, or appends a new entry.
func (d *Dict[K, V]) Set(key K, value V) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = value
			return
		}
	}
	*d = append(*d, Entry[K, V]{Key: key, Value: value})
}

// Delete removes key, keeping the order of the remaining entries.
func (d *Dict[K, V]) Delete(key K) {
	for i := range *d {
		if (*d)[i].Key == key {
			*d = append((*d)[:i], (*d)[i+1:]...)
			return
		}
	}
}

// Keys returns the keys in order.
func (d Dict[K, V]) Keys() []K {
	keys := make([]K, len(d))
	for i, e := range d {
		keys[i] = e.Key
	}
	return keys
}
