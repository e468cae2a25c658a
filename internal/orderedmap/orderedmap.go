// Package orderedmap provides a map that iterates over its elements in
// insertion order.
package orderedmap

// Map is a map whose elements are iterated in the order they were added.
// Elements can not be removed.
// Map is not safe for concurrent writes.
type Map[K comparable, V any] struct {
	keys []K
	m    map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: map[K]V{}}
}

// Add adds val under key. If key already exists, the map is not changed
// and false is returned.
func (m *Map[K, V]) Add(key K, val V) bool {
	if _, exist := m.m[key]; exist {
		return false
	}

	m.keys = append(m.keys, key)
	m.m[key] = val

	return true
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, exist := m.m[key]
	return v, exist
}

func (m *Map[K, V]) Len() int {
	return len(m.keys)
}

// Foreach calls fn for every element in insertion order.
// When fn returns false the iteration is aborted.
func (m *Map[K, V]) Foreach(fn func(K, V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.m[k]) {
			return
		}
	}
}

// Values returns the values in insertion order.
func (m *Map[K, V]) Values() []V {
	result := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		result = append(result, m.m[k])
	}

	return result
}
