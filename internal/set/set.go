// Package set provides a generic set datastructure.
package set

import "sort"

type Set[T comparable] map[T]struct{}

func From[T comparable](sl []T) Set[T] {
	result := make(Set[T], len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s Set[T]) Contains(v T) bool {
	_, exist := s[v]
	return exist
}

func (s Set[T]) Slice() []T {
	res := make([]T, 0, len(s))

	for k := range s {
		res = append(res, k)
	}

	return res
}

// Sorted returns the elements of a string set in ascending order.
func Sorted(s Set[string]) []string {
	res := s.Slice()
	sort.Strings(res)
	return res
}
