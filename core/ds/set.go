// Package ds provides small generic data structures used by the event store internals.
package ds

import (
	"cmp"
	"slices"
)

type StringSet = Set[string]

// Set is an ordered set with O(1) membership testing that remembers insertion
// order. The in-memory provider uses it as its aggregation and stream index,
// where adding an existing member must be a no-op.
type Set[T cmp.Ordered] struct {
	items map[T]struct{}
	order []T
}

// Add adds v to the set and reports whether it was not present before.
func (s *Set[T]) Add(v T) bool {
	if s.Contains(v) {
		return false
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

// Remove removes the given values from the set. O(n).
func (s *Set[T]) Remove(vs ...T) {
	removed := 0
	for _, v := range vs {
		if _, ok := s.items[v]; ok {
			delete(s.items, v)
			removed++
		}
	}
	if removed == 0 {
		return
	}
	s.order = slices.DeleteFunc(s.order, func(v T) bool {
		_, ok := s.items[v]
		return !ok
	})
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T {
	return slices.Clone(s.order)
}

// Sorted returns a copy of the elements in ascending order.
func (s *Set[T]) Sorted() []T {
	out := s.Values()
	slices.Sort(out)
	return out
}

func NewSet[T cmp.Ordered](items ...T) *Set[T] {
	set := &Set[T]{items: map[T]struct{}{}, order: make([]T, 0, len(items))}
	for _, item := range items {
		set.Add(item)
	}
	return set
}

func NewStringSet(items ...string) *StringSet {
	return NewSet(items...)
}
