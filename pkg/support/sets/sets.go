// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implement a set type as a `map[T]struct{}` but with better ergonomics, and an
// insertion-ordered variant for sets whose iteration order matters.
package sets

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set[T] with the given elements inserted.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Ordered is a set that remembers insertion order.
//
// The zero value is ready to use.
type Ordered[T comparable] struct {
	index map[T]int
	items []T
}

// MakeOrdered returns an Ordered set with the given elements, duplicates dropped.
func MakeOrdered[T comparable](elements ...T) *Ordered[T] {
	o := &Ordered[T]{}
	for _, e := range elements {
		o.Insert(e)
	}
	return o
}

// Insert appends key if it is not yet present. It returns whether it was inserted.
func (o *Ordered[T]) Insert(key T) bool {
	if o.index == nil {
		o.index = make(map[T]int)
	}
	if _, found := o.index[key]; found {
		return false
	}
	o.index[key] = len(o.items)
	o.items = append(o.items, key)
	return true
}

// Has returns whether key is in the set.
func (o *Ordered[T]) Has(key T) bool {
	if o == nil {
		return false
	}
	_, found := o.index[key]
	return found
}

// Len returns the number of elements.
func (o *Ordered[T]) Len() int {
	if o == nil {
		return 0
	}
	return len(o.items)
}

// Items returns the elements in insertion order. The returned slice must not be modified.
func (o *Ordered[T]) Items() []T {
	if o == nil {
		return nil
	}
	return o.items
}
