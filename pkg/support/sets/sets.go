// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets holds a generic set over a map. It is used for node and entry id sets.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of comparable keys.
type Set[T comparable] map[T]struct{}

// Make returns an empty set, with room for the optional size hint.
func Make[T comparable](size ...int) Set[T] {
	hint := 0
	if len(size) > 0 {
		hint = size[0]
	}
	return make(Set[T], hint)
}

// Has reports whether key is in the set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert adds the keys to the set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Sorted returns the keys in increasing order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
