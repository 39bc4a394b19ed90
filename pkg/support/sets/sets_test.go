// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	var empty Set[int]
	assert.False(t, empty.Has(0))

	s := Make[int](4)
	assert.Empty(t, s)
	s.Insert(7, 3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(5))
	assert.Equal(t, []int{3, 7}, Sorted(s))
}
