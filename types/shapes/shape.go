// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape and StorageType, the per-entry attributes tracked by the
// graph inference passes and carried by tensors.
//
// A Shape may be only partially known during inference: a Shape with nil Dimensions has an
// unknown rank, and a dimension set to UnknownDim is unknown. DType uses the
// github.com/gomlx/gopjrt/dtypes enumeration, where dtypes.InvalidDType means "unknown".
//
// Example: the multi-dimensional array `[][]float32{{0, 1, 2}, {3, 4, 5}}` has shape
// `(Float32)[2 3]`, created with `shapes.Make(dtypes.Float32, 2, 3)`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// UnknownDim marks a dimension that is not yet known.
const UnknownDim = -1

// Shape represents the shape of either a Tensor or the expected shape
// of the value of a graph entry.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// A scalar has a non-nil empty Dimensions slice.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dimensions))}
	copy(s.Dimensions, dimensions)
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Dims returns a Shape with only the dimensions set, used by shape inference where the
// DType is tracked separately.
func Dims(dimensions ...int) Shape {
	return Shape{DType: dtypes.InvalidDType, Dimensions: append([]int{}, dimensions...)}
}

// Unknown returns a shape whose rank is not known.
func Unknown() Shape {
	return Shape{}
}

// IsKnown returns whether the rank and all dimensions are known.
func (s Shape) IsKnown() bool {
	if s.Dimensions == nil {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Ok returns whether the shape is fully known, including its DType.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType && s.IsKnown() }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is known to have rank 0.
func (s Shape) IsScalar() bool { return s.Dimensions != nil && len(s.Dimensions) == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by anything that carries a Shape.
type HasShape interface {
	Shape() Shape
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Dimensions == nil {
		return fmt.Sprintf("(%s)[?]", s.DType)
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
// It returns -1 if the shape is not known.
func (s Shape) Size() (size int) {
	if !s.IsKnown() {
		return -1
	}
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
// It returns 0 if either the dimensions or the dtype are not known.
func (s Shape) Memory() uintptr {
	if !s.Ok() {
		return 0
	}
	return s.DType.Memory() * uintptr(s.Size())
}

// WithDType returns a copy of the shape with the given dtype.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
// A shape of unknown rank only equals another shape of unknown rank.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if (s.Dimensions == nil) != (s2.Dimensions == nil) {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	if s.Dimensions != nil {
		s2.Dimensions = make([]int, len(s.Dimensions))
		copy(s2.Dimensions, s.Dimensions)
	}
	return
}

// Merge combines the knowledge of two shapes of the same entry: unknown parts of one are filled
// with the other. It returns false if they conflict.
func Merge(s1, s2 Shape) (Shape, bool) {
	if s1.Dimensions == nil {
		return s2.Clone(), true
	}
	if s2.Dimensions == nil {
		return s1.Clone(), true
	}
	if len(s1.Dimensions) != len(s2.Dimensions) {
		return s1, false
	}
	merged := s1.Clone()
	for axis, dim := range s2.Dimensions {
		switch {
		case dim < 0:
		case merged.Dimensions[axis] < 0:
			merged.Dimensions[axis] = dim
		case merged.Dimensions[axis] != dim:
			return s1, false
		}
	}
	return merged, true
}
