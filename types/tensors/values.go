// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FromFlatDataAndDimensions creates a dense tensor with the given dimensions, filled with
// the flattened values given in data. The data is copied.
func FromFlatDataAndDimensions[T dtypes.Supported](rt *Runtime, dev storage.Device, data []T, dimensions ...int) (Tensor, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		return Tensor{}, errors.Errorf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t, err := rt.New(shape, dev)
	if err != nil {
		return Tensor{}, err
	}
	copy(Flat[T](t), data)
	return t, nil
}

// FromScalarAndDimensions creates a dense tensor with the given dimensions filled with value.
func FromScalarAndDimensions[T dtypes.Supported](rt *Runtime, dev storage.Device, value T, dimensions ...int) (Tensor, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	data := make([]T, shape.Size())
	for ii := range data {
		data[ii] = value
	}
	return FromFlatDataAndDimensions(rt, dev, data, dimensions...)
}

// CopyFlatData waits for pending writes and returns a copy of the dense tensor data.
func CopyFlatData[T dtypes.Supported](t Tensor) ([]T, error) {
	if err := t.WaitToRead(); err != nil {
		return nil, err
	}
	return slices.Clone(Flat[T](t)), nil
}

// Float64s waits for pending writes and returns the values converted to float64.
// Row-sparse tensors are returned densified.
func Float64s(t Tensor) ([]float64, error) {
	if t.IsNone() {
		return nil, errors.New("Float64s() on a none tensor")
	}
	if err := t.WaitToRead(); err != nil {
		return nil, err
	}
	if t.stype == shapes.RowSparseStorage {
		dense := make([]float64, t.shape.Size())
		values := ToFloat64s(t)
		rowSize := t.shape.Size() / max(t.shape.Dim(0), 1)
		for ii, row := range t.RowIndices() {
			copy(dense[int(row)*rowSize:], values[ii*rowSize:(ii+1)*rowSize])
		}
		return dense, nil
	}
	return ToFloat64s(t), nil
}

// MutableFlatData waits for pending operations on the tensor and calls accessFn with its data.
// It must not be used concurrently with operations pushed to the engine.
func MutableFlatData[T dtypes.Supported](t Tensor, accessFn func(flat []T)) error {
	if err := t.WaitToRead(); err != nil {
		return err
	}
	accessFn(Flat[T](t))
	return nil
}

type number interface {
	constraints.Integer | constraints.Float
}

func toFloat64s[T number](flat []T) []float64 {
	out := make([]float64, len(flat))
	for ii, v := range flat {
		out[ii] = float64(v)
	}
	return out
}

func storeFloat64s[T number](flat []T, values []float64, accumulate bool) {
	if accumulate {
		for ii, v := range values {
			flat[ii] += T(v)
		}
		return
	}
	for ii, v := range values {
		flat[ii] = T(v)
	}
}

// rawFlat returns the allocated data as []T, including the stored rows of row-sparse tensors.
func rawFlat[T dtypes.Supported](t Tensor) []T {
	data := t.Bytes()
	if len(data) == 0 {
		return nil
	}
	return Flat[T](Tensor{shape: shapes.Make(t.shape.DType, len(data)/int(t.shape.DType.Memory())), dev: t.dev, c: t.c})
}

// ToFloat64s converts the allocated values of the tensor to float64, without synchronization.
// For row-sparse tensors only the stored rows are returned.
// It is meant for kernels.
func ToFloat64s(t Tensor) []float64 {
	switch t.shape.DType {
	case dtypes.Float32:
		return toFloat64s(rawFlat[float32](t))
	case dtypes.Float64:
		return slices.Clone(rawFlat[float64](t))
	case dtypes.Int32:
		return toFloat64s(rawFlat[int32](t))
	case dtypes.Int64:
		return toFloat64s(rawFlat[int64](t))
	case dtypes.Uint8:
		return toFloat64s(rawFlat[uint8](t))
	case dtypes.Float16:
		flat := rawFlat[float16.Float16](t)
		out := make([]float64, len(flat))
		for ii, v := range flat {
			out[ii] = float64(v.Float32())
		}
		return out
	}
	exceptions.Panicf("ToFloat64s: dtype %s not supported", t.shape.DType)
	return nil
}

// StoreFloat64s writes (or, if accumulate, adds) the values into the tensor, converted to its
// dtype, without synchronization. It is meant for kernels.
func StoreFloat64s(t Tensor, values []float64, accumulate bool) {
	switch t.shape.DType {
	case dtypes.Float32:
		storeFloat64s(rawFlat[float32](t), values, accumulate)
	case dtypes.Float64:
		storeFloat64s(rawFlat[float64](t), values, accumulate)
	case dtypes.Int32:
		storeFloat64s(rawFlat[int32](t), values, accumulate)
	case dtypes.Int64:
		storeFloat64s(rawFlat[int64](t), values, accumulate)
	case dtypes.Uint8:
		storeFloat64s(rawFlat[uint8](t), values, accumulate)
	case dtypes.Float16:
		flat := rawFlat[float16.Float16](t)
		for ii, v := range values {
			if accumulate {
				v += float64(flat[ii].Float32())
			}
			flat[ii] = float16.Fromfloat32(float32(v))
		}
	default:
		exceptions.Panicf("StoreFloat64s: dtype %s not supported", t.shape.DType)
	}
}

// CopyTo pushes to the engine a copy of the dense src into dst, allocating dst if needed.
func CopyTo(src, dst Tensor) error {
	if src.IsNone() || dst.IsNone() {
		return errors.New("CopyTo with a none tensor")
	}
	if !src.shape.Equal(dst.shape) {
		return errors.Errorf("CopyTo: shapes differ, %s and %s", src.shape, dst.shape)
	}
	if err := dst.CheckAndAlloc(); err != nil {
		return err
	}
	rt := dst.c.rt
	rt.Engine.PushAsync(func(engine.RunContext) error {
		copy(dst.Bytes(), src.Bytes())
		return nil
	}, dst.dev, []*engine.Var{src.Var()}, []*engine.Var{dst.Var()}, "CopyTo")
	return nil
}

// rowIsZero returns whether all bytes of the row are zero.
func rowIsZero(row []byte) bool {
	for _, b := range row {
		if b != 0 {
			return false
		}
	}
	return true
}

// DenseToRowSparse stores into the row-sparse dst the non-zero rows of the dense src.
// It runs synchronously, and is meant for kernels.
func DenseToRowSparse(src, dst Tensor) error {
	if src.stype != shapes.DefaultStorage || dst.stype != shapes.RowSparseStorage {
		return errors.Errorf("DenseToRowSparse(%s, %s): invalid storage types", src, dst)
	}
	data := src.Bytes()
	rowBytes := src.rowBytes()
	numRows := 0
	if rowBytes > 0 {
		numRows = len(data) / rowBytes
	}
	var rows []int64
	for row := range numRows {
		if !rowIsZero(data[row*rowBytes : (row+1)*rowBytes]) {
			rows = append(rows, int64(row))
		}
	}
	if err := dst.CheckAndAllocRows(len(rows)); err != nil {
		return err
	}
	out := dst.Bytes()
	indices := dst.RowIndices()
	for ii, row := range rows {
		indices[ii] = row
		copy(out[ii*rowBytes:], data[int(row)*rowBytes:(int(row)+1)*rowBytes])
	}
	return nil
}

// RowSparseToDense writes the row-sparse src into the dense dst: rows not stored are zeros.
// It runs synchronously, and is meant for kernels.
func RowSparseToDense(src, dst Tensor) error {
	if src.stype != shapes.RowSparseStorage || dst.stype != shapes.DefaultStorage {
		return errors.Errorf("RowSparseToDense(%s, %s): invalid storage types", src, dst)
	}
	out := dst.Bytes()
	clear(out)
	data := src.Bytes()
	rowBytes := dst.rowBytes()
	for ii, row := range src.RowIndices() {
		copy(out[int(row)*rowBytes:(int(row)+1)*rowBytes], data[ii*rowBytes:(ii+1)*rowBytes])
	}
	return nil
}
