// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
)

// cast_storage converts its input to the storage type given by the "stype" parameter
// ("default" or "row_sparse"). The gradient flows unchanged.
func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:             "cast_storage",
		NumInputs:        1,
		NumOutputs:       1,
		ParseAttrs:       parseCastStorage,
		InferStorageType: inferCastStorage,
		Compute:          execCopy,
		ComputeEx:        execCastStorage,
		Gradient:         passGradient,
	})
}

func parseCastStorage(attrs *graph.NodeAttrs) (any, error) {
	value, found := attrs.Get("stype")
	if !found {
		return nil, errors.Errorf("cast_storage %q: parameter stype is required", attrs.Name)
	}
	return shapes.ParseStorageType(value)
}

func inferCastStorage(attrs *graph.NodeAttrs, _ storage.Device, dispatch *graph.DispatchMode, in, out []shapes.StorageType) error {
	target := attrs.Parsed.(shapes.StorageType)
	out[0] = target
	if in[0] == shapes.UndefinedStorage {
		return nil
	}
	if in[0] == shapes.DefaultStorage && target == shapes.DefaultStorage {
		*dispatch = graph.DispatchFCompute
	} else {
		*dispatch = graph.DispatchFComputeEx
	}
	return nil
}

func execCastStorage(ctx graph.OpContext, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	src, dst := inputs[0], outputs[0]
	if reqs[0] == graph.AddTo {
		return errors.Errorf("cast_storage %q: accumulating into a %s output is not supported", attrs.Name, dst.StorageType())
	}
	switch {
	case src.StorageType() == shapes.DefaultStorage && dst.StorageType() == shapes.RowSparseStorage:
		return tensors.DenseToRowSparse(src, dst)
	case src.StorageType() == shapes.RowSparseStorage && dst.StorageType() == shapes.DefaultStorage:
		if err := dst.CheckAndAlloc(); err != nil {
			return err
		}
		return tensors.RowSparseToDense(src, dst)
	case src.StorageType() == dst.StorageType() && src.StorageType() == shapes.RowSparseStorage:
		if err := dst.CheckAndAllocRows(src.NumStoredRows()); err != nil {
			return err
		}
		copy(dst.RowIndices(), src.RowIndices())
		copy(dst.Bytes(), src.Bytes())
		return nil
	case src.StorageType() == shapes.DefaultStorage && dst.StorageType() == shapes.DefaultStorage:
		return execCopy(ctx, attrs, inputs, reqs, outputs)
	}
	return errors.Errorf("cast_storage %q: conversion from %s to %s not supported", attrs.Name, src.StorageType(), dst.StorageType())
}
