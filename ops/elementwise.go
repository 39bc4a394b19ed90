// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:          "relu",
		NumInputs:     1,
		NumOutputs:    1,
		InplaceOption: inplaceIdentity,
		Compute:       execRelu,
		Gradient: func(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
			return graph.MakeGradNode("_backward_relu", n, []graph.Entry{outGrads[0], n.Output(0)})
		},
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          "_backward_relu",
		NumInputs:     2,
		NumOutputs:    1,
		IsBackward:    true,
		InplaceOption: inplaceIdentity,
		Compute:       execReluBackward,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          "elemwise_add",
		NumInputs:     2,
		NumOutputs:    1,
		InplaceOption: func(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}, {1, 0}} },
		Compute:       execAdd,
		Gradient:      passGradient,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          "elemwise_mul",
		NumInputs:     2,
		NumOutputs:    1,
		InplaceOption: func(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}, {1, 0}} },
		Compute:       execMul,
		Gradient: func(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
			return graph.MakeGradNode("_backward_mul", n, []graph.Entry{outGrads[0], n.Inputs[0], n.Inputs[1]})
		},
	})
	graph.RegisterOp(&graph.OpDef{
		Name:       "_backward_mul",
		NumInputs:  3,
		NumOutputs: 2,
		IsBackward: true,
		Compute:    execMulBackward,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          AddNOpName,
		NumOutputs:    1,
		IsAggregate:   true,
		NumInputsFn:   numArgs,
		ParseAttrs:    parseNumArgs,
		InplaceOption: inplaceIdentity,
		Compute:       execAddN,
		Gradient:      passGradient,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          CopyOpName,
		NumInputs:     1,
		NumOutputs:    1,
		InplaceOption: inplaceIdentity,
		Compute:       execCopy,
		Gradient:      passGradient,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:          "BlockGrad",
		NumInputs:     1,
		NumOutputs:    1,
		InplaceOption: inplaceIdentity,
		Compute:       execCopy,
		Gradient:      noGradient,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:       ZerosLikeOpName,
		NumInputs:  1,
		NumOutputs: 1,
		Compute:    execZerosLike,
		Gradient:   noGradient,
	})
}

type float interface {
	constraints.Float
}

func execRelu(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	switch inputs[0].DType() {
	case dtypes.Float32:
		execReluGeneric(tensors.Flat[float32](inputs[0]), tensors.Flat[float32](outputs[0]), reqs[0])
	case dtypes.Float64:
		execReluGeneric(tensors.Flat[float64](inputs[0]), tensors.Flat[float64](outputs[0]), reqs[0])
	default:
		values := tensors.ToFloat64s(inputs[0])
		for ii, v := range values {
			values[ii] = max(v, 0)
		}
		store(outputs[0], reqs[0], values)
	}
	return nil
}

func execReluGeneric[T float](inputs, outputs []T, req graph.OpReq) {
	if req == graph.AddTo {
		for ii, v := range inputs {
			outputs[ii] += max(v, 0)
		}
		return
	}
	for ii, v := range inputs {
		outputs[ii] = max(v, 0)
	}
}

// execReluBackward: inputs are the output gradient and the relu output.
func execReluBackward(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	grad := tensors.ToFloat64s(inputs[0])
	out := tensors.ToFloat64s(inputs[1])
	for ii := range grad {
		if out[ii] <= 0 {
			grad[ii] = 0
		}
	}
	store(outputs[0], reqs[0], grad)
	return nil
}

// checkSameSize returns an error if the tensors don't all have the same number of elements.
func checkSameSize(opName string, ts ...tensors.Tensor) error {
	for _, t := range ts[1:] {
		if t.Shape().Size() != ts[0].Shape().Size() {
			return errors.Errorf("%s: incompatible shapes %s and %s", opName, ts[0].Shape(), t.Shape())
		}
	}
	return nil
}

func execAdd(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if err := checkSameSize("elemwise_add", inputs...); err != nil {
		return err
	}
	a, b := tensors.ToFloat64s(inputs[0]), tensors.ToFloat64s(inputs[1])
	for ii := range a {
		a[ii] += b[ii]
	}
	store(outputs[0], reqs[0], a)
	return nil
}

func execMul(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if err := checkSameSize("elemwise_mul", inputs...); err != nil {
		return err
	}
	a, b := tensors.ToFloat64s(inputs[0]), tensors.ToFloat64s(inputs[1])
	for ii := range a {
		a[ii] *= b[ii]
	}
	store(outputs[0], reqs[0], a)
	return nil
}

// execMulBackward: inputs are the output gradient, a and b; outputs are the gradients of a and b.
func execMulBackward(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	grad := tensors.ToFloat64s(inputs[0])
	for ii, other := range []tensors.Tensor{inputs[2], inputs[1]} {
		if reqs[ii] == graph.NullOp {
			continue
		}
		values := tensors.ToFloat64s(other)
		for jj := range values {
			values[jj] *= grad[jj]
		}
		store(outputs[ii], reqs[ii], values)
	}
	return nil
}

func execAddN(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if err := checkSameSize(AddNOpName, inputs...); err != nil {
		return err
	}
	sum := tensors.ToFloat64s(inputs[0])
	for _, input := range inputs[1:] {
		for ii, v := range tensors.ToFloat64s(input) {
			sum[ii] += v
		}
	}
	store(outputs[0], reqs[0], sum)
	return nil
}

func execCopy(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	switch reqs[0] {
	case graph.NullOp:
	case graph.AddTo:
		store(outputs[0], reqs[0], tensors.ToFloat64s(inputs[0]))
	default:
		if !inputs[0].SharesChunk(outputs[0]) {
			copy(outputs[0].Bytes(), inputs[0].Bytes())
		}
	}
	return nil
}

func execZerosLike(_ graph.OpContext, _ *graph.NodeAttrs, _ []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.WriteTo || reqs[0] == graph.WriteInplace {
		clear(outputs[0].Bytes())
	}
	return nil
}
