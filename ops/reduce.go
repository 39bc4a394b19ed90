// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
)

func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:       "sum",
		NumInputs:  1,
		NumOutputs: 1,
		InferShape: func(_ *graph.NodeAttrs, _, out []shapes.Shape) error {
			out[0] = shapes.Dims()
			return nil
		},
		Compute: execSum,
		Gradient: func(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
			return graph.MakeGradNode("_backward_sum", n, outGrads)
		},
	})
	// _backward_sum broadcasts the scalar gradient to the shape of the input of sum, which it
	// takes from the forward node.
	graph.RegisterOp(&graph.OpDef{
		Name:       "_backward_sum",
		NumInputs:  1,
		NumOutputs: 1,
		IsBackward: true,
		Compute:    execSumBackward,
	})
}

func execSum(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	var total float64
	for _, v := range tensors.ToFloat64s(inputs[0]) {
		total += v
	}
	store(outputs[0], reqs[0], []float64{total})
	return nil
}

func execSumBackward(_ graph.OpContext, _ *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	grad := tensors.ToFloat64s(inputs[0])
	if len(grad) != 1 {
		return errors.Errorf("_backward_sum: expected a scalar gradient, got %s", inputs[0].Shape())
	}
	values := make([]float64, outputs[0].Shape().Size())
	for ii := range values {
		values[ii] = grad[0]
	}
	store(outputs[0], reqs[0], values)
	return nil
}
