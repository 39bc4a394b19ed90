// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
)

// MovingAverage returns its first input unchanged and, when training, updates its second input
// (an auxiliary state of the same shape) in place:
//
//	average = momentum·average + (1-momentum)·data
//
// The auxiliary input gets no gradient.
func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:         "MovingAverage",
		NumInputs:    2,
		NumOutputs:   1,
		ParseAttrs:   parseMovingAverage,
		MutateInputs: func(*graph.NodeAttrs) []int { return []int{1} },
		Compute:      execMovingAverage,
		Gradient: func(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
			return []graph.Entry{outGrads[0], graph.NoGradient()}
		},
	})
}

func parseMovingAverage(attrs *graph.NodeAttrs) (any, error) {
	momentum, err := attrs.Float("momentum", 0.9)
	if err != nil {
		return nil, err
	}
	if momentum < 0 || momentum > 1 {
		return nil, errors.Errorf("MovingAverage %q: momentum must be in [0, 1], got %g", attrs.Name, momentum)
	}
	return momentum, nil
}

func execMovingAverage(ctx graph.OpContext, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if err := checkSameSize("MovingAverage", inputs...); err != nil {
		return err
	}
	data := tensors.ToFloat64s(inputs[0])
	if ctx.IsTrain {
		momentum := attrs.Parsed.(float64)
		average := tensors.ToFloat64s(inputs[1])
		for ii, v := range data {
			average[ii] = momentum*average[ii] + (1-momentum)*v
		}
		tensors.StoreFloat64s(inputs[1], average, false)
	}
	store(outputs[0], reqs[0], data)
	return nil
}
