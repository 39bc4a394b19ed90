// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops registers the operators the executor knows how to run, with their CPU kernels,
// gradient rules and inference rules.
//
// Operators are registered in init functions, so users only need to import the package:
//
//	import _ "github.com/gomlx/cachedop/ops"
//
// Kernels honor the write requests: NullOp outputs are left untouched (and may be none),
// AddTo outputs are accumulated into, and WriteTo/WriteInplace outputs are overwritten. In-place
// outputs may share memory with the inputs listed by the operator's InplaceOption, so kernels read
// an element before writing the corresponding output element.
package ops

import (
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
)

// Names of operators referenced by the executor.
const (
	CopyOpName      = "_copy"
	ZerosLikeOpName = "zeros_like"
	AddNOpName      = "add_n"
)

// inplaceIdentity allows output 0 to reuse the memory of input 0.
func inplaceIdentity(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}} }

// store writes values to out honoring req.
func store(out tensors.Tensor, req graph.OpReq, values []float64) {
	if req == graph.NullOp || out.IsNone() {
		return
	}
	tensors.StoreFloat64s(out, values, req == graph.AddTo)
}

// numArgs parses the "num_args" parameter of variadic operators.
func numArgs(attrs *graph.NodeAttrs) int {
	n, err := attrs.Int("num_args", 1)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func parseNumArgs(attrs *graph.NodeAttrs) (any, error) {
	n, err := attrs.Int("num_args", 1)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, errors.Errorf("node %q: num_args must be at least 1, got %d", attrs.Name, n)
	}
	return n, nil
}

// passGradient is the gradient of operators whose output gradient flows unchanged to all inputs.
func passGradient(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
	grads := make([]graph.Entry, len(n.Inputs))
	for ii := range grads {
		grads[ii] = outGrads[0]
	}
	return grads
}

// noGradient is the gradient of operators that block the gradient flow.
func noGradient(n *graph.Node, _ []graph.Entry) []graph.Entry {
	grads := make([]graph.Entry, len(n.Inputs))
	for ii := range grads {
		grads[ii] = graph.NoGradient()
	}
	return grads
}
