// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math/rand/v2"
	"sync"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Dropout zeroes each element with probability "p" (default 0.5) during training, and scales the
// others by 1/(1-p). Outside training it is the identity.
//
// It is stateful: the state holds the random generator (seeded with the "seed" parameter) and the
// mask of the last forward run, used by _backward_Dropout.
func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:            "Dropout",
		NumInputs:       1,
		NumOutputs:      1,
		ParseAttrs:      parseDropout,
		CreateState:     newDropoutState,
		StatefulCompute: execDropout,
		Gradient: func(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
			return graph.MakeGradNode("_backward_Dropout", n, outGrads)
		},
	})
	graph.RegisterOp(&graph.OpDef{
		Name:            "_backward_Dropout",
		NumInputs:       1,
		NumOutputs:      1,
		ParseAttrs:      parseDropout,
		IsBackward:      true,
		IsLayerBackward: true,
		InplaceOption:   inplaceIdentity,
		StatefulCompute: execDropoutBackward,
	})
}

type dropoutParams struct {
	p    float64
	seed uint64
}

func parseDropout(attrs *graph.NodeAttrs) (any, error) {
	p, err := attrs.Float("p", 0.5)
	if err != nil {
		return nil, err
	}
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("Dropout %q: p must be in [0, 1), got %g", attrs.Name, p)
	}
	seed, err := attrs.Int("seed", 0)
	if err != nil {
		return nil, err
	}
	return dropoutParams{p: p, seed: uint64(seed)}, nil
}

// DropoutState is the state of a Dropout node.
type DropoutState struct {
	mu   sync.Mutex
	rng  *rand.Rand
	mask []float64
}

// Mask returns a copy of the scaling mask of the last forward run.
func (s *DropoutState) Mask() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.mask...)
}

func newDropoutState(attrs *graph.NodeAttrs, _ storage.Device, _ []shapes.Shape, inTypes []dtypes.DType) (any, error) {
	if len(inTypes) > 0 && !inTypes[0].IsFloat() {
		return nil, errors.Errorf("Dropout %q: input must be a float, got %s", attrs.Name, inTypes[0])
	}
	params := attrs.Parsed.(dropoutParams)
	return &DropoutState{rng: rand.New(rand.NewPCG(params.seed, params.seed^0x9e3779b97f4a7c15))}, nil
}

func execDropout(ctx graph.OpContext, state any, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	s := state.(*DropoutState)
	params := attrs.Parsed.(dropoutParams)
	values := tensors.ToFloat64s(inputs[0])
	s.mu.Lock()
	s.mask = s.mask[:0]
	for ii := range values {
		scale := 1.0
		if ctx.IsTrain {
			if s.rng.Float64() < params.p {
				scale = 0
			} else {
				scale = 1 / (1 - params.p)
			}
		}
		s.mask = append(s.mask, scale)
		values[ii] *= scale
	}
	s.mu.Unlock()
	store(outputs[0], reqs[0], values)
	return nil
}

func execDropoutBackward(_ graph.OpContext, state any, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	s := state.(*DropoutState)
	grad := tensors.ToFloat64s(inputs[0])
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mask) != len(grad) {
		return errors.Errorf("_backward_Dropout %q: the forward mask has %d elements, the gradient %d", attrs.Name, len(s.mask), len(grad))
	}
	for ii, scale := range s.mask {
		grad[ii] *= scale
	}
	store(outputs[0], reqs[0], grad)
	return nil
}
