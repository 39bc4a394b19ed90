// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// fullyConnectedParams are the parameters of FullyConnected, which computes data · weightᵀ + bias.
// data has shape [batch, ...] and is flattened to [batch, inputDim], weight has shape
// [numHidden, inputDim] and bias [numHidden].
//
// Parameters: "num_hidden" (required) and "no_bias" (default false), in which case there is no
// bias input.
type fullyConnectedParams struct {
	numHidden int
	noBias    bool
}

func init() {
	graph.RegisterOp(&graph.OpDef{
		Name:        "FullyConnected",
		NumInputsFn: func(attrs *graph.NodeAttrs) int { return 3 - boolToInt(fcParams(attrs).noBias) },
		NumOutputs:  1,
		ParseAttrs:  parseFullyConnected,
		InferShape:  inferFullyConnectedShape,
		Compute:     execFullyConnected,
		Gradient:    fullyConnectedGradient,
	})
	graph.RegisterOp(&graph.OpDef{
		Name:         "_backward_FullyConnected",
		NumInputs:    3,
		NumOutputsFn: func(attrs *graph.NodeAttrs) int { return 3 - boolToInt(fcParams(attrs).noBias) },
		ParseAttrs:   parseFullyConnected,
		IsBackward:   true,
		Compute:      execFullyConnectedBackward,
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseFullyConnected(attrs *graph.NodeAttrs) (any, error) {
	numHidden, err := attrs.Int("num_hidden", -1)
	if err != nil {
		return nil, err
	}
	if numHidden <= 0 {
		return nil, errors.Errorf("FullyConnected %q: parameter num_hidden must be set to a positive value", attrs.Name)
	}
	noBias, err := attrs.Bool("no_bias", false)
	if err != nil {
		return nil, err
	}
	return fullyConnectedParams{numHidden: numHidden, noBias: noBias}, nil
}

func fcParams(attrs *graph.NodeAttrs) fullyConnectedParams {
	p, _ := attrs.Parsed.(fullyConnectedParams)
	return p
}

func inferFullyConnectedShape(attrs *graph.NodeAttrs, in, out []shapes.Shape) error {
	p := fcParams(attrs)
	data := in[0]
	if !data.IsKnown() {
		return nil
	}
	if data.Rank() < 1 {
		return errors.Errorf("data must have a batch axis, got shape %s", data)
	}
	batch := data.Dim(0)
	inputDim := 1
	for _, d := range data.Dimensions[1:] {
		inputDim *= d
	}
	in[1] = shapes.Dims(p.numHidden, inputDim)
	if !p.noBias {
		in[2] = shapes.Dims(p.numHidden)
	}
	out[0] = shapes.Dims(batch, p.numHidden)
	return nil
}

func fullyConnectedGradient(n *graph.Node, outGrads []graph.Entry) []graph.Entry {
	return graph.MakeGradNode("_backward_FullyConnected", n, []graph.Entry{outGrads[0], n.Inputs[0], n.Inputs[1]})
}

// matrix views a tensor as a row-major [rows, size/rows] matrix.
type matrix struct {
	rows, cols int
	t          tensors.Tensor
}

func asMatrix(t tensors.Tensor, rows int) matrix {
	return matrix{rows: rows, cols: t.Shape().Size() / max(rows, 1), t: t}
}

func (m matrix) f32() blas32.General {
	return blas32.General{Rows: m.rows, Cols: m.cols, Stride: m.cols, Data: tensors.Flat[float32](m.t)}
}

func (m matrix) f64() blas64.General {
	return blas64.General{Rows: m.rows, Cols: m.cols, Stride: m.cols, Data: tensors.Flat[float64](m.t)}
}

// gemm computes c = alpha·op(a)·op(b) + beta·c.
func gemm(tA, tB blas.Transpose, a, b, c matrix, beta float64) error {
	switch c.t.DType() {
	case dtypes.Float32:
		blas32.Gemm(tA, tB, 1, a.f32(), b.f32(), float32(beta), c.f32())
	case dtypes.Float64:
		blas64.Gemm(tA, tB, 1, a.f64(), b.f64(), beta, c.f64())
	default:
		return errors.Errorf("FullyConnected: dtype %s not supported, only float32 and float64", c.t.DType())
	}
	return nil
}

func betaFor(req graph.OpReq) float64 {
	if req == graph.AddTo {
		return 1
	}
	return 0
}

func execFullyConnected(_ graph.OpContext, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	if reqs[0] == graph.NullOp {
		return nil
	}
	p := fcParams(attrs)
	batch := inputs[0].Shape().Dim(0)
	data, weight, out := asMatrix(inputs[0], batch), asMatrix(inputs[1], p.numHidden), asMatrix(outputs[0], batch)
	if err := gemm(blas.NoTrans, blas.Trans, data, weight, out, betaFor(reqs[0])); err != nil {
		return err
	}
	if p.noBias {
		return nil
	}
	values := tensors.ToFloat64s(outputs[0])
	bias := tensors.ToFloat64s(inputs[2])
	for row := range batch {
		for col, b := range bias {
			values[row*p.numHidden+col] += b
		}
	}
	store(outputs[0], graph.WriteTo, values)
	return nil
}

// execFullyConnectedBackward: inputs are the output gradient, data and weight; outputs are the
// gradients of data, weight and bias.
func execFullyConnectedBackward(_ graph.OpContext, attrs *graph.NodeAttrs, inputs []tensors.Tensor, reqs []graph.OpReq, outputs []tensors.Tensor) error {
	p := fcParams(attrs)
	batch := inputs[1].Shape().Dim(0)
	grad, data, weight := asMatrix(inputs[0], batch), asMatrix(inputs[1], batch), asMatrix(inputs[2], p.numHidden)
	if reqs[0] != graph.NullOp {
		if err := gemm(blas.NoTrans, blas.NoTrans, grad, weight, asMatrix(outputs[0], batch), betaFor(reqs[0])); err != nil {
			return err
		}
	}
	if reqs[1] != graph.NullOp {
		if err := gemm(blas.Trans, blas.NoTrans, grad, data, asMatrix(outputs[1], p.numHidden), betaFor(reqs[1])); err != nil {
			return err
		}
	}
	if !p.noBias && reqs[2] != graph.NullOp {
		g := tensors.ToFloat64s(inputs[0])
		biasGrad := make([]float64, p.numHidden)
		for row := range batch {
			for col := range biasGrad {
				biasGrad[col] += g[row*p.numHidden+col]
			}
		}
		store(outputs[2], reqs[2], biasGrad)
	}
	return nil
}
