// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// This file implements reverse-mode differentiation as a graph-to-graph transformation.
//
// Conventions:
//
// * ys: the entries being differentiated, with their incoming gradients ysOutGrads (the "V" of
//   the vector-Jacobian product).
// * xs: the entries with respect to which gradients are requested.
// * useful nodes: nodes on a path from some x to some y. Gradients are only propagated through them.
// * terms: gradients arriving at an entry from each of its consumers. They are combined with the
//   aggregate function once all consumers were processed, which the reverse topological order
//   guarantees.

// AggregateFn combines the gradient terms arriving at one entry. It panics on errors.
type AggregateFn func(terms []Entry) Entry

// NewSumAggregator returns an AggregateFn that sums the terms with sumOp (an operator taking
// a "num_args" parameter), ignoring the terms produced by any of zeroOps.
func NewSumAggregator(sumOp *OpDef, zeroOps ...*OpDef) AggregateFn {
	return func(terms []Entry) Entry {
		nonZero := slices.DeleteFunc(slices.Clone(terms), func(e Entry) bool {
			return !e.Node.IsVariable() && slices.Contains(zeroOps, e.Node.Attrs.Op)
		})
		switch len(nonZero) {
		case 0:
			return terms[0]
		case 1:
			return nonZero[0]
		}
		return Apply(sumOp.Name, nonZero[0].Node.Attrs.Name+"_sum_grad", nonZero,
			"num_args", strconv.Itoa(len(nonZero)))
	}
}

// Gradient returns the graph computing the gradients of ys with respect to xs, given the
// gradients ysOutGrads of ys.
//
// The returned graph has exactly one output per element of xs, in the same order:
//   - terms are combined with aggregate;
//   - missing gradients (for outputs of multi-output nodes, or xs not reached) are created with
//     the first operator of zeroOps taking one input ("zeros like");
//   - outputs that would repeat an earlier output, or that are variable entries, are wrapped with
//     copyOp, so each output has its own producing node.
//
// Errors: *NoGradientInputsError if xs is empty, *UnsupportedHigherOrderGradientError if a
// gradient must flow through a backward operator without gradient rule, *GraphIntegrityError
// for mismatched ys and ysOutGrads.
func Gradient(fwd *Graph, ys, xs, ysOutGrads []Entry, aggregate AggregateFn, zeroOps []*OpDef, copyOp *OpDef) (grad *Graph, err error) {
	if len(xs) == 0 {
		return nil, errors.WithStack(&NoGradientInputsError{})
	}
	if len(ys) != len(ysOutGrads) {
		return nil, integrityErrorf("Gradient: %d outputs but %d output gradients", len(ys), len(ysOutGrads))
	}
	if aggregate == nil || copyOp == nil {
		return nil, errors.New("Gradient: aggregate function and copy operator are required")
	}
	zeroOp := zeroLikeOp(zeroOps)
	if zeroOp == nil {
		return nil, errors.New("Gradient: no zeros-like operator (taking one input) given")
	}
	var yGraph *Graph
	if slices.Equal(ys, fwd.Outputs()) {
		yGraph = fwd
	} else if yGraph, err = BuildGraph(ys); err != nil {
		return nil, err
	}

	var outputs []Entry
	exception := exceptions.Try(func() {
		outputs = reverseGraph(yGraph.IndexedGraph(), ys, xs, ysOutGrads, aggregate, zeroOp, copyOp)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return nil, errors.WithStack(e)
		}
		return nil, errors.Errorf("Gradient: %v", exception)
	}
	return BuildGraph(outputs)
}

func zeroLikeOp(zeroOps []*OpDef) *OpDef {
	for _, op := range zeroOps {
		if op != nil && op.NumInputsFn == nil && op.NumInputs == 1 {
			return op
		}
	}
	return nil
}

// reverseGraph back-propagates the gradients, panicking on errors.
func reverseGraph(idx *IndexedGraph, ys, xs, ysOutGrads []Entry, aggregate AggregateFn, zeroOp, copyOp *OpDef) []Entry {
	numNodes := idx.NumNodes()

	// useful[nid]: nid depends on some x.
	useful := make([]bool, numNodes)
	for _, x := range xs {
		if nid, found := idx.NodeID(x.Node); found {
			useful[nid] = true
		}
	}
	for nid := range numNodes {
		if useful[nid] {
			continue
		}
		for _, e := range idx.Node(nid).Inputs {
			if useful[e.NodeID] {
				useful[nid] = true
				break
			}
		}
	}

	makeZero := func(e Entry) Entry {
		return Apply(zeroOp.Name, fmt.Sprintf("%s_zero_grad%d", e.Node.Attrs.Name, e.Index), []Entry{e})
	}

	terms := make([][][]Entry, numNodes)
	addTerm := func(ne NodeEntry, g Entry) {
		if terms[ne.NodeID] == nil {
			terms[ne.NodeID] = make([][]Entry, idx.Node(ne.NodeID).Source.NumOutputs())
		}
		terms[ne.NodeID][ne.Index] = append(terms[ne.NodeID][ne.Index], g)
	}
	for ii, y := range ys {
		nid, _ := idx.NodeID(y.Node)
		addTerm(NodeEntry{NodeID: nid, Index: y.Index}, ysOutGrads[ii])
	}

	aggregated := make([][]Entry, numNodes)
	for nid := numNodes - 1; nid >= 0; nid-- {
		if !useful[nid] || terms[nid] == nil {
			continue
		}
		inode := idx.Node(nid)
		src := inode.Source
		outGrads := make([]Entry, len(terms[nid]))
		for j, outTerms := range terms[nid] {
			if len(outTerms) == 0 {
				outGrads[j] = makeZero(src.Output(j))
			} else {
				outGrads[j] = aggregate(outTerms)
			}
		}
		aggregated[nid] = outGrads
		if src.IsVariable() {
			continue
		}
		needInputs := false
		for _, e := range inode.Inputs {
			if useful[e.NodeID] {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}
		op := src.Attrs.Op
		if op.Gradient == nil {
			if op.IsBackward {
				panic(errors.WithStack(&UnsupportedHigherOrderGradientError{Op: op.Name, Node: src.Attrs.Name}))
			}
			exceptions.Panicf("operator %q (node %q) has no gradient rule, cannot differentiate through it",
				op.Name, src.Attrs.Name)
		}
		inGrads := op.Gradient(src, outGrads)
		if len(inGrads) != len(inode.Inputs) {
			exceptions.Panicf("gradient rule of %q returned %d gradients for %d inputs", op.Name, len(inGrads), len(inode.Inputs))
		}
		for k, g := range inGrads {
			if g.Node == nil {
				exceptions.Panicf("gradient rule of %q returned a nil gradient for input #%d", op.Name, k)
			}
			if IsNoGradient(g) || !useful[inode.Inputs[k].NodeID] {
				continue
			}
			addTerm(inode.Inputs[k], g)
		}
	}

	outputs := make([]Entry, 0, len(xs))
	seen := make(map[Entry]bool, len(xs))
	for _, x := range xs {
		var g Entry
		if nid, found := idx.NodeID(x.Node); found && aggregated[nid] != nil {
			g = aggregated[nid][x.Index]
		} else {
			g = makeZero(x)
		}
		if seen[g] || g.Node.IsVariable() {
			g = Apply(copyOp.Name, x.Node.Attrs.Name+"_grad_copy", []Entry{g})
		}
		seen[g] = true
		outputs = append(outputs, g)
	}
	return outputs
}
