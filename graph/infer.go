// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferRange restricts an inference pass to the nodes in [NodeStart, NodeEnd) and to updating the
// entries in [EntryStart, EntryEnd). Entries outside the range are taken as given.
// The zero value means the whole graph.
type InferRange struct {
	NodeStart, NodeEnd   int
	EntryStart, EntryEnd int
}

// resolve returns the range with the defaults filled in.
func (r InferRange) resolve(idx *IndexedGraph) InferRange {
	if r.NodeEnd <= r.NodeStart {
		r.NodeStart, r.NodeEnd = 0, idx.NumNodes()
	}
	if r.EntryEnd <= r.EntryStart {
		r.EntryStart, r.EntryEnd = 0, idx.NumNodeEntries()
	}
	return r
}

// IsFull returns whether the range covers the whole graph.
func (r InferRange) IsFull() bool {
	return r.NodeEnd <= r.NodeStart && r.EntryEnd <= r.EntryStart
}

// inferKind describes one attribute for the generic inference driver.
type inferKind[T any] struct {
	name      string
	isUnknown func(T) bool
	equal     func(a, b T) bool
	// merge combines the current knowledge with a newly inferred value. It returns false on conflict.
	merge    func(current, inferred T) (T, bool)
	newError func(base InferenceError) error
}

// maxInferenceSweeps bounds the forward/backward sweeps, in case a rule keeps changing values.
const maxInferenceSweeps = 16

// runInference runs forward and backward sweeps over the node range calling inferNode, until
// no entry in the entry range changes. It returns the number of unknown entries left in the range.
func runInference[T any](idx *IndexedGraph, kind inferKind[T], values []T, r InferRange,
	inferNode func(nid int, in, out []T) error) (numUnknown int, err error) {
	inRange := func(eid int) bool { return eid >= r.EntryStart && eid < r.EntryEnd }
	var in, out []T
	visit := func(nid int) (changed bool, err error) {
		inode := idx.Node(nid)
		src := inode.Source
		if src.IsVariable() {
			return false, nil
		}
		in = in[:0]
		for _, e := range inode.Inputs {
			in = append(in, values[idx.EntryIDOf(e)])
		}
		numOut := src.NumOutputs()
		out = out[:0]
		for j := range numOut {
			out = append(out, values[idx.EntryID(nid, j)])
		}
		if err := inferNode(nid, in, out); err != nil {
			return false, kind.newError(InferenceError{Node: src.Attrs.Name, Op: src.Attrs.Op.Name, Msg: err.Error()})
		}
		update := func(eid int, inferred T, what string) error {
			if !inRange(eid) || kind.isUnknown(inferred) {
				return nil
			}
			merged, ok := kind.merge(values[eid], inferred)
			if !ok {
				return kind.newError(InferenceError{Node: src.Attrs.Name, Op: src.Attrs.Op.Name,
					Msg: fmt.Sprintf("%s %s inferred as %v, but it was %v", what, kind.name, inferred, values[eid])})
			}
			if !kind.equal(merged, values[eid]) {
				changed = true
			}
			values[eid] = merged
			return nil
		}
		for k, e := range inode.Inputs {
			if err := update(idx.EntryIDOf(e), in[k], fmt.Sprintf("input #%d", k)); err != nil {
				return false, err
			}
		}
		for j := range numOut {
			if err := update(idx.EntryID(nid, j), out[j], fmt.Sprintf("output #%d", j)); err != nil {
				return false, err
			}
		}
		return changed, nil
	}

	for sweep := range maxInferenceSweeps {
		anyChange := false
		if sweep%2 == 0 {
			for nid := r.NodeStart; nid < r.NodeEnd; nid++ {
				changed, err := visit(nid)
				if err != nil {
					return 0, err
				}
				anyChange = anyChange || changed
			}
		} else {
			for nid := r.NodeEnd - 1; nid >= r.NodeStart; nid-- {
				changed, err := visit(nid)
				if err != nil {
					return 0, err
				}
				anyChange = anyChange || changed
			}
		}
		if !anyChange && sweep > 0 {
			break
		}
	}
	for eid := r.EntryStart; eid < r.EntryEnd; eid++ {
		if kind.isUnknown(values[eid]) {
			numUnknown++
		}
	}
	return numUnknown, nil
}

// forwardNodeInputs returns the entry ids of the inputs of the forward node of a backward node,
// or nil if the node has no control dependency.
func forwardNodeInputs(idx *IndexedGraph, nid int) []int {
	inode := idx.Node(nid)
	if len(inode.ControlDeps) == 0 {
		return nil
	}
	fwd := idx.Node(inode.ControlDeps[0])
	eids := make([]int, len(fwd.Inputs))
	for ii, e := range fwd.Inputs {
		eids[ii] = idx.EntryIDOf(e)
	}
	return eids
}

// copyFromForward sets the outputs of a backward node to the values of the forward node inputs.
func copyFromForward[T any](idx *IndexedGraph, nid int, values []T, out []T) {
	fwdInputs := forwardNodeInputs(idx, nid)
	for j := range min(len(out), len(fwdInputs)) {
		out[j] = values[fwdInputs[j]]
	}
}

var shapeKind = inferKind[shapes.Shape]{
	name:      "shape",
	isUnknown: func(s shapes.Shape) bool { return !s.IsKnown() },
	equal:     shapes.Shape.EqualDimensions,
	merge:     shapes.Merge,
	newError: func(base InferenceError) error {
		return errors.WithStack(&ShapeInferenceError{InferenceError: base})
	},
}

// InferShape infers the shapes of the graph, starting from the AttrShape vector already set
// (missing values are unknown), and stores the result in AttrShape and the number of unknown
// entries in AttrShapeNumUnknown.
func InferShape(g *Graph, r InferRange) (numUnknown int, err error) {
	idx := g.IndexedGraph()
	r = r.resolve(idx)
	values, _ := GetAttr[ShapeVector](g, AttrShape)
	values = resized(values, idx.NumNodeEntries(), shapes.Unknown())
	numUnknown, err = runInference(idx, shapeKind, values, r, func(nid int, in, out []shapes.Shape) error {
		op := idx.Node(nid).Source.Attrs.Op
		attrs := &idx.Node(nid).Source.Attrs
		if op.InferShape != nil {
			return op.InferShape(attrs, in, out)
		}
		if op.IsBackward {
			copyFromForward(idx, nid, values, out)
			return nil
		}
		return elementwiseShape(attrs, in, out)
	})
	if err != nil {
		return 0, err
	}
	g.SetAttr(AttrShape, values)
	g.SetAttr(AttrShapeNumUnknown, numUnknown)
	return numUnknown, nil
}

// elementwiseShape is the default shape rule: all inputs and outputs have the same shape.
func elementwiseShape(_ *NodeAttrs, in, out []shapes.Shape) error {
	known := shapes.Unknown()
	for _, s := range slices.Concat(in, out) {
		merged, ok := shapes.Merge(known, s)
		if !ok {
			return errors.Errorf("incompatible shapes %s and %s", known, s)
		}
		known = merged
	}
	for ii := range in {
		in[ii] = known
	}
	for ii := range out {
		out[ii] = known
	}
	return nil
}

var dtypeKind = inferKind[dtypes.DType]{
	name:      "dtype",
	isUnknown: func(dt dtypes.DType) bool { return dt == dtypes.InvalidDType },
	equal:     func(a, b dtypes.DType) bool { return a == b },
	merge: func(current, inferred dtypes.DType) (dtypes.DType, bool) {
		if current == dtypes.InvalidDType || current == inferred {
			return inferred, true
		}
		return current, false
	},
	newError: func(base InferenceError) error {
		return errors.WithStack(&TypeInferenceError{InferenceError: base})
	},
}

// InferType infers the dtypes of the graph, like InferShape, using AttrDType.
func InferType(g *Graph, r InferRange) (numUnknown int, err error) {
	idx := g.IndexedGraph()
	r = r.resolve(idx)
	values, _ := GetAttr[DTypeVector](g, AttrDType)
	values = resized(values, idx.NumNodeEntries(), dtypes.InvalidDType)
	numUnknown, err = runInference(idx, dtypeKind, values, r, func(nid int, in, out []dtypes.DType) error {
		op := idx.Node(nid).Source.Attrs.Op
		attrs := &idx.Node(nid).Source.Attrs
		if op.InferType != nil {
			return op.InferType(attrs, in, out)
		}
		if op.IsBackward {
			copyFromForward(idx, nid, values, out)
			return nil
		}
		return ElementwiseType(attrs, in, out)
	})
	if err != nil {
		return 0, err
	}
	g.SetAttr(AttrDType, values)
	g.SetAttr(AttrDTypeNumUnknown, numUnknown)
	return numUnknown, nil
}

// ElementwiseType is the default dtype rule: all inputs and outputs have the same dtype.
func ElementwiseType(_ *NodeAttrs, in, out []dtypes.DType) error {
	known := dtypes.InvalidDType
	for _, dt := range slices.Concat(in, out) {
		if dt == dtypes.InvalidDType {
			continue
		}
		if known != dtypes.InvalidDType && known != dt {
			return errors.Errorf("incompatible dtypes %s and %s", known, dt)
		}
		known = dt
	}
	for ii := range in {
		in[ii] = known
	}
	for ii := range out {
		out[ii] = known
	}
	return nil
}

var storageKind = inferKind[shapes.StorageType]{
	name:      "storage type",
	isUnknown: func(st shapes.StorageType) bool { return st == shapes.UndefinedStorage },
	equal:     func(a, b shapes.StorageType) bool { return a == b },
	merge: func(current, inferred shapes.StorageType) (shapes.StorageType, bool) {
		if current == shapes.UndefinedStorage || current == inferred {
			return inferred, true
		}
		return current, false
	},
	newError: func(base InferenceError) error {
		return errors.WithStack(&StorageInferenceError{InferenceError: base})
	},
}

// InferStorageType infers the storage types of the graph, like InferShape, using AttrStorageType,
// and the dispatch mode of each node in the node range, stored in AttrDispatchMode.
// dev is the device the kernels will run on.
func InferStorageType(g *Graph, dev storage.Device, r InferRange) (numUnknown int, err error) {
	idx := g.IndexedGraph()
	r = r.resolve(idx)
	values, _ := GetAttr[StorageTypeVector](g, AttrStorageType)
	values = resized(values, idx.NumNodeEntries(), shapes.UndefinedStorage)
	dispatch, _ := GetAttr[DispatchModeVector](g, AttrDispatchMode)
	dispatch = resized(dispatch, idx.NumNodes(), DispatchUndefined)
	for nid := r.NodeStart; nid < r.NodeEnd; nid++ {
		if idx.Node(nid).Source.IsVariable() {
			dispatch[nid] = DispatchVariable
		}
	}
	numUnknown, err = runInference(idx, storageKind, values, r, func(nid int, in, out []shapes.StorageType) error {
		op := idx.Node(nid).Source.Attrs.Op
		attrs := &idx.Node(nid).Source.Attrs
		if op.InferStorageType != nil {
			return op.InferStorageType(attrs, dev, &dispatch[nid], in, out)
		}
		return DefaultStorageType(op, &dispatch[nid], in, out)
	})
	if err != nil {
		return 0, err
	}
	g.SetAttr(AttrStorageType, values)
	g.SetAttr(AttrDispatchMode, dispatch)
	g.SetAttr(AttrStorageNumUnknown, numUnknown)
	return numUnknown, nil
}

// DefaultStorageType is the storage rule of operators without their own: outputs are dense.
// The dense kernel is used if all inputs are dense, otherwise the storage-aware kernel if the
// operator has one, or else the dense fallback.
func DefaultStorageType(op *OpDef, dispatch *DispatchMode, in, out []shapes.StorageType) error {
	allDense := true
	for _, st := range in {
		if st == shapes.UndefinedStorage {
			return nil
		}
		if st != shapes.DefaultStorage {
			allDense = false
		}
	}
	for ii := range out {
		if out[ii] == shapes.UndefinedStorage {
			out[ii] = shapes.DefaultStorage
		}
	}
	switch {
	case allDense:
		*dispatch = DispatchFCompute
	case op.ComputeEx != nil:
		*dispatch = DispatchFComputeEx
	default:
		*dispatch = DispatchFComputeFallback
	}
	return nil
}

// resized returns values with exactly n elements, cloned, padding with fill.
func resized[T any](values []T, n int, fill T) []T {
	out := make([]T, n)
	copied := copy(out, values)
	for ii := copied; ii < n; ii++ {
		out[ii] = fill
	}
	return out
}

// ExpandInputValues returns a per-entry vector with the given per-input-node values placed at the
// input entries, and fill everywhere else.
func ExpandInputValues[T any](idx *IndexedGraph, inputValues []T, fill T) ([]T, error) {
	if len(inputValues) != len(idx.InputNodes()) {
		return nil, errors.Errorf("%d input values given, but graph has %d inputs", len(inputValues), len(idx.InputNodes()))
	}
	values := resized(nil, idx.NumNodeEntries(), fill)
	for ii, nid := range idx.InputNodes() {
		values[idx.EntryID(nid, 0)] = inputValues[ii]
	}
	return values, nil
}

// matchOutsideRange compares the cached and incoming vectors, ignoring entries in [start, end).
func matchOutsideRange[T any](cached, incoming []T, start, end int, equal func(a, b T) bool) bool {
	if len(cached) != len(incoming) {
		return false
	}
	for ii := range incoming {
		if ii >= start && ii < end {
			continue
		}
		if !equal(cached[ii], incoming[ii]) {
			return false
		}
	}
	return true
}

// checkAndInfer implements the CheckAndInfer* functions.
func checkAndInfer[T any](g *Graph, kind inferKind[T], values []T, useInputs, allowUnknown bool, r InferRange,
	attr, inputsAttr, numUnknownAttr string, fill T, infer func() (int, error)) (matched bool, err error) {
	idx := g.IndexedGraph()
	if useInputs {
		if cached, found := GetAttr[[]T](g, inputsAttr); found && matchOutsideRange(cached, values, 0, 0, kind.equal) {
			return true, nil
		}
	} else if cached, found := GetAttr[[]T](g, attr); found {
		start, end := 0, 0
		if !r.IsFull() {
			rr := r.resolve(idx)
			start, end = rr.EntryStart, rr.EntryEnd
		}
		if matchOutsideRange(cached, values, start, end, kind.equal) {
			return true, nil
		}
	}
	g.EraseAttr(attr, inputsAttr, numUnknownAttr)
	full := values
	if useInputs {
		full, err = ExpandInputValues(idx, values, fill)
		if err != nil {
			return false, err
		}
	}
	g.SetAttr(attr, full)
	numUnknown, err := infer()
	if err != nil {
		g.EraseAttr(attr, inputsAttr, numUnknownAttr)
		return false, err
	}
	if numUnknown > 0 && !allowUnknown {
		inferred := MustAttr[[]T](g, attr)
		rr := r.resolve(idx)
		for eid := rr.EntryStart; eid < rr.EntryEnd; eid++ {
			if kind.isUnknown(inferred[eid]) {
				node := idx.Node(idx.EntryNodeID(eid)).Source
				g.EraseAttr(attr, inputsAttr, numUnknownAttr)
				return false, kind.newError(InferenceError{Node: node.Attrs.Name, Op: node.String(),
					Msg: fmt.Sprintf("%d entries with unknown %s", numUnknown, kind.name)})
			}
		}
	}
	if useInputs {
		g.SetAttr(inputsAttr, slices.Clone(values))
	}
	klog.V(2).Infof("graph: inferred %s for %d entries (%d unknown)", kind.name, len(full), numUnknown)
	return false, nil
}

// CheckAndInferShape re-infers the shapes of the graph, unless the cached inferred shapes match the
// incoming ones (ignoring the entries inside the re-inferred range), in which case it returns
// matched=true and does nothing.
//
// If useInputs, values has one shape per input node, otherwise one per entry.
// With allowUnknown false, entries left unknown in the range are an error.
func CheckAndInferShape(g *Graph, values ShapeVector, useInputs, allowUnknown bool, r InferRange) (matched bool, err error) {
	return checkAndInfer(g, shapeKind, values, useInputs, allowUnknown, r, AttrShape, AttrShapeInputs, AttrShapeNumUnknown,
		shapes.Unknown(), func() (int, error) { return InferShape(g, r) })
}

// CheckAndInferType is the dtype equivalent of CheckAndInferShape.
func CheckAndInferType(g *Graph, values DTypeVector, useInputs, allowUnknown bool, r InferRange) (matched bool, err error) {
	return checkAndInfer(g, dtypeKind, values, useInputs, allowUnknown, r, AttrDType, AttrDTypeInputs, AttrDTypeNumUnknown,
		dtypes.InvalidDType, func() (int, error) { return InferType(g, r) })
}

// CheckAndInferStorageType is the storage type equivalent of CheckAndInferShape. It also erases
// and re-infers the dispatch modes.
func CheckAndInferStorageType(g *Graph, dev storage.Device, values StorageTypeVector, useInputs, allowUnknown bool, r InferRange) (matched bool, err error) {
	return checkAndInfer(g, storageKind, values, useInputs, allowUnknown, r, AttrStorageType, AttrStorageInputs, AttrStorageNumUnknown,
		shapes.UndefinedStorage,
		func() (int, error) {
			if r.IsFull() {
				g.EraseAttr(AttrDispatchMode)
			}
			return InferStorageType(g, dev, r)
		})
}
