// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"slices"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph attributes set by the CachedOp, on top of the ones set by the inference passes.
const (
	// attrForwardRefCount ([]int) on the forward graph: readers of each entry during inference.
	attrForwardRefCount = "forward_ref_count"
	// attrFullRefCount ([]int) on the forward graph: readers of each forward entry, including the
	// backward nodes.
	attrFullRefCount = "full_ref_count"
	// attrBackwardRefCount ([]int) on the full graph: readers of each entry among the backward nodes.
	attrBackwardRefCount = "backward_ref_count"

	// attrInlineRefCount ([]int) on the full graph of an inlined CachedOp: readers of each entry
	// when the whole full graph runs in one go.
	attrInlineRefCount = "inline_ref_count"

	// Memory plans (*memplan.MemoryPlan).
	attrForwardMemPlan  = "forward_mem_plan"
	attrFullMemPlan     = "full_mem_plan"
	attrBackwardMemPlan = "backward_mem_plan"
	attrInlineMemPlan   = "inline_mem_plan"
)

// forwardPlanAttrs returns the ref count and memory plan attributes for a forward call.
func forwardPlanAttrs(recording bool) (refCountAttr, planAttr string) {
	if recording {
		return attrFullRefCount, attrFullMemPlan
	}
	return attrForwardRefCount, attrForwardMemPlan
}

// graphInfo holds the graphs a state (or a dynamic run) works on. The graphs are clones of the
// CachedOp graphs, and carry the inferred attributes and memory plans as graph attributes.
type graphInfo struct {
	fwdGraph  *graph.Graph
	fullGraph *graph.Graph

	// bwdOutputReqs the full graph was built for.
	bwdOutputReqs []graph.OpReq

	// bwdInputEIDs are the full graph entries of the backward inputs: the needed output
	// gradients, then the saved inputs, then the saved outputs. -1 for output gradients not
	// used by the requested gradients.
	bwdInputEIDs []int
}

// signature returns the shapes, dtypes and storage types of the tensors.
func signature(ts []tensors.Tensor) (graph.ShapeVector, graph.DTypeVector, graph.StorageTypeVector) {
	shapeVec := make(graph.ShapeVector, len(ts))
	dtypeVec := make(graph.DTypeVector, len(ts))
	stypeVec := make(graph.StorageTypeVector, len(ts))
	for ii, t := range ts {
		shapeVec[ii] = t.Shape()
		dtypeVec[ii] = t.DType()
		stypeVec[ii] = t.StorageType()
	}
	return shapeVec, dtypeVec, stypeVec
}

// setForwardGraph infers the attributes of the forward graph for the given inputs and plans its
// memory, unless the cached attributes match the inputs and the plan for the call already
// exists. It returns whether everything matched.
func (op *CachedOp) setForwardGraph(info *graphInfo, recording bool, inputs []tensors.Tensor, dev storage.Device) (bool, error) {
	g := info.fwdGraph
	idx := g.IndexedGraph()
	shapeVec, dtypeVec, stypeVec := signature(inputs)

	match, err := graph.CheckAndInferShape(g, shapeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	matched, err := graph.CheckAndInferType(g, dtypeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	match = match && matched
	matched, err = graph.CheckAndInferStorageType(g, dev, stypeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	match = match && matched

	refCountAttr, planAttr := forwardPlanAttrs(recording)
	if !match {
		g.EraseAttr(attrForwardMemPlan, attrFullMemPlan)
	} else if g.HasAttr(planAttr) {
		return true, nil
	}

	hints := memplan.NewStorageVector(idx.NumNodeEntries())
	for eid, st := range graph.MustAttr[graph.StorageTypeVector](g, graph.AttrStorageType) {
		if st != shapes.DefaultStorage {
			hints[eid] = memplan.DynamicStorageID
		}
	}
	for _, nid := range idx.InputNodes() {
		hints[idx.EntryID(nid, 0)] = memplan.ExternalStorageID
	}
	if op.cfg.StaticAlloc {
		for _, e := range idx.Outputs() {
			hints[idx.EntryIDOf(e)] = memplan.ExternalStorageID
		}
	}
	plan, err := memplan.PlanMemory(g, hints, graph.MustAttr[[]int](g, refCountAttr), memplan.Options{})
	if err != nil {
		return false, errors.WithMessagef(err, "CachedOp %s: failed to plan the forward memory", op.id)
	}
	g.SetAttr(planAttr, plan)
	op.stats.forwardPlans.Add(1)
	klog.V(1).Infof("CachedOp %s: planned forward (recording=%v) for inputs %v: %s", op.id, recording, shapeVec, plan.Stats())
	return false, nil
}

// skipMask returns which gradient outputs are not requested.
func skipMask(reqs []graph.OpReq) []bool {
	mask := make([]bool, len(reqs))
	for ii, req := range reqs {
		mask[ii] = req == graph.NullOp
	}
	return mask
}

// setFullGraphOutputs rebuilds the full graph of info if the requested gradients changed.
func (op *CachedOp) setFullGraphOutputs(info *graphInfo, reqs []graph.OpReq) error {
	if !slices.Equal(skipMask(info.bwdOutputReqs), skipMask(reqs)) {
		outputs := slices.Clone(op.fwdGraph.Outputs())
		for ii, e := range op.gradGraph.Outputs() {
			if reqs[ii] != graph.NullOp {
				outputs = append(outputs, e)
			}
		}
		full, err := graph.BuildGraph(outputs)
		if err != nil {
			return err
		}
		info.fullGraph = full
		info.bwdInputEIDs = nil
		klog.V(1).Infof("CachedOp %s: rebuilt the full graph for gradient requests %v", op.id, reqs)
	}
	info.bwdOutputReqs = slices.Clone(reqs)
	return nil
}

// setBackwardGraph makes sure the full graph of info contains the requested gradient outputs,
// infers the attributes of the backward nodes given the backward inputs, and plans their memory.
// The forward graph of info must be the one of the forward call being differentiated.
//
// It returns whether the cached attributes and plan matched.
func (op *CachedOp) setBackwardGraph(info *graphInfo, reqs []graph.OpReq, inputs []tensors.Tensor, dev storage.Device,
	detectAccumulate bool) (bool, error) {
	if err := op.setFullGraphOutputs(info, reqs); err != nil {
		return false, err
	}
	g := info.fullGraph
	idx := g.IndexedGraph()
	fwdIdx := op.fwdGraph.IndexedGraph()
	numForwardNodes, numForwardEntries := fwdIdx.NumNodes(), fwdIdx.NumNodeEntries()

	if len(info.bwdInputEIDs) != len(inputs) {
		info.bwdInputEIDs = make([]int, 0, len(inputs))
		for _, ii := range op.bwdOgradDep {
			eid, found := idx.EntryIDFor(op.ogradEntries[ii])
			if !found {
				eid = -1
			}
			info.bwdInputEIDs = append(info.bwdInputEIDs, eid)
		}
		for _, ii := range op.bwdInDep {
			info.bwdInputEIDs = append(info.bwdInputEIDs, idx.EntryID(fwdIdx.InputNodes()[ii], 0))
		}
		for _, ii := range op.bwdOutDep {
			info.bwdInputEIDs = append(info.bwdInputEIDs, idx.EntryIDOf(fwdIdx.Outputs()[ii]))
		}
		if len(info.bwdInputEIDs) != len(inputs) {
			return false, errors.Errorf("CachedOp %s: backward takes %d inputs, got %d", op.id, len(info.bwdInputEIDs), len(inputs))
		}
	}

	if !g.HasAttr(attrBackwardRefCount) {
		refCount := idx.ConsumerCounts(numForwardNodes, idx.NumNodes())
		for _, eid := range info.bwdInputEIDs {
			if eid >= 0 {
				refCount[eid]++
			}
		}
		for _, e := range idx.Outputs() {
			refCount[idx.EntryIDOf(e)]++
		}
		g.SetAttr(attrBackwardRefCount, refCount)
	}

	// The backward inputs are inside the re-inferred range, so CheckAndInfer* never compares them
	// with the cached attributes: a change in any of them invalidates the cache.
	if !backwardInputsMatch(g, info.bwdInputEIDs, inputs) {
		g.EraseAttr(graph.AttrShape, graph.AttrDType, graph.AttrStorageType)
	}

	numEntries := idx.NumNodeEntries()
	shapeVec := slices.Clone(graph.MustAttr[graph.ShapeVector](info.fwdGraph, graph.AttrShape))
	shapeVec = append(shapeVec, make(graph.ShapeVector, numEntries-len(shapeVec))...)
	dtypeVec := slices.Clone(graph.MustAttr[graph.DTypeVector](info.fwdGraph, graph.AttrDType))
	dtypeVec = append(dtypeVec, make(graph.DTypeVector, numEntries-len(dtypeVec))...)
	stypeVec := slices.Clone(graph.MustAttr[graph.StorageTypeVector](info.fwdGraph, graph.AttrStorageType))
	stypeVec = append(stypeVec, graph.NewStorageTypeVector(numEntries-len(stypeVec))...)
	for ii, eid := range info.bwdInputEIDs {
		if eid < 0 {
			continue
		}
		shapeVec[eid] = inputs[ii].Shape()
		dtypeVec[eid] = inputs[ii].DType()
		stypeVec[eid] = inputs[ii].StorageType()
	}

	r := graph.InferRange{
		NodeStart:  numForwardNodes,
		NodeEnd:    idx.NumNodes(),
		EntryStart: numForwardEntries,
		EntryEnd:   numEntries,
	}
	match, err := graph.CheckAndInferShape(g, shapeVec, false, false, r)
	if err != nil {
		return false, err
	}
	matched, err := graph.CheckAndInferType(g, dtypeVec, false, false, r)
	if err != nil {
		return false, err
	}
	match = match && matched
	matched, err = graph.CheckAndInferStorageType(g, dev, stypeVec, false, false, r)
	if err != nil {
		return false, err
	}
	match = match && matched

	if !match {
		g.EraseAttr(attrBackwardMemPlan)
	} else if g.HasAttr(attrBackwardMemPlan) {
		return true, nil
	}

	hints := memplan.NewStorageVector(numEntries)
	for eid, st := range graph.MustAttr[graph.StorageTypeVector](g, graph.AttrStorageType) {
		if st != shapes.DefaultStorage {
			hints[eid] = memplan.DynamicStorageID
		}
	}
	for eid := range numForwardEntries {
		hints[eid] = memplan.ExternalStorageID
	}
	for _, nid := range idx.InputNodes() {
		hints[idx.EntryID(nid, 0)] = memplan.ExternalStorageID
	}
	for _, e := range idx.Outputs() {
		hints[idx.EntryIDOf(e)] = memplan.ExternalStorageID
	}
	plan, err := memplan.PlanMemory(g, hints, graph.MustAttr[[]int](g, attrBackwardRefCount), memplan.Options{
		NodeStart:        numForwardNodes,
		NodeEnd:          idx.NumNodes(),
		DetectAccumulate: detectAccumulate,
	})
	if err != nil {
		return false, errors.WithMessagef(err, "CachedOp %s: failed to plan the backward memory", op.id)
	}
	g.SetAttr(attrBackwardMemPlan, plan)
	op.stats.backwardPlans.Add(1)
	klog.V(1).Infof("CachedOp %s: planned backward for requests %v: %s", op.id, reqs, plan.Stats())
	return false, nil
}

// backwardInputsMatch returns whether the attributes cached in the full graph g for the backward
// input entries match the given inputs. It returns true if nothing is cached yet.
func backwardInputsMatch(g *graph.Graph, bwdInputEIDs []int, inputs []tensors.Tensor) bool {
	shapeVec, found := graph.GetAttr[graph.ShapeVector](g, graph.AttrShape)
	if !found {
		return true
	}
	dtypeVec, found := graph.GetAttr[graph.DTypeVector](g, graph.AttrDType)
	if !found {
		return true
	}
	stypeVec, found := graph.GetAttr[graph.StorageTypeVector](g, graph.AttrStorageType)
	if !found {
		return true
	}
	for ii, eid := range bwdInputEIDs {
		if eid < 0 {
			continue
		}
		if !shapeVec[eid].EqualDimensions(inputs[ii].Shape()) || dtypeVec[eid] != inputs[ii].DType() ||
			stypeVec[eid] != inputs[ii].StorageType() {
			return false
		}
	}
	return true
}

// setInlinedGraph prepares the full graph of info to run whole, forward included, as the backward
// of an inlined CachedOp. values holds the tensors of the full graph input nodes: the forward
// inputs and the output gradients.
//
// It returns whether the cached attributes and plan matched.
func (op *CachedOp) setInlinedGraph(info *graphInfo, reqs []graph.OpReq, values map[*graph.Node]tensors.Tensor, dev storage.Device) (bool, error) {
	if err := op.setFullGraphOutputs(info, reqs); err != nil {
		return false, err
	}
	g := info.fullGraph
	idx := g.IndexedGraph()
	inputNodes := idx.InputNodes()
	inputs := make([]tensors.Tensor, len(inputNodes))
	for ii, nid := range inputNodes {
		t, found := values[idx.Node(nid).Source]
		if !found {
			return false, errors.Errorf("CachedOp %s: no value for the full graph input %q", op.id, idx.Node(nid).Source.Name())
		}
		inputs[ii] = t
	}
	shapeVec, dtypeVec, stypeVec := signature(inputs)
	match, err := graph.CheckAndInferShape(g, shapeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	matched, err := graph.CheckAndInferType(g, dtypeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	match = match && matched
	matched, err = graph.CheckAndInferStorageType(g, dev, stypeVec, true, false, graph.InferRange{})
	if err != nil {
		return false, err
	}
	match = match && matched

	if !g.HasAttr(attrInlineRefCount) {
		refCount := idx.ConsumerCounts(0, idx.NumNodes())
		for _, nid := range inputNodes {
			refCount[idx.EntryID(nid, 0)]++
		}
		for _, e := range idx.Outputs() {
			refCount[idx.EntryIDOf(e)]++
		}
		g.SetAttr(attrInlineRefCount, refCount)
	}
	if !match {
		g.EraseAttr(attrInlineMemPlan)
	} else if g.HasAttr(attrInlineMemPlan) {
		return true, nil
	}

	hints := memplan.NewStorageVector(idx.NumNodeEntries())
	for eid, st := range graph.MustAttr[graph.StorageTypeVector](g, graph.AttrStorageType) {
		if st != shapes.DefaultStorage {
			hints[eid] = memplan.DynamicStorageID
		}
	}
	for _, nid := range inputNodes {
		hints[idx.EntryID(nid, 0)] = memplan.ExternalStorageID
	}
	for _, e := range op.gradGraph.Outputs() {
		if eid, found := idx.EntryIDFor(e); found {
			hints[eid] = memplan.ExternalStorageID
		}
	}
	plan, err := memplan.PlanMemory(g, hints, graph.MustAttr[[]int](g, attrInlineRefCount), memplan.Options{})
	if err != nil {
		return false, errors.WithMessagef(err, "CachedOp %s: failed to plan the inlined backward memory", op.id)
	}
	g.SetAttr(attrInlineMemPlan, plan)
	op.stats.backwardPlans.Add(1)
	klog.V(1).Infof("CachedOp %s: planned inlined backward for requests %v and inputs %v: %s", op.id, reqs, shapeVec, plan.Stats())
	return false, nil
}
