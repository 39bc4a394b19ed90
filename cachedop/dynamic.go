// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"slices"
	"sync"

	"github.com/gomlx/cachedop/autograd"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
)

// dynamicRuntime is what a dynamic forward call keeps for its backward: its graphs (with the
// attributes inferred for the call), the tensors of the entries read by the backward and the
// states of its stateful nodes.
//
// Inlined calls keep nothing: their backward recomputes the forward from the saved inputs.
type dynamicRuntime struct {
	op      *CachedOp
	dev     storage.Device
	inlined bool

	mu           sync.Mutex
	released     bool
	fwdGraph     *graph.Graph
	fullGraph    *graph.Graph
	bwdInputEIDs []int
	buff         []tensors.Tensor
	states       []*opState

	// outShapes of the forward call, checked against the output gradients.
	outShapes []shapes.Shape
}

// Release implements autograd.Releaser.
func (r *dynamicRuntime) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	r.buff, r.states = nil, nil
}

// dynamicForward runs the forward graph allocating its memory for this call only. Inlined
// recorded calls run like inference calls.
func (op *CachedOp) dynamicForward(sess *autograd.Session, dev storage.Device, inputs []tensors.Tensor, outputs []*tensors.Tensor) (*dynamicRuntime, error) {
	recording := sess.IsRecording() && !op.inlining
	s := op.acquireState(dev)
	s.mu.Lock()
	_, err := op.setForwardGraph(&s.info, recording, inputs, dev)
	var g *graph.Graph
	if err == nil {
		g = s.info.fwdGraph.Clone()
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	r := &dynamicRuntime{op: op, dev: dev, fwdGraph: g}
	idx := g.IndexedGraph()
	refCountAttr, planAttr := forwardPlanAttrs(recording)
	plan := graph.MustAttr[*memplan.MemoryPlan](g, planAttr)
	refCount := slices.Clone(graph.MustAttr[[]int](g, refCountAttr))
	numEntries := idx.NumNodeEntries()
	r.buff = make([]tensors.Tensor, numEntries)
	r.states = make([]*opState, idx.NumNodes())
	for ii, nid := range idx.InputNodes() {
		r.buff[idx.EntryID(nid, 0)] = inputs[ii]
	}
	reqs := make([]graph.OpReq, numEntries)
	for eid, count := range refCount {
		if count > 0 {
			reqs[eid] = graph.WriteTo
		}
	}
	if err := op.allocateMemory(g, dev, plan, 0, numEntries, r.buff, reqs); err != nil {
		return nil, err
	}
	for ii, e := range idx.Outputs() {
		*outputs[ii] = r.buff[idx.EntryIDOf(e)]
	}

	if err := op.runGraph(sess, g, dev, r.buff, reqs, 0, idx.NumNodes(), refCount, r.states, plan); err != nil {
		return nil, err
	}
	if op.inlining {
		r.inlined = true
		r.fwdGraph, r.buff, r.states = nil, nil, nil
	}
	return r, nil
}

// dynamicBackward runs the backward nodes for the recorded runtime r.
func (op *CachedOp) dynamicBackward(sess *autograd.Session, r *dynamicRuntime, retainGraph bool, inputs []tensors.Tensor,
	reqs []graph.OpReq, results []*tensors.Tensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return errors.Errorf("CachedOp %s: the forward call was already released", op.id)
	}

	s := op.acquireState(r.dev)
	s.mu.Lock()
	// The full graph attributes are shared, but the forward ones are those of the recorded call.
	info := s.info
	info.fwdGraph = r.fwdGraph
	_, err := op.setBackwardGraph(&info, reqs, inputs, r.dev, false)
	if err == nil {
		s.info.fullGraph, s.info.bwdOutputReqs, s.info.bwdInputEIDs = info.fullGraph, info.bwdOutputReqs, info.bwdInputEIDs
		r.fullGraph = info.fullGraph.Clone()
		r.bwdInputEIDs = slices.Clone(info.bwdInputEIDs)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	g := r.fullGraph
	idx := g.IndexedGraph()
	fwdIdx := op.fwdGraph.IndexedGraph()
	numForwardNodes, numForwardEntries := fwdIdx.NumNodes(), fwdIdx.NumNodeEntries()
	numEntries := idx.NumNodeEntries()
	if err := op.prepareResults(g, r.dev, reqs, results); err != nil {
		return err
	}
	plan := graph.MustAttr[*memplan.MemoryPlan](g, attrBackwardMemPlan)
	refCount := slices.Clone(graph.MustAttr[[]int](g, attrBackwardRefCount))
	if retainGraph {
		for eid := range numForwardEntries {
			refCount[eid]++
		}
	}

	buff := make([]tensors.Tensor, numEntries)
	copy(buff, r.buff)
	states := make([]*opState, idx.NumNodes())
	copy(states, r.states)
	for ii, eid := range r.bwdInputEIDs {
		if eid >= 0 {
			buff[eid] = inputs[ii]
		}
	}
	arrayReqs := make([]graph.OpReq, numEntries)
	for eid := numForwardEntries; eid < numEntries; eid++ {
		if refCount[eid] > 0 {
			arrayReqs[eid] = graph.WriteTo
		}
	}
	for gi, e := range op.gradGraph.Outputs() {
		if reqs[gi] == graph.NullOp {
			continue
		}
		eid, _ := idx.EntryIDFor(e)
		buff[eid] = *results[gi]
		arrayReqs[eid] = reqs[gi]
	}
	if err := op.allocateMemory(g, r.dev, plan, numForwardEntries, numEntries, buff, arrayReqs); err != nil {
		return err
	}
	if err := op.runGraph(sess, g, r.dev, buff, arrayReqs, numForwardNodes, idx.NumNodes(), refCount, states, plan); err != nil {
		return err
	}
	if retainGraph {
		r.buff = slices.Clip(buff[:numForwardEntries])
	} else {
		r.released = true
		r.buff, r.states = nil, nil
	}
	return nil
}

// inlinedBackward runs the whole full graph, recomputing the forward of the recorded call r
// from its inputs. inputs are the needed output gradients followed by all the forward inputs.
func (op *CachedOp) inlinedBackward(sess *autograd.Session, r *dynamicRuntime, retainGraph bool, inputs []tensors.Tensor,
	reqs []graph.OpReq, results []*tensors.Tensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return errors.Errorf("CachedOp %s: the forward call was already released", op.id)
	}

	values := make(map[*graph.Node]tensors.Tensor, len(inputs))
	for k, ii := range op.bwdOgradDep {
		values[op.ogradEntries[ii].Node] = inputs[k]
	}
	fwdIdx := op.fwdGraph.IndexedGraph()
	for ii, nid := range fwdIdx.InputNodes() {
		values[fwdIdx.Node(nid).Source] = inputs[len(op.bwdOgradDep)+ii]
	}
	s := op.acquireState(r.dev)
	s.mu.Lock()
	_, err := op.setInlinedGraph(&s.info, reqs, values, r.dev)
	var g *graph.Graph
	if err == nil {
		g = s.info.fullGraph.Clone()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	idx := g.IndexedGraph()
	numEntries := idx.NumNodeEntries()
	if err := op.prepareResults(g, r.dev, reqs, results); err != nil {
		return err
	}
	plan := graph.MustAttr[*memplan.MemoryPlan](g, attrInlineMemPlan)
	refCount := slices.Clone(graph.MustAttr[[]int](g, attrInlineRefCount))
	buff := make([]tensors.Tensor, numEntries)
	for _, nid := range idx.InputNodes() {
		buff[idx.EntryID(nid, 0)] = values[idx.Node(nid).Source]
	}
	arrayReqs := make([]graph.OpReq, numEntries)
	for eid, count := range refCount {
		if count > 0 {
			arrayReqs[eid] = graph.WriteTo
		}
	}
	for gi, e := range op.gradGraph.Outputs() {
		if reqs[gi] == graph.NullOp {
			continue
		}
		eid, _ := idx.EntryIDFor(e)
		buff[eid] = *results[gi]
		arrayReqs[eid] = reqs[gi]
	}
	if err := op.allocateMemory(g, r.dev, plan, 0, numEntries, buff, arrayReqs); err != nil {
		return err
	}
	if err := op.runGraph(sess, g, r.dev, buff, arrayReqs, 0, idx.NumNodes(), refCount, make([]*opState, idx.NumNodes()), plan); err != nil {
		return err
	}
	if !retainGraph {
		r.released = true
	}
	return nil
}

// runGraph pushes the nodes [start, end) of g to the engine, resolving their calls from buff.
// Entries are dropped from buff as soon as their last reader was pushed (refCount is updated).
func (op *CachedOp) runGraph(sess *autograd.Session, g *graph.Graph, dev storage.Device, buff []tensors.Tensor, reqs []graph.OpReq,
	start, end int, refCount []int, states []*opState, plan *memplan.MemoryPlan) error {
	idx := g.IndexedGraph()
	dispatch := graph.MustAttr[graph.DispatchModeVector](g, graph.AttrDispatchMode)
	train := sess.IsTraining()
	for nid := start; nid < end; nid++ {
		inode := idx.Node(nid)
		if inode.Source.IsVariable() || plan.SkipNodes[nid] {
			continue
		}
		state, err := op.nodeState(g, dev, nid, states, false)
		if err != nil {
			return err
		}
		call, err := newNodeCall(idx, nid, buff, reqs, dispatch[nid], state)
		if err != nil {
			return errors.WithMessagef(err, "CachedOp %s", op.id)
		}
		op.pushCall(call, dev, train)

		for _, ne := range inode.Inputs {
			eid := idx.EntryIDOf(ne)
			if refCount[eid] > 0 {
				refCount[eid]--
			}
			if refCount[eid] == 0 {
				buff[eid] = tensors.Tensor{}
			}
		}
		for j := range inode.Source.NumOutputs() {
			if eid := idx.EntryID(nid, j); refCount[eid] == 0 {
				buff[eid] = tensors.Tensor{}
			}
		}
	}
	return nil
}
