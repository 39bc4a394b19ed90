// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"fmt"
	"slices"

	"github.com/gomlx/cachedop/autograd"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/pkg/support/sets"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// staticForward runs the forward graph on the buffers of a claimed state. If recording, the state
// stays claimed and is returned, to be released with the tape entry.
func (op *CachedOp) staticForward(sess *autograd.Session, dev storage.Device, inputs []tensors.Tensor, outputs []*tensors.Tensor) (*staticTapeState, error) {
	recording := sess.IsRecording()
	s := op.acquireState(dev)
	keepClaim := false
	defer func() {
		if !keepClaim {
			op.releaseState(s)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()

	match, err := op.setForwardGraph(&s.info, recording, inputs, dev)
	if err != nil {
		return nil, err
	}
	match = match && s.recording == recording
	g := s.info.fwdGraph
	idx := g.IndexedGraph()
	if !s.fwdAlloc || !match {
		if err := op.staticAllocMemory(s, recording, false); err != nil {
			return nil, err
		}
	}

	if op.cfg.StaticShape {
		// Bound kernels read the parameters directly: the ones reading a new parameter are rebound.
		changed := sets.Make[int]()
		for _, ii := range op.cfg.ParamIndices {
			eid := idx.EntryID(idx.InputNodes()[ii], 0)
			if !s.buff[eid].IsSame(inputs[ii]) {
				changed.Insert(eid)
				s.buff[eid] = inputs[ii]
				s.dynamicEntries[eid] = false
			}
		}
		for _, ii := range op.cfg.DataIndices {
			s.buff[idx.EntryID(idx.InputNodes()[ii], 0)] = inputs[ii]
		}
		if !s.fwdExecInit || !match {
			if err := op.staticInitExec(s, recording, false); err != nil {
				return nil, err
			}
		} else if len(changed) > 0 {
			if err := op.staticRebind(s, recording, false, changed); err != nil {
				return nil, err
			}
		}
		if s.bwdExecInit && len(changed) > 0 {
			if s.bwdRebind == nil {
				s.bwdRebind = sets.Make[int]()
			}
			for eid := range changed {
				s.bwdRebind.Insert(eid)
			}
		}
	} else {
		for ii, nid := range idx.InputNodes() {
			s.buff[idx.EntryID(nid, 0)] = inputs[ii]
		}
	}

	for ii, e := range idx.Outputs() {
		eid := idx.EntryIDOf(e)
		if idx.IsInputEntry(eid) {
			*outputs[ii] = s.buff[eid]
			continue
		}
		if err := op.prepareExternal(g, eid, dev, graph.WriteTo, outputs[ii], fmt.Sprintf("output #%d", ii)); err != nil {
			return nil, err
		}
		s.buff[eid] = *outputs[ii]
	}

	if err := op.staticRunOps(sess, s, g, 0, idx.NumNodes(), false); err != nil {
		return nil, err
	}
	s.releaseDynamicEntries(idx.NumNodeEntries())
	if !recording {
		return nil, nil
	}
	keepClaim = true
	return &staticTapeState{op: op, state: s}, nil
}

// staticBackward runs the backward nodes on the state claimed by the recorded forward call.
func (op *CachedOp) staticBackward(sess *autograd.Session, t *staticTapeState, inputs []tensors.Tensor, reqs []graph.OpReq, results []*tensors.Tensor) error {
	s := t.state
	s.mu.Lock()
	defer s.mu.Unlock()

	match, err := op.setBackwardGraph(&s.info, reqs, inputs, s.dev, true)
	if err != nil {
		return err
	}
	if !match {
		// The buffers may belong to a previous full graph, even if this call fails before
		// reallocating.
		s.bwdAlloc = false
	}
	g := s.info.fullGraph
	idx := g.IndexedGraph()
	if err := op.prepareResults(g, s.dev, reqs, results); err != nil {
		return err
	}
	if !s.bwdAlloc || !match {
		if err := op.staticAllocMemory(s, true, true); err != nil {
			return err
		}
	}

	changed := sets.Make[int]()
	for ii := range op.NumInputs() {
		gi, found := op.fwdInputToGradOutput[ii]
		if !found || reqs[gi] == graph.NullOp {
			continue
		}
		eid, found := idx.EntryIDFor(op.gradGraph.Outputs()[gi])
		if !found {
			continue
		}
		if op.cfg.StaticShape && slices.Contains(op.cfg.ParamIndices, ii) {
			if !s.buff[eid].IsSame(*results[gi]) || s.arrayReqs[eid] != reqs[gi] {
				changed.Insert(eid)
				s.buff[eid] = *results[gi]
				s.arrayReqs[eid] = reqs[gi]
				s.dynamicEntries[eid] = false
			}
			continue
		}
		s.buff[eid] = *results[gi]
		s.arrayReqs[eid] = reqs[gi]
	}
	if op.cfg.StaticShape {
		if !s.bwdExecInit || !match {
			if err := op.staticInitExec(s, true, true); err != nil {
				return err
			}
		} else {
			for eid := range s.bwdRebind {
				changed.Insert(eid)
			}
			if len(changed) > 0 {
				if err := op.staticRebind(s, true, true, changed); err != nil {
					return err
				}
			}
		}
		s.bwdRebind = nil
	}
	for ii, eid := range s.info.bwdInputEIDs {
		if eid >= 0 && s.dynamicEntries[eid] {
			s.buff[eid] = inputs[ii]
		}
	}

	numForwardNodes := op.fwdGraph.IndexedGraph().NumNodes()
	if err := op.staticRunOps(sess, s, g, numForwardNodes, idx.NumNodes(), true); err != nil {
		return err
	}
	s.releaseDynamicEntries(idx.NumNodeEntries())
	return nil
}

// releaseDynamicEntries drops the references to the caller's tensors, once the kernels using
// them were pushed. Backward takes the ones it needs again from the tape entry.
func (s *cachedState) releaseDynamicEntries(numEntries int) {
	for eid := range numEntries {
		if s.dynamicEntries[eid] {
			s.buff[eid] = tensors.Tensor{}
		}
	}
}

// staticAllocMemory assigns the state buffers of the forward entries or, for backward, of the
// entries of the backward nodes, following the memory plan.
func (op *CachedOp) staticAllocMemory(s *cachedState, recording, backward bool) error {
	var (
		g     *graph.Graph
		plan  *memplan.MemoryPlan
		start int
	)
	if backward {
		g = s.info.fullGraph
		plan = graph.MustAttr[*memplan.MemoryPlan](g, attrBackwardMemPlan)
		start = op.fwdGraph.IndexedGraph().NumNodeEntries()
	} else {
		g = s.info.fwdGraph
		_, planAttr := forwardPlanAttrs(recording)
		plan = graph.MustAttr[*memplan.MemoryPlan](g, planAttr)
	}
	idx := g.IndexedGraph()
	end := idx.NumNodeEntries()
	for eid := start; eid < end; eid++ {
		s.buff[eid] = tensors.Tensor{}
		s.dynamicEntries[eid] = false
		s.arrayReqs[eid] = plan.Entries[eid].Req()
	}
	for _, nid := range idx.InputNodes() {
		if eid := idx.EntryID(nid, 0); eid >= start {
			s.dynamicEntries[eid] = true
		}
	}
	for _, e := range idx.Outputs() {
		if eid := idx.EntryIDOf(e); eid >= start {
			s.dynamicEntries[eid] = true
		}
	}
	if err := op.allocateMemory(g, s.dev, plan, start, end, s.buff, s.arrayReqs); err != nil {
		return err
	}
	if backward {
		s.bwdAlloc = true
	} else {
		s.fwdAlloc, s.bwdAlloc = true, false
		s.fwdExecInit = false
		s.recording = recording
	}
	s.bwdExecInit = false
	op.stats.staticAllocs.Add(1)
	return nil
}

// staticInitExec binds the kernels of the nodes whose tensors are all fixed in the state, and
// groups them in bulk segments. It also creates the states of the stateful forward nodes.
func (op *CachedOp) staticInitExec(s *cachedState, recording, backward bool) error {
	g, plan, start, end, bulkSize := op.staticExecRange(s, recording, backward)
	idx := g.IndexedGraph()
	dispatch := graph.MustAttr[graph.DispatchModeVector](g, graph.AttrDispatchMode)
	clear(s.execs[start:end])

	isDynamic := func(nid int) bool {
		inode := idx.Node(nid)
		for _, ne := range inode.Inputs {
			if s.dynamicEntries[idx.EntryIDOf(ne)] {
				return true
			}
		}
		for j := range inode.Source.NumOutputs() {
			if s.dynamicEntries[idx.EntryID(nid, j)] {
				return true
			}
		}
		return false
	}
	for nid := start; nid < end; nid++ {
		src := idx.Node(nid).Source
		if src.IsVariable() || plan.SkipNodes[nid] {
			continue
		}
		var state *opState
		if src.Op().IsStateful() {
			var err error
			if state, err = op.nodeState(g, s.dev, nid, s.opStates, false); err != nil {
				return err
			}
		}
		if isDynamic(nid) {
			continue
		}
		call, err := newNodeCall(idx, nid, s.buff, s.arrayReqs, dispatch[nid], state)
		if err != nil {
			return errors.WithMessagef(err, "CachedOp %s: failed to bind", op.id)
		}
		s.execs[nid] = call
	}

	var excludes sets.Set[int]
	if recording || backward {
		excludes = sets.Make[int]()
		for _, nid := range idx.InputNodes() {
			excludes.Insert(idx.EntryID(nid, 0))
		}
		for _, e := range idx.Outputs() {
			excludes.Insert(idx.EntryIDOf(e))
		}
	}
	op.createSegments(s, g, plan, start, end, bulkSize, excludes)
	if backward {
		s.bwdExecInit = true
	} else {
		s.fwdExecInit = true
	}
	op.stats.bindings.Add(1)
	return nil
}

// staticExecRange returns the graph, memory plan, node range and bulk size of the forward or
// backward kernels of the state.
func (op *CachedOp) staticExecRange(s *cachedState, recording, backward bool) (g *graph.Graph, plan *memplan.MemoryPlan, start, end, bulkSize int) {
	numForwardNodes := op.fwdGraph.IndexedGraph().NumNodes()
	if backward {
		g = s.info.fullGraph
		plan = graph.MustAttr[*memplan.MemoryPlan](g, attrBackwardMemPlan)
		return g, plan, numForwardNodes, g.IndexedGraph().NumNodes(), op.cfg.BackwardBulkSize
	}
	g = s.info.fwdGraph
	_, planAttr := forwardPlanAttrs(recording)
	plan = graph.MustAttr[*memplan.MemoryPlan](g, planAttr)
	bulkSize = numForwardNodes
	if recording {
		bulkSize = op.cfg.ForwardBulkSize
	}
	return g, plan, 0, numForwardNodes, bulkSize
}

// staticRebind re-binds only the bound kernels reading or writing one of the entries eids, whose
// tensors changed, and rebuilds the segments holding them. Segment boundaries don't change, since
// the entries stay fixed in the state.
func (op *CachedOp) staticRebind(s *cachedState, recording, backward bool, eids sets.Set[int]) error {
	g, _, start, end, _ := op.staticExecRange(s, recording, backward)
	idx := g.IndexedGraph()
	dispatch := graph.MustAttr[graph.DispatchModeVector](g, graph.AttrDispatchMode)
	touches := func(nid int) bool {
		inode := idx.Node(nid)
		for _, ne := range inode.Inputs {
			if eids.Has(idx.EntryIDOf(ne)) {
				return true
			}
		}
		for j := range inode.Source.NumOutputs() {
			if eids.Has(idx.EntryID(nid, j)) {
				return true
			}
		}
		return false
	}

	rebound := sets.Make[int]()
	for nid := start; nid < end; nid++ {
		prev := s.execs[nid]
		if prev == nil || !touches(nid) {
			continue
		}
		call, err := newNodeCall(idx, nid, s.buff, s.arrayReqs, dispatch[nid], prev.state)
		if err != nil {
			return errors.WithMessagef(err, "CachedOp %s: failed to rebind", op.id)
		}
		s.execs[nid] = call
		rebound.Insert(nid)
	}
	if len(rebound) == 0 {
		return nil
	}
	for nid := start; nid < end; {
		seg := s.segs[nid]
		if seg.op == nil {
			nid++
			continue
		}
		var calls []*opCall
		stale := false
		for k := nid; k < seg.next; k++ {
			if c := s.execs[k]; c != nil {
				calls = append(calls, c)
				stale = stale || rebound.Has(k)
			}
		}
		if stale {
			s.segs[nid].op = op.newSegmentOperator(s, calls)
		}
		nid = seg.next
	}
	op.stats.rebinds.Add(int64(len(rebound)))
	klog.V(2).Infof("CachedOp %s: rebound %d kernels (backward=%v) for entries %v", op.id, len(rebound), backward, sets.Sorted(eids))
	return nil
}

// staticRunOps pushes the nodes [start, end) of g to the engine, using the state buffers. With
// StaticShape the bound segments are pushed, and only the other nodes are resolved at run time.
func (op *CachedOp) staticRunOps(sess *autograd.Session, s *cachedState, g *graph.Graph, start, end int, backward bool) error {
	train := sess.IsTraining()
	s.train.Store(train)
	idx := g.IndexedGraph()
	var plan *memplan.MemoryPlan
	if backward {
		plan = graph.MustAttr[*memplan.MemoryPlan](g, attrBackwardMemPlan)
	} else {
		_, planAttr := forwardPlanAttrs(s.recording)
		plan = graph.MustAttr[*memplan.MemoryPlan](g, planAttr)
	}
	dispatch := graph.MustAttr[graph.DispatchModeVector](g, graph.AttrDispatchMode)
	for nid := start; nid < end; nid++ {
		src := idx.Node(nid).Source
		if src.IsVariable() || plan.SkipNodes[nid] {
			continue
		}
		if op.cfg.StaticShape {
			if seg := s.segs[nid]; seg.op != nil {
				op.rt.Engine.Push(seg.op, s.dev)
				nid = max(seg.next, nid+1) - 1
				continue
			}
		}
		var state *opState
		if src.Op().IsStateful() {
			var err error
			if state, err = op.nodeState(g, s.dev, nid, s.opStates, op.cfg.StaticShape); err != nil {
				return err
			}
		}
		call, err := newNodeCall(idx, nid, s.buff, s.arrayReqs, dispatch[nid], state)
		if err != nil {
			return errors.WithMessagef(err, "CachedOp %s", op.id)
		}
		op.pushCall(call, s.dev, train)
	}
	return nil
}
