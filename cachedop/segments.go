// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"fmt"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/pkg/support/sets"
	"k8s.io/klog/v2"
)

// opSeg is a bulk segment: a pre-built engine operator running the bound calls of the nodes
// [nid, next), where nid is the index of the segment in cachedState.segs.
type opSeg struct {
	next int
	op   *engine.Operator
}

// createSegments groups the bound calls of the nodes [start, end) in segments of at most bulkSize
// calls. A segment stops at nodes without a bound call (they run individually), at stateful
// nodes (that get a segment of their own) and at nodes touching an excluded entry.
func (op *CachedOp) createSegments(s *cachedState, g *graph.Graph, plan *memplan.MemoryPlan, start, end, bulkSize int, excludes sets.Set[int]) {
	idx := g.IndexedGraph()
	clear(s.segs[start:end])
	var pending []*opCall
	segStart := -1
	flush := func(next int) {
		if len(pending) > 0 {
			s.segs[segStart] = opSeg{next: next, op: op.newSegmentOperator(s, pending)}
		}
		pending, segStart = nil, -1
	}
	touchesExcluded := func(nid int) bool {
		if len(excludes) == 0 {
			return false
		}
		inode := idx.Node(nid)
		for _, ne := range inode.Inputs {
			if excludes.Has(idx.EntryIDOf(ne)) {
				return true
			}
		}
		for j := range inode.Source.NumOutputs() {
			if excludes.Has(idx.EntryID(nid, j)) {
				return true
			}
		}
		return false
	}

	numSegments := 0
	for nid := start; nid < end; nid++ {
		if idx.Node(nid).Source.IsVariable() || plan.SkipNodes[nid] {
			continue
		}
		call := s.execs[nid]
		isolated := call != nil && call.node.Op().IsStateful()
		if call == nil || isolated || len(pending) >= bulkSize || touchesExcluded(nid) {
			if len(pending) > 0 {
				numSegments++
			}
			flush(nid)
		}
		switch {
		case call == nil:
			continue
		case isolated:
			s.segs[nid] = opSeg{next: nid + 1, op: op.newSegmentOperator(s, []*opCall{call})}
			numSegments++
		default:
			if segStart < 0 {
				segStart = nid
			}
			pending = append(pending, call)
		}
	}
	if len(pending) > 0 {
		numSegments++
	}
	flush(end)
	klog.V(2).Infof("CachedOp %s: nodes [%d, %d) grouped in %d segments (bulk size %d)", op.id, start, end, numSegments, bulkSize)
}

// newSegmentOperator pre-builds the engine operator running the calls in order. The training
// flag is read from the state when the operator runs.
func (op *CachedOp) newSegmentOperator(s *cachedState, calls []*opCall) *engine.Operator {
	var reads, writes []*engine.Var
	for _, c := range calls {
		r, w := c.dependencies()
		reads = append(reads, r...)
		writes = append(writes, w...)
	}
	name := calls[0].node.Name()
	if len(calls) > 1 {
		name = fmt.Sprintf("%s+%d", name, len(calls)-1)
	}
	dev, rt := s.dev, op.rt
	fn := func(engine.RunContext) error {
		ctx := graph.OpContext{IsTrain: s.train.Load(), Device: dev, Runtime: rt}
		for _, c := range calls {
			if err := c.run(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	return op.rt.Engine.NewOperator(fn, reads, writes, name)
}
