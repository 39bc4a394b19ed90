// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memplan assigns storage slots to the entries of a graph, so that entries whose
// lifetimes don't overlap share memory.
//
// The planner sweeps the nodes in topological order, allocating a slot for each output and
// releasing the slots of inputs whose last consumer was visited. On top of that it detects
// in-place operations (an output reusing the slot of an input consumed for the last time) and,
// optionally, accumulation: the terms of an aggregation (add_n) written directly into the slot of
// its first term, so the aggregation node itself can be skipped.
package memplan

import (
	"fmt"

	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Special storage ids. Non-negative ids are slots.
const (
	// BadStorageID marks an entry not assigned yet. As a hint it means "plan it".
	BadStorageID = -1

	// ExternalStorageID marks entries whose memory is provided by the caller (inputs, outputs
	// bound to caller arrays, or forward entries seen by the backward plan).
	ExternalStorageID = -2

	// DynamicStorageID marks entries allocated by their producing kernel at run time.
	DynamicStorageID = -3
)

// StorageVector holds one storage id per entry.
type StorageVector []int

// NewStorageVector returns a vector of n BadStorageID.
func NewStorageVector(n int) StorageVector {
	v := make(StorageVector, n)
	for ii := range v {
		v[ii] = BadStorageID
	}
	return v
}

// EntryKind describes how an entry gets its memory.
type EntryKind int

const (
	// KindNoOp entries are never read: they get no memory and their write request is NullOp.
	KindNoOp EntryKind = iota
	KindAlloc
	// KindInplace entries share the slot of one of their producer's inputs.
	KindInplace
	// KindAccumulate entries are added to the slot of an aggregation's first term.
	KindAccumulate
	KindExternal
	KindDynamic
)

var kindNames = []string{"noop", "alloc", "inplace", "accumulate", "external", "dynamic"}

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

// PlanEntry is the plan for one entry.
type PlanEntry struct {
	StorageID int
	Kind      EntryKind
	// Bytes needed by the entry, -1 if unknown.
	Bytes int64
	// InplaceOf is the entry id whose slot this entry reuses, or -1.
	InplaceOf int
}

// Req returns the write request the producer of the entry should use.
func (e PlanEntry) Req() graph.OpReq {
	switch e.Kind {
	case KindNoOp:
		return graph.NullOp
	case KindAccumulate:
		return graph.AddTo
	case KindInplace:
		return graph.WriteInplace
	default:
		return graph.WriteTo
	}
}

// MemoryPlan is the result of PlanMemory.
type MemoryPlan struct {
	Entries []PlanEntry

	// SkipNodes marks the aggregation nodes made redundant by accumulation.
	SkipNodes []bool

	// SlotBytes is the size of each slot.
	SlotBytes []int64
}

// NumSlots returns the number of slots.
func (p *MemoryPlan) NumSlots() int { return len(p.SlotBytes) }

// StorageIDs returns the storage id of each entry.
func (p *MemoryPlan) StorageIDs() StorageVector {
	ids := make(StorageVector, len(p.Entries))
	for eid, e := range p.Entries {
		ids[eid] = e.StorageID
	}
	return ids
}

// Options of PlanMemory.
type Options struct {
	// NodeStart, NodeEnd is the range of nodes to plan. Zero values mean all nodes.
	NodeStart, NodeEnd int

	// DetectAccumulate enables the accumulation post-pass. It is only valid if the nodes run
	// in id order, since terms are summed into the slot in place.
	DetectAccumulate bool

	// MatchRange is the maximum ratio between a request and a reused free slot. Defaults to 16.
	MatchRange int
}

// DefaultMatchRange is the default Options.MatchRange.
const DefaultMatchRange = 16

// PlanMemory plans the memory of the entries produced by the nodes in range.
//
// The graph must have its shapes (graph.AttrShape) and dtypes (graph.AttrDType) inferred.
// hints gives, per entry, ExternalStorageID or DynamicStorageID for entries whose memory is
// decided elsewhere, and BadStorageID for the others. refCount gives the number of readers of
// each entry (graph outputs count as one), and is not modified.
//
// The result is deterministic: the same inputs always produce the same plan.
func PlanMemory(g *graph.Graph, hints StorageVector, refCount []int, opts Options) (*MemoryPlan, error) {
	idx := g.IndexedGraph()
	numEntries := idx.NumNodeEntries()
	if len(hints) != numEntries || len(refCount) != numEntries {
		return nil, errors.Errorf("PlanMemory: got %d hints and %d ref counts for %d entries", len(hints), len(refCount), numEntries)
	}
	shapeVec, found := graph.GetAttr[graph.ShapeVector](g, graph.AttrShape)
	if !found {
		return nil, errors.New("PlanMemory: graph shapes were not inferred")
	}
	dtypeVec, found := graph.GetAttr[graph.DTypeVector](g, graph.AttrDType)
	if !found {
		return nil, errors.New("PlanMemory: graph dtypes were not inferred")
	}
	nodeStart, nodeEnd := opts.NodeStart, opts.NodeEnd
	if nodeEnd <= nodeStart {
		nodeStart, nodeEnd = 0, idx.NumNodes()
	}
	matchRange := opts.MatchRange
	if matchRange <= 0 {
		matchRange = DefaultMatchRange
	}

	plan := &MemoryPlan{
		Entries:   make([]PlanEntry, numEntries),
		SkipNodes: make([]bool, idx.NumNodes()),
	}
	for eid := range plan.Entries {
		e := &plan.Entries[eid]
		e.StorageID, e.InplaceOf, e.Bytes = hints[eid], -1, -1
		if s := shapes.Shape.WithDType(shapeVec[eid], dtypeVec[eid]); s.Ok() {
			e.Bytes = int64(s.Memory())
		}
		switch hints[eid] {
		case ExternalStorageID:
			e.Kind = KindExternal
		case DynamicStorageID:
			e.Kind = KindDynamic
		case BadStorageID:
			e.Kind = KindNoOp
		default:
			return nil, errors.Errorf("PlanMemory: invalid storage hint %d for entry %d", hints[eid], eid)
		}
	}

	refs := append([]int(nil), refCount...)
	alloc := newSlotAllocator(matchRange)
	taken := make([]bool, numEntries)
	for nid := nodeStart; nid < nodeEnd; nid++ {
		inode := idx.Node(nid)
		src := inode.Source
		if src.IsVariable() {
			continue
		}
		op := src.Op()
		if op.InplaceOption != nil {
			for _, pair := range op.InplaceOption(&src.Attrs) {
				in, out := pair[0], pair[1]
				eidIn := idx.EntryIDOf(inode.Inputs[in])
				eidOut := idx.EntryID(nid, out)
				entryIn, entryOut := &plan.Entries[eidIn], &plan.Entries[eidOut]
				if taken[eidIn] || entryIn.StorageID < 0 || refs[eidIn] != 1 ||
					entryOut.StorageID != BadStorageID || refs[eidOut] == 0 ||
					entryIn.Bytes != entryOut.Bytes {
					continue
				}
				taken[eidIn] = true
				// The input slot now belongs to the output: consuming the input must not release it.
				refs[eidIn] = 0
				entryOut.StorageID = entryIn.StorageID
				entryOut.Kind = KindInplace
				entryOut.InplaceOf = eidIn
			}
		}
		for j := range src.NumOutputs() {
			eid := idx.EntryID(nid, j)
			e := &plan.Entries[eid]
			if e.StorageID != BadStorageID {
				continue
			}
			switch {
			case refs[eid] == 0:
				e.Kind = KindNoOp
			case e.Bytes < 0:
				e.StorageID, e.Kind = DynamicStorageID, KindDynamic
			default:
				e.StorageID, e.Kind = alloc.request(e.Bytes), KindAlloc
			}
		}
		for _, ne := range inode.Inputs {
			eid := idx.EntryIDOf(ne)
			if refs[eid] == 0 {
				continue
			}
			refs[eid]--
			if refs[eid] == 0 && plan.Entries[eid].StorageID >= 0 {
				alloc.release(plan.Entries[eid].StorageID)
			}
		}
	}
	plan.SlotBytes = alloc.slotBytes
	if opts.DetectAccumulate {
		detectAccumulate(idx, plan, refCount, nodeStart, nodeEnd)
	}
	if klog.V(2).Enabled() {
		klog.Infof("memplan: nodes [%d, %d): %s", nodeStart, nodeEnd, plan.Stats())
	}
	return plan, nil
}

// detectAccumulate rewrites aggregation nodes whose output is in place with their first term:
// the producers of the other terms accumulate directly into that slot, and the aggregation
// node is skipped.
func detectAccumulate(idx *graph.IndexedGraph, plan *MemoryPlan, refCount []int, nodeStart, nodeEnd int) {
	for nid := nodeStart; nid < nodeEnd; nid++ {
		inode := idx.Node(nid)
		src := inode.Source
		if src.IsVariable() || !src.Op().IsAggregate || len(inode.Inputs) < 2 {
			continue
		}
		eidOut := idx.EntryID(nid, 0)
		first := inode.Inputs[0]
		sid := plan.Entries[eidOut].StorageID
		if sid < 0 || plan.Entries[idx.EntryIDOf(first)].StorageID != sid {
			continue
		}
		if idx.Node(first.NodeID).Source.IsVariable() || refCount[idx.EntryIDOf(first)] != 1 {
			continue
		}
		ok := true
		for _, term := range inode.Inputs[1:] {
			eid := idx.EntryIDOf(term)
			e := plan.Entries[eid]
			if idx.Node(term.NodeID).Source.IsVariable() || refCount[eid] != 1 || term.NodeID <= first.NodeID ||
				term.NodeID < nodeStart || e.StorageID < 0 || e.Kind == KindInplace || e.Bytes != plan.Entries[eidOut].Bytes {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for _, term := range inode.Inputs[1:] {
			e := &plan.Entries[idx.EntryIDOf(term)]
			e.StorageID, e.Kind, e.InplaceOf = sid, KindAccumulate, -1
		}
		plan.SkipNodes[nid] = true
	}
}
