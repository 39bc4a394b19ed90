// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/pkg/support/sets"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"k8s.io/klog/v2"
)

// cachedState holds, for one device, the graphs with their cached attributes and, in static mode,
// the buffers and bound kernels reused across calls.
//
// In static mode a state is claimed by a call for its whole duration, and by a recorded call until
// its tape entry is released, so concurrent calls use different states. In dynamic mode the state
// is shared and only holds the graph attributes, guarded by mu.
type cachedState struct {
	dev     storage.Device
	claimed bool // guarded by CachedOp.mu

	mu   sync.Mutex
	info graphInfo

	// recording the forward buffers were allocated for.
	recording bool

	fwdAlloc, bwdAlloc       bool
	fwdExecInit, bwdExecInit bool

	// buff holds the tensors of the entries, and arrayReqs their write requests.
	buff      []tensors.Tensor
	arrayReqs []graph.OpReq

	// dynamicEntries are entries whose tensors change every call: inputs, outputs and entries
	// without a planned buffer.
	dynamicEntries []bool

	// execs are the bound kernels, segs the bulk segments they are grouped in, both indexed
	// by node id.
	execs    []*opCall
	segs     []opSeg
	opStates []*opState

	// bwdRebind are the parameter entries changed by forward calls since the backward kernels
	// were bound.
	bwdRebind sets.Set[int]

	// train is read by the segments when they run.
	train atomic.Bool
}

// newState creates a state for the device, with the graphs cloned from the CachedOp.
func (op *CachedOp) newState(dev storage.Device) *cachedState {
	fullIdx := op.fullGraph.IndexedGraph()
	numEntries, numNodes := fullIdx.NumNodeEntries(), fullIdx.NumNodes()
	s := &cachedState{
		dev: dev,
		info: graphInfo{
			fwdGraph:  op.fwdGraph.Clone(),
			fullGraph: op.fullGraph.Clone(),
		},
		buff:           make([]tensors.Tensor, numEntries),
		arrayReqs:      make([]graph.OpReq, numEntries),
		dynamicEntries: make([]bool, numEntries),
		execs:          make([]*opCall, numNodes),
		segs:           make([]opSeg, numNodes),
		opStates:       make([]*opState, numNodes),
	}
	s.info.bwdOutputReqs = make([]graph.OpReq, op.NumGradients())
	for ii := range s.info.bwdOutputReqs {
		s.info.bwdOutputReqs[ii] = graph.WriteTo
	}
	op.stats.states.Add(1)
	klog.V(1).Infof("CachedOp %s: created state #%d for %s", op.id, op.stats.states.Load(), dev)
	return s
}

// acquireState returns a state for the device. In static mode the state is claimed and must be
// returned with releaseState.
func (op *CachedOp) acquireState(dev storage.Device) *cachedState {
	op.mu.Lock()
	defer op.mu.Unlock()
	states := op.states[dev]
	if !op.cfg.StaticAlloc {
		if len(states) == 0 {
			states = append(states, op.newState(dev))
			op.states[dev] = states
		}
		return states[0]
	}
	for _, s := range states {
		if !s.claimed {
			s.claimed = true
			return s
		}
	}
	s := op.newState(dev)
	s.claimed = true
	op.states[dev] = append(states, s)
	return s
}

// releaseState returns a state claimed by acquireState.
func (op *CachedOp) releaseState(s *cachedState) {
	if !op.cfg.StaticAlloc {
		return
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	s.claimed = false
}

// staticTapeState is the tape state of a recorded static forward call: the claimed state holding
// the forward buffers read by the backward.
type staticTapeState struct {
	op        *CachedOp
	state     *cachedState
	outShapes []shapes.Shape
	once      sync.Once
}

// Release implements autograd.Releaser.
func (t *staticTapeState) Release() {
	t.once.Do(func() { t.op.releaseState(t.state) })
}
