// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"slices"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// opState is the state of a stateful node, with the engine variable serializing its users.
type opState struct {
	value any
	v     *engine.Var
}

// newOpState creates the state of node n, given the shapes and dtypes of its inputs.
func (op *CachedOp) newOpState(n *graph.Node, dev storage.Device, inShapes []shapes.Shape, inTypes []dtypes.DType) (*opState, error) {
	value, err := n.Op().CreateState(&n.Attrs, dev, inShapes, inTypes)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the state of node %q", n.Name())
	}
	return &opState{value: value, v: op.rt.Engine.NewVar(n.Name() + "/state")}, nil
}

// nodeState returns the state used by node nid of g: layer backward nodes use the state of their
// forward node, and nodes with CreateState get a new one (stored in states) unless reuse is set
// and one already exists.
func (op *CachedOp) nodeState(g *graph.Graph, dev storage.Device, nid int, states []*opState, reuse bool) (*opState, error) {
	idx := g.IndexedGraph()
	inode := idx.Node(nid)
	def := inode.Source.Op()
	switch {
	case def.IsLayerBackward:
		if len(inode.ControlDeps) == 0 || states[inode.ControlDeps[0]] == nil {
			return nil, errors.Errorf("node %q (%s) has no state from its forward node", inode.Source.Name(), def.Name)
		}
		return states[inode.ControlDeps[0]], nil
	case def.CreateState != nil:
		if reuse && states[nid] != nil {
			return states[nid], nil
		}
		shapeVec := graph.MustAttr[graph.ShapeVector](g, graph.AttrShape)
		dtypeVec := graph.MustAttr[graph.DTypeVector](g, graph.AttrDType)
		inShapes := make([]shapes.Shape, len(inode.Inputs))
		inTypes := make([]dtypes.DType, len(inode.Inputs))
		for ii, ne := range inode.Inputs {
			eid := idx.EntryIDOf(ne)
			inShapes[ii], inTypes[ii] = shapeVec[eid], dtypeVec[eid]
		}
		st, err := op.newOpState(inode.Source, dev, inShapes, inTypes)
		if err != nil {
			return nil, err
		}
		states[nid] = st
		return st, nil
	}
	return nil, nil
}

// opCall is one invocation of a node's kernel, with its arguments resolved.
type opCall struct {
	node     *graph.Node
	inputs   []tensors.Tensor
	outputs  []tensors.Tensor
	reqs     []graph.OpReq
	dispatch graph.DispatchMode
	state    *opState
}

func newOpCall(n *graph.Node, inputs, outputs []tensors.Tensor, reqs []graph.OpReq, dispatch graph.DispatchMode, state *opState) (*opCall, error) {
	for ii, t := range inputs {
		if t.IsNone() {
			return nil, errors.Errorf("node %q (%s): input #%d is not available", n.Name(), n.Op().Name, ii)
		}
	}
	for ii, t := range outputs {
		if reqs[ii] != graph.NullOp && t.IsNone() {
			return nil, errors.Errorf("node %q (%s): output #%d has no memory assigned", n.Name(), n.Op().Name, ii)
		}
	}
	if n.Op().IsStateful() && state == nil {
		return nil, errors.Errorf("node %q (%s) is stateful but has no state", n.Name(), n.Op().Name)
	}
	return &opCall{node: n, inputs: inputs, outputs: outputs, reqs: reqs, dispatch: dispatch, state: state}, nil
}

// newNodeCall creates the call of node nid of idx, taking its tensors from buff and its output
// requests from reqs.
func newNodeCall(idx *graph.IndexedGraph, nid int, buff []tensors.Tensor, reqs []graph.OpReq, dispatch graph.DispatchMode, state *opState) (*opCall, error) {
	inode := idx.Node(nid)
	inputs := make([]tensors.Tensor, len(inode.Inputs))
	for ii, ne := range inode.Inputs {
		inputs[ii] = buff[idx.EntryIDOf(ne)]
	}
	numOutputs := inode.Source.NumOutputs()
	outputs := make([]tensors.Tensor, numOutputs)
	outReqs := make([]graph.OpReq, numOutputs)
	for j := range numOutputs {
		eid := idx.EntryID(nid, j)
		outputs[j], outReqs[j] = buff[eid], reqs[eid]
	}
	return newOpCall(inode.Source, inputs, outputs, outReqs, dispatch, state)
}

// dependencies returns the engine variables the call reads and writes.
func (c *opCall) dependencies() (reads, writes []*engine.Var) {
	reads = make([]*engine.Var, 0, len(c.inputs))
	for _, t := range c.inputs {
		reads = append(reads, t.Var())
	}
	for ii, t := range c.outputs {
		if c.reqs[ii] != graph.NullOp {
			writes = append(writes, t.Var())
		}
	}
	if c.node.Op().MutateInputs != nil {
		for _, ii := range c.node.Op().MutateInputs(&c.node.Attrs) {
			writes = append(writes, c.inputs[ii].Var())
		}
	}
	if c.state != nil {
		writes = append(writes, c.state.v)
	}
	return
}

// run executes the kernel. It is called by the engine, once the dependencies are ready.
//
// With the fallback dispatch mode, non-default inputs are converted to dense temporaries, and
// non-default outputs are computed into dense temporaries and converted back.
func (c *opCall) run(ctx graph.OpContext) error {
	def := c.node.Op()
	inputs, outputs := c.inputs, c.outputs
	var converted []int
	if c.dispatch == graph.DispatchFComputeFallback {
		inputs = slices.Clone(c.inputs)
		for ii, t := range inputs {
			if t.StorageType() == shapes.DefaultStorage {
				continue
			}
			dense, err := ctx.Runtime.New(t.Shape(), ctx.Device)
			if err != nil {
				return err
			}
			if err := tensors.RowSparseToDense(t, dense); err != nil {
				return errors.WithMessagef(err, "node %q: converting input #%d", c.node.Name(), ii)
			}
			inputs[ii] = dense
		}
		outputs = slices.Clone(c.outputs)
		for ii, t := range outputs {
			if c.reqs[ii] == graph.NullOp || t.StorageType() == shapes.DefaultStorage {
				continue
			}
			if c.reqs[ii] == graph.AddTo {
				return errors.Errorf("node %q (%s): can't accumulate into the %s output #%d", c.node.Name(), def.Name, t.StorageType(), ii)
			}
			dense, err := ctx.Runtime.New(t.Shape(), ctx.Device)
			if err != nil {
				return err
			}
			outputs[ii] = dense
			converted = append(converted, ii)
		}
	}
	for ii, t := range outputs {
		if c.reqs[ii] != graph.NullOp && t.StorageType() == shapes.DefaultStorage {
			if err := t.CheckAndAlloc(); err != nil {
				return err
			}
		}
	}

	var err error
	switch {
	case def.StatefulCompute != nil:
		err = def.StatefulCompute(ctx, c.state.value, &c.node.Attrs, inputs, c.reqs, outputs)
	case c.dispatch == graph.DispatchFComputeEx && def.ComputeEx != nil:
		err = def.ComputeEx(ctx, &c.node.Attrs, inputs, c.reqs, outputs)
	case def.Compute != nil:
		err = def.Compute(ctx, &c.node.Attrs, inputs, c.reqs, outputs)
	default:
		err = errors.Errorf("no kernel for dispatch mode %s", c.dispatch)
	}
	if err != nil {
		return errors.WithMessagef(err, "node %q (%s)", c.node.Name(), def.Name)
	}
	for _, ii := range converted {
		if err := tensors.DenseToRowSparse(outputs[ii], c.outputs[ii]); err != nil {
			return errors.WithMessagef(err, "node %q: converting output #%d", c.node.Name(), ii)
		}
	}
	if klog.V(3).Enabled() {
		klog.Infof("ran %s(%q): reqs=%v, train=%v", def.Name, c.node.Name(), c.reqs, ctx.IsTrain)
	}
	return nil
}

// pushCall submits the call to the engine.
func (op *CachedOp) pushCall(c *opCall, dev storage.Device, train bool) {
	reads, writes := c.dependencies()
	ctx := graph.OpContext{IsTrain: train, Device: dev, Runtime: op.rt}
	op.rt.Engine.PushAsync(func(engine.RunContext) error {
		return c.run(ctx)
	}, dev, reads, writes, c.node.Name())
}

// allocateMemory assigns tensors to the entries [entryStart, entryEnd) of g following the plan.
// Entries with a NullOp request and external entries are left untouched. Entries sharing a
// storage id are views of the same buffer.
//
// It also upgrades the requests of in-place and accumulating entries.
func (op *CachedOp) allocateMemory(g *graph.Graph, dev storage.Device, plan *memplan.MemoryPlan, entryStart, entryEnd int,
	buff []tensors.Tensor, reqs []graph.OpReq) error {
	shapeVec := graph.MustAttr[graph.ShapeVector](g, graph.AttrShape)
	dtypeVec := graph.MustAttr[graph.DTypeVector](g, graph.AttrDType)
	stypeVec := graph.MustAttr[graph.StorageTypeVector](g, graph.AttrStorageType)
	slots := make([]tensors.Tensor, plan.NumSlots())
	for eid := entryStart; eid < entryEnd; eid++ {
		if reqs[eid] == graph.NullOp {
			continue
		}
		pe := plan.Entries[eid]
		shape := shapeVec[eid].WithDType(dtypeVec[eid])
		switch pe.Kind {
		case memplan.KindNoOp, memplan.KindExternal:
			continue
		case memplan.KindDynamic:
			buff[eid] = op.rt.Empty(shape, stypeVec[eid], dev)
			continue
		}
		sid := pe.StorageID
		if slots[sid].IsNone() {
			var err error
			slots[sid], err = op.rt.NewBuffer(int(plan.SlotBytes[sid]), dev)
			if err != nil {
				return errors.WithMessagef(err, "CachedOp %s: failed to allocate slot #%d (%d bytes)", op.id, sid, plan.SlotBytes[sid])
			}
		}
		buff[eid] = slots[sid].AsArray(shape)
		if reqs[eid] == graph.WriteTo {
			switch pe.Kind {
			case memplan.KindInplace:
				reqs[eid] = graph.WriteInplace
			case memplan.KindAccumulate:
				reqs[eid] = graph.AddTo
			}
		}
	}
	return nil
}
