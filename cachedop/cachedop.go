// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cachedop implements CachedOp, an executor that compiles a graph once and replays it
// across many calls, including its gradient.
//
// At construction the CachedOp builds the forward graph, synthesizes the gradient graph and the
// full graph (forward followed by backward nodes), and computes the reference counts used by
// memory planning. Each call then re-infers shapes, dtypes and storage types and re-plans memory
// only if the signature of the inputs changed, and runs the graph in one of two modes:
//
//   - Dynamic (the default): buffers are allocated for every call following the memory plan,
//     and intermediate entries are released as soon as their last reader was submitted.
//   - Static (Config.StaticAlloc): buffers live in a per-device state and are reused across
//     calls. With Config.StaticShape kernels are also bound to their buffers once and grouped
//     into bulk segments pushed to the engine as single operations.
//
// When the autograd.Session is recording, Forward pushes an entry to the session tape, from which
// Backward computes the gradients of the inputs.
//
// Example:
//
//	cfg, err := cachedop.DefaultConfig()
//	op, err := cachedop.New(loss.Node.Outputs(), cfg, rt)
//	sess := autograd.NewSession()
//	sess.SetRecording(true)
//	h, err := op.Forward(sess, []tensors.Tensor{x, w, b}, []*tensors.Tensor{&out})
//	sess.SetRecording(false)
//	err = op.Backward(sess, h, false, []tensors.Tensor{ones}, reqs, []*tensors.Tensor{&gradX, &gradW, &gradB})
package cachedop

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cachedop/autograd"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/ops"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CachedOp executes a graph and its gradient, caching everything that doesn't depend on the
// values of the inputs. It is safe for concurrent use.
type CachedOp struct {
	id  uuid.UUID
	cfg Config
	rt  *tensors.Runtime

	fwdGraph  *graph.Graph
	gradGraph *graph.Graph
	fullGraph *graph.Graph

	inlining bool

	// ogradEntries are the variables of the output gradients, one per forward output.
	ogradEntries []graph.Entry

	// fwdInputToGradOutput maps input indices to gradient output indices. Mutable inputs
	// have no gradient.
	fwdInputToGradOutput map[int]int
	mutableInputs        []int

	// Backward dependencies: output gradients, inputs and outputs read by the backward nodes.
	bwdOgradDep, bwdInDep, bwdOutDep []int
	saveInputs, saveOutputs          []bool

	mu     sync.Mutex
	states map[storage.Device][]*cachedState

	stats struct {
		states, forwardPlans, backwardPlans, staticAllocs, bindings, rebinds atomic.Int64
	}
}

// New creates a CachedOp for the graph with the given outputs.
//
// Repeated outputs are made distinct with copies. The gradient is taken with respect to all
// inputs not mutated by some operator. If rt is nil, tensors.DefaultRuntime is used.
func New(outputs []graph.Entry, cfg Config, rt *tensors.Runtime) (*CachedOp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.New("cachedop.New: no outputs given")
	}
	if rt == nil {
		var err error
		rt, err = tensors.DefaultRuntime()
		if err != nil {
			return nil, err
		}
	}
	cfg.DataIndices = slices.Clone(cfg.DataIndices)
	cfg.ParamIndices = slices.Clone(cfg.ParamIndices)
	op := &CachedOp{
		id:                   uuid.New(),
		cfg:                  cfg,
		rt:                   rt,
		fwdInputToGradOutput: make(map[int]int),
		states:               make(map[storage.Device][]*cachedState),
	}

	// Forward graph, with repeated outputs made distinct.
	fwdOutputs := make([]graph.Entry, 0, len(outputs))
	dedup := make(map[graph.Entry]int, len(outputs))
	for _, e := range outputs {
		count, seen := dedup[e]
		if !seen || e.Node == nil {
			dedup[e] = 0
			fwdOutputs = append(fwdOutputs, e)
			continue
		}
		copyNode, err := graph.NewNode(ops.CopyOpName, fmt.Sprintf("%s_copy%d", e.Node.Name(), count), []graph.Entry{e})
		if err != nil {
			return nil, err
		}
		dedup[e] = count + 1
		fwdOutputs = append(fwdOutputs, copyNode.Output(0))
	}
	var err error
	op.fwdGraph, err = graph.BuildGraph(fwdOutputs)
	if err != nil {
		return nil, err
	}
	idx := op.fwdGraph.IndexedGraph()
	numInputs := len(idx.InputNodes())
	refCount := idx.ConsumerCounts(0, idx.NumNodes())
	for _, nid := range idx.InputNodes() {
		refCount[idx.EntryID(nid, 0)]++
	}
	for _, e := range idx.Outputs() {
		refCount[idx.EntryIDOf(e)]++
	}
	op.fwdGraph.SetAttr(attrForwardRefCount, refCount)

	if err := op.cfg.resolveIndices(numInputs); err != nil {
		return nil, err
	}

	if err := op.buildGradient(); err != nil {
		return nil, err
	}
	op.inlining = !cfg.StaticAlloc && idx.NumNodes()-numInputs <= cfg.InlineLimit && op.canInline()

	klog.V(1).Infof("CachedOp %s: %d inputs, %d outputs, %d forward nodes, %d full graph nodes (inlining=%v, %s)",
		op.id, numInputs, len(fwdOutputs), idx.NumNodes(), op.fullGraph.IndexedGraph().NumNodes(), op.inlining, op.cfg)
	return op, nil
}

// buildGradient creates the gradient and full graphs, and the backward dependencies.
func (op *CachedOp) buildGradient() error {
	idx := op.fwdGraph.IndexedGraph()
	for ii, e := range op.fwdGraph.Outputs() {
		name := fmt.Sprintf("ograd%d", ii)
		if e.Node != nil {
			name = fmt.Sprintf("%s_ograd%d", e.Node.Name(), ii)
		}
		op.ogradEntries = append(op.ogradEntries, graph.NewVariable(name).Output(0))
	}
	mutable := idx.MutableInputNodes()
	var xs []graph.Entry
	for ii, nid := range idx.InputNodes() {
		if mutable.Has(nid) {
			op.mutableInputs = append(op.mutableInputs, ii)
			continue
		}
		op.fwdInputToGradOutput[ii] = len(xs)
		xs = append(xs, idx.Node(nid).Source.Output(0))
	}

	zerosLike, found := graph.LookupOp(ops.ZerosLikeOpName)
	addN, found2 := graph.LookupOp(ops.AddNOpName)
	copyOp, found3 := graph.LookupOp(ops.CopyOpName)
	if !found || !found2 || !found3 {
		return errors.Errorf("CachedOp requires the operators %q, %q and %q", ops.ZerosLikeOpName, ops.AddNOpName, ops.CopyOpName)
	}
	var err error
	op.gradGraph, err = graph.Gradient(op.fwdGraph, op.fwdGraph.Outputs(), xs, op.ogradEntries,
		graph.NewSumAggregator(addN, zerosLike), []*graph.OpDef{zerosLike}, copyOp)
	if err != nil {
		return errors.WithMessagef(err, "CachedOp %s: failed to build the gradient graph", op.id)
	}

	op.fullGraph, err = graph.BuildGraph(slices.Concat(op.fwdGraph.Outputs(), op.gradGraph.Outputs()))
	if err != nil {
		return err
	}
	fullIdx := op.fullGraph.IndexedGraph()
	bwdRefCount := fullIdx.ConsumerCounts(idx.NumNodes(), fullIdx.NumNodes())
	fullRefCount := slices.Clone(graph.MustAttr[[]int](op.fwdGraph, attrForwardRefCount))
	for eid := range fullRefCount {
		fullRefCount[eid] += bwdRefCount[eid]
	}
	op.fwdGraph.SetAttr(attrFullRefCount, fullRefCount)

	for ii, og := range op.ogradEntries {
		if eid, found := fullIdx.EntryIDFor(og); found && bwdRefCount[eid] > 0 {
			op.bwdOgradDep = append(op.bwdOgradDep, ii)
		}
	}
	op.saveInputs = make([]bool, len(idx.InputNodes()))
	for ii, nid := range idx.InputNodes() {
		if bwdRefCount[idx.EntryID(nid, 0)] > 0 {
			op.bwdInDep = append(op.bwdInDep, ii)
			op.saveInputs[ii] = true
		}
	}
	op.saveOutputs = make([]bool, len(idx.Outputs()))
	for ii, e := range idx.Outputs() {
		if bwdRefCount[idx.EntryIDOf(e)] > 0 {
			op.bwdOutDep = append(op.bwdOutDep, ii)
			op.saveOutputs[ii] = true
		}
	}
	return nil
}

// canInline returns whether the backward can recompute the forward from the inputs alone: the
// full graph has no stateful operators and mutates no inputs.
func (op *CachedOp) canInline() bool {
	if len(op.mutableInputs) > 0 {
		return false
	}
	idx := op.fullGraph.IndexedGraph()
	for nid := range idx.NumNodes() {
		src := idx.Node(nid).Source
		if !src.IsVariable() && src.Op().IsStateful() {
			return false
		}
	}
	return true
}

// ID returns the unique id of the CachedOp, used in logs.
func (op *CachedOp) ID() uuid.UUID { return op.id }

// Config returns the configuration, with the indices resolved.
func (op *CachedOp) Config() Config { return op.cfg }

// NumInputs returns the number of inputs of the graph.
func (op *CachedOp) NumInputs() int { return len(op.fwdGraph.IndexedGraph().InputNodes()) }

// NumOutputs returns the number of outputs of the graph.
func (op *CachedOp) NumOutputs() int { return op.fwdGraph.NumOutputs() }

// NumGradients returns the number of gradients computed by Backward: one per input not mutated
// by the graph.
func (op *CachedOp) NumGradients() int { return op.gradGraph.NumOutputs() }

// NumBackwardInputs returns the number of tensors the backward reads: the needed output
// gradients plus the saved inputs and outputs. Inlined graphs save all inputs and no outputs.
func (op *CachedOp) NumBackwardInputs() int {
	if op.inlining {
		return len(op.bwdOgradDep) + op.NumInputs()
	}
	return len(op.bwdOgradDep) + len(op.bwdInDep) + len(op.bwdOutDep)
}

// InputNames returns the names of the graph inputs, in the order Forward takes them.
func (op *CachedOp) InputNames() []string { return op.fwdGraph.IndexedGraph().InputNames() }

// GradientIndex returns the index (in Backward results) of the gradient of the given input.
// It returns false for mutable inputs, which have no gradient.
func (op *CachedOp) GradientIndex(input int) (int, bool) {
	gi, found := op.fwdInputToGradOutput[input]
	return gi, found
}

// MutableInputs returns the indices of the inputs written by the graph (auxiliary states).
func (op *CachedOp) MutableInputs() []int { return slices.Clone(op.mutableInputs) }

// SaveInputs returns which inputs are kept by recorded forward calls for the backward.
func (op *CachedOp) SaveInputs() []bool { return slices.Clone(op.saveInputs) }

// SaveOutputs returns which outputs are kept by recorded forward calls for the backward.
func (op *CachedOp) SaveOutputs() []bool { return slices.Clone(op.saveOutputs) }

// IsInlined returns whether recorded forward calls of the graph are run as inference calls,
// keeping only the inputs in the tape, with the backward recomputing the forward. Only stateless
// graphs of at most Config.InlineLimit operators are inlined, and never with StaticAlloc.
func (op *CachedOp) IsInlined() bool { return op.inlining }

// ForwardGraph returns the forward graph. Its attributes must not be changed.
func (op *CachedOp) ForwardGraph() *graph.Graph { return op.fwdGraph }

// GradientGraph returns the gradient graph: one output per gradient.
func (op *CachedOp) GradientGraph() *graph.Graph { return op.gradGraph }

// FullGraph returns the forward outputs followed by the gradients, with all gradients requested.
func (op *CachedOp) FullGraph() *graph.Graph { return op.fullGraph }

// Forward runs the graph with the given inputs. outputs must have one non-nil element per graph
// output: none tensors are set to newly created tensors, and in dynamic mode all are set to the
// tensors holding the results.
//
// If the session is recording, the call is pushed to the session tape and the returned handle
// can be passed to Backward. Otherwise it returns autograd.InvalidHandle.
//
// Errors are returned before anything is submitted to the engine. Kernel errors are reported
// by the engine, e.g. when reading the outputs.
func (op *CachedOp) Forward(sess *autograd.Session, inputs []tensors.Tensor, outputs []*tensors.Tensor) (autograd.Handle, error) {
	if len(inputs) != op.NumInputs() {
		return autograd.InvalidHandle, errors.Errorf("CachedOp %s: Forward takes %d inputs %v, got %d", op.id, op.NumInputs(), op.InputNames(), len(inputs))
	}
	if len(outputs) != op.NumOutputs() {
		return autograd.InvalidHandle, errors.Errorf("CachedOp %s: Forward has %d outputs, got %d", op.id, op.NumOutputs(), len(outputs))
	}
	names := op.InputNames()
	for ii, t := range inputs {
		if t.IsNone() {
			return autograd.InvalidHandle, errors.Errorf("CachedOp %s: input #%d (%q) is a none tensor", op.id, ii, names[ii])
		}
	}
	for ii, out := range outputs {
		if out == nil {
			return autograd.InvalidHandle, errors.Errorf("CachedOp %s: output #%d is nil", op.id, ii)
		}
	}
	dev := inputs[0].Device()
	for ii, t := range inputs {
		if t.Device() != dev {
			return autograd.InvalidHandle, errors.WithStack(&DeviceMismatchError{Name: names[ii], Device: t.Device(), Expected: dev})
		}
	}
	recording := sess.IsRecording()

	prevBulkSize := op.rt.Engine.SetBulkSize(op.cfg.ForwardBulkSize)
	defer op.rt.Engine.SetBulkSize(prevBulkSize)

	var state autograd.Releaser
	if op.cfg.StaticAlloc {
		s, err := op.staticForward(sess, dev, inputs, outputs)
		if err != nil {
			return autograd.InvalidHandle, err
		}
		if s != nil {
			state = s
		}
	} else {
		r, err := op.dynamicForward(sess, dev, inputs, outputs)
		if err != nil {
			return autograd.InvalidHandle, err
		}
		state = r
	}
	if !recording {
		return autograd.InvalidHandle, nil
	}
	outShapes := make([]shapes.Shape, len(outputs))
	for ii, out := range outputs {
		outShapes[ii] = out.Shape()
	}
	switch st := state.(type) {
	case *dynamicRuntime:
		st.outShapes = outShapes
	case *staticTapeState:
		st.outShapes = outShapes
	}
	if op.inlining {
		return sess.Tape().PushTape(slices.Clone(inputs), nil, state), nil
	}
	savedInputs := make([]tensors.Tensor, 0, len(op.bwdInDep))
	for _, ii := range op.bwdInDep {
		savedInputs = append(savedInputs, inputs[ii])
	}
	savedOutputs := make([]tensors.Tensor, 0, len(op.bwdOutDep))
	for _, ii := range op.bwdOutDep {
		savedOutputs = append(savedOutputs, *outputs[ii])
	}
	return sess.Tape().PushTape(savedInputs, savedOutputs, state), nil
}

// Backward computes the gradients of the recorded forward call h.
//
// outGrads has one element per forward output: the gradient flowing into it. Outputs whose
// gradient is not needed may be given as none tensors. reqs and results have one element per
// gradient (see GradientIndex): graph.ReqWrite overwrites the result, graph.ReqAccumulate adds
// to it and graph.ReqSkip leaves it untouched. None results are set to newly created tensors.
//
// Without retainGraph the tape entry is consumed, and a second Backward on it fails with an
// *autograd.StaleTapeError. Backward can't be called while recording: that would require the
// gradient of the backward, which is not supported.
func (op *CachedOp) Backward(sess *autograd.Session, h autograd.Handle, retainGraph bool,
	outGrads []tensors.Tensor, reqs []graph.OpReq, results []*tensors.Tensor) error {
	if sess == nil {
		return errors.Errorf("CachedOp %s: Backward requires the session of the recorded forward call", op.id)
	}
	if sess.IsRecording() {
		return errors.Wrapf(&graph.UnsupportedHigherOrderGradientError{},
			"CachedOp %s: Backward called while recording", op.id)
	}
	if len(outGrads) != op.NumOutputs() {
		return errors.Errorf("CachedOp %s: Backward takes %d output gradients, got %d", op.id, op.NumOutputs(), len(outGrads))
	}
	if len(reqs) != op.NumGradients() || len(results) != op.NumGradients() {
		return errors.Errorf("CachedOp %s: Backward computes %d gradients, got %d requests and %d results",
			op.id, op.NumGradients(), len(reqs), len(results))
	}
	for ii, r := range results {
		if r == nil {
			return errors.Errorf("CachedOp %s: result #%d is nil", op.id, ii)
		}
	}
	// The entry is only consumed once the call is validated, so a failed Backward can be retried.
	entry, err := sess.Tape().PopTape(h, true)
	if err != nil {
		return err
	}

	var (
		dev       storage.Device
		outShapes []shapes.Shape
	)
	switch st := entry.State.(type) {
	case *dynamicRuntime:
		if st.op != op {
			return errors.Errorf("CachedOp %s: tape entry #%d was recorded by another CachedOp", op.id, h)
		}
		dev, outShapes = st.dev, st.outShapes
	case *staticTapeState:
		if st.op != op {
			return errors.Errorf("CachedOp %s: tape entry #%d was recorded by another CachedOp", op.id, h)
		}
		dev, outShapes = st.state.dev, st.outShapes
	default:
		return errors.Errorf("CachedOp %s: tape entry #%d was not recorded by a CachedOp", op.id, h)
	}

	inputs := make([]tensors.Tensor, 0, op.NumBackwardInputs())
	for _, ii := range op.bwdOgradDep {
		g := outGrads[ii]
		if g.IsNone() {
			return errors.Errorf("CachedOp %s: the gradient of output #%d is needed, but it is a none tensor", op.id, ii)
		}
		if g.Device() != dev {
			return errors.WithStack(&DeviceMismatchError{Name: fmt.Sprintf("output gradient #%d", ii), Device: g.Device(), Expected: dev})
		}
		if err := op.checkOutputGradient(ii, g, outShapes[ii]); err != nil {
			return err
		}
		inputs = append(inputs, g)
	}
	inputs = append(inputs, entry.SavedInputs...)
	inputs = append(inputs, entry.SavedOutputs...)
	for ii, r := range results {
		if !r.IsNone() && r.Device() != dev {
			return errors.WithStack(&DeviceMismatchError{Name: fmt.Sprintf("gradient #%d", ii), Device: r.Device(), Expected: dev})
		}
	}

	if !retainGraph {
		if _, err := sess.Tape().PopTape(h, false); err != nil {
			return err
		}
		defer entry.Release()
	}

	prevBulkSize := op.rt.Engine.SetBulkSize(op.cfg.BackwardBulkSize)
	defer op.rt.Engine.SetBulkSize(prevBulkSize)

	switch st := entry.State.(type) {
	case *dynamicRuntime:
		if st.inlined {
			return op.inlinedBackward(sess, st, retainGraph, inputs, reqs, results)
		}
		return op.dynamicBackward(sess, st, retainGraph, inputs, reqs, results)
	case *staticTapeState:
		return op.staticBackward(sess, st, inputs, reqs, results)
	}
	return nil
}

// checkOutputGradient checks that the gradient of output #ii matches the recorded output shape.
func (op *CachedOp) checkOutputGradient(ii int, g tensors.Tensor, outShape shapes.Shape) error {
	if g.DType() != outShape.DType {
		return errors.WithStack(&graph.TypeInferenceError{InferenceError: graph.InferenceError{
			Msg: fmt.Sprintf("CachedOp %s: gradient of output #%d has dtype %s, but the output has dtype %s", op.id, ii, g.DType(), outShape.DType),
		}})
	}
	if !g.Shape().EqualDimensions(outShape) {
		return errors.WithStack(&graph.ShapeInferenceError{InferenceError: graph.InferenceError{
			Msg: fmt.Sprintf("CachedOp %s: gradient of output #%d has shape %s, but the output has shape %s", op.id, ii, g.Shape(), outShape),
		}})
	}
	return nil
}

// prepareResults creates the none results of the requested gradients, and checks the others.
func (op *CachedOp) prepareResults(g *graph.Graph, dev storage.Device, reqs []graph.OpReq, results []*tensors.Tensor) error {
	idx := g.IndexedGraph()
	for gi, e := range op.gradGraph.Outputs() {
		if reqs[gi] == graph.NullOp {
			continue
		}
		eid, found := idx.EntryIDFor(e)
		if !found {
			return errors.Errorf("CachedOp %s: gradient #%d is not part of the full graph", op.id, gi)
		}
		if err := op.prepareExternal(g, eid, dev, reqs[gi], results[gi], fmt.Sprintf("gradient #%d", gi)); err != nil {
			return err
		}
	}
	return nil
}

// prepareExternal checks that t can hold the entry eid, creating it if it is none.
func (op *CachedOp) prepareExternal(g *graph.Graph, eid int, dev storage.Device, req graph.OpReq, t *tensors.Tensor, name string) error {
	shape := graph.MustAttr[graph.ShapeVector](g, graph.AttrShape)[eid].
		WithDType(graph.MustAttr[graph.DTypeVector](g, graph.AttrDType)[eid])
	stype := graph.MustAttr[graph.StorageTypeVector](g, graph.AttrStorageType)[eid]
	if t.IsNone() {
		if req == graph.AddTo {
			return errors.Errorf("CachedOp %s: %s is accumulated to, but it is a none tensor", op.id, name)
		}
		*t = op.rt.Empty(shape, stype, dev)
		return nil
	}
	if !t.Shape().Equal(shape) {
		return errors.Errorf("CachedOp %s: %s has shape %s, but %s is needed", op.id, name, t.Shape(), shape)
	}
	return nil
}

// Stats are counters of the work done by a CachedOp, meant for tests and diagnostics.
type Stats struct {
	// States is the number of per-device states created.
	States int

	// ForwardPlans and BackwardPlans count the memory plans computed: the first call and every
	// call whose signature (or gradient requests) changed.
	ForwardPlans, BackwardPlans int

	// StaticAllocs counts the allocations of the state buffers, in static mode.
	StaticAllocs int

	// Bindings counts how many times kernels were bound to the state buffers, with StaticShape.
	Bindings int

	// Rebinds counts the kernels re-bound individually because a parameter or a parameter
	// gradient changed, with StaticShape.
	Rebinds int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%s states, %s forward plans, %s backward plans, %s static allocations, %s bindings, %s rebinds",
		humanize.Comma(int64(s.States)), humanize.Comma(int64(s.ForwardPlans)), humanize.Comma(int64(s.BackwardPlans)),
		humanize.Comma(int64(s.StaticAllocs)), humanize.Comma(int64(s.Bindings)), humanize.Comma(int64(s.Rebinds)))
}

// Stats returns the counters of the CachedOp.
func (op *CachedOp) Stats() Stats {
	return Stats{
		States:        int(op.stats.states.Load()),
		ForwardPlans:  int(op.stats.forwardPlans.Load()),
		BackwardPlans: int(op.stats.backwardPlans.Load()),
		StaticAllocs:  int(op.stats.staticAllocs.Load()),
		Bindings:      int(op.stats.bindings.Load()),
		Rebinds:       int(op.stats.rebinds.Load()),
	}
}
