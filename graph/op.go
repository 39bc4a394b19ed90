// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// OpReq tells a kernel how to write each of its outputs.
type OpReq int

const (
	// NullOp means the output is not needed and must not be written.
	NullOp OpReq = iota
	// WriteTo overwrites the output.
	WriteTo
	// WriteInplace overwrites the output, which shares memory with one of the inputs.
	WriteInplace
	// AddTo accumulates into the output.
	AddTo
)

// Request aliases used by the backward invocation API.
const (
	ReqSkip       = NullOp
	ReqWrite      = WriteTo
	ReqAccumulate = AddTo
)

// String implements fmt.Stringer.
func (r OpReq) String() string {
	switch r {
	case NullOp:
		return "null"
	case WriteTo:
		return "write"
	case WriteInplace:
		return "inplace"
	case AddTo:
		return "add"
	}
	return fmt.Sprintf("OpReq(%d)", int(r))
}

// DispatchMode selects which kernel of an operator runs for a node.
type DispatchMode int

const (
	DispatchUndefined DispatchMode = iota
	// DispatchFCompute runs the dense kernel (OpDef.Compute).
	DispatchFCompute
	// DispatchFComputeEx runs the storage-aware kernel (OpDef.ComputeEx).
	DispatchFComputeEx
	// DispatchFComputeFallback converts non-default inputs to dense and runs the dense kernel.
	DispatchFComputeFallback
	// DispatchVariable is used for variable nodes.
	DispatchVariable
)

// String implements fmt.Stringer.
func (m DispatchMode) String() string {
	switch m {
	case DispatchUndefined:
		return "undefined"
	case DispatchFCompute:
		return "fcompute"
	case DispatchFComputeEx:
		return "fcompute_ex"
	case DispatchFComputeFallback:
		return "fallback"
	case DispatchVariable:
		return "variable"
	}
	return fmt.Sprintf("DispatchMode(%d)", int(m))
}

// OpContext is passed to kernels.
type OpContext struct {
	IsTrain bool
	Device  storage.Device
	Runtime *tensors.Runtime
}

type (
	// ComputeFn is a stateless kernel. Outputs with req NullOp may be none tensors.
	ComputeFn func(ctx OpContext, attrs *NodeAttrs, inputs []tensors.Tensor, reqs []OpReq, outputs []tensors.Tensor) error

	// CreateStateFn creates the state of a stateful operator for one node.
	CreateStateFn func(attrs *NodeAttrs, dev storage.Device, inShapes []shapes.Shape, inTypes []dtypes.DType) (any, error)

	// StatefulComputeFn is a kernel of a stateful operator.
	StatefulComputeFn func(ctx OpContext, state any, attrs *NodeAttrs, inputs []tensors.Tensor, reqs []OpReq, outputs []tensors.Tensor) error

	// GradientFn builds the gradient of node n given the gradients of its outputs, and returns one
	// entry per input of n (NoGradient() for inputs without gradient). It panics on errors.
	GradientFn func(n *Node, outGrads []Entry) []Entry

	// InferShapeFn updates in place the input and output shapes it can infer.
	// Unknown shapes have nil dimensions.
	InferShapeFn func(attrs *NodeAttrs, in, out []shapes.Shape) error

	// InferTypeFn updates in place the input and output dtypes it can infer.
	InferTypeFn func(attrs *NodeAttrs, in, out []dtypes.DType) error

	// InferStorageFn updates the input and output storage types in place, and sets the dispatch mode.
	InferStorageFn func(attrs *NodeAttrs, dev storage.Device, dispatch *DispatchMode, in, out []shapes.StorageType) error
)

// OpDef is the capability record of an operator.
// Only Name and the arity are required, all capabilities are optional.
type OpDef struct {
	Name string

	// NumInputs is the fixed number of inputs, unless NumInputsFn is set.
	NumInputs   int
	NumInputsFn func(attrs *NodeAttrs) int

	// NumOutputs is the fixed number of outputs, unless NumOutputsFn is set.
	NumOutputs   int
	NumOutputsFn func(attrs *NodeAttrs) int

	// ParseAttrs parses the node parameters once, at node creation. The result is
	// stored in NodeAttrs.Parsed.
	ParseAttrs func(attrs *NodeAttrs) (any, error)

	// MutateInputs lists the inputs the operator writes to (auxiliary states).
	MutateInputs func(attrs *NodeAttrs) []int

	// InplaceOption lists the (input, output) pairs that may share memory.
	InplaceOption func(attrs *NodeAttrs) [][2]int

	Gradient GradientFn

	InferShape       InferShapeFn
	InferType        InferTypeFn
	InferStorageType InferStorageFn

	Compute   ComputeFn
	ComputeEx ComputeFn

	CreateState     CreateStateFn
	StatefulCompute StatefulComputeFn

	// IsBackward marks operators created by gradient rules. Without their own inference rules,
	// their outputs take the attributes of the forward node inputs (the forward node is their
	// first control dependency).
	IsBackward bool

	// IsLayerBackward marks backward operators that reuse the state of their forward node.
	IsLayerBackward bool

	// IsAggregate marks operators that sum their inputs, candidates to be replaced by
	// accumulation into a shared buffer.
	IsAggregate bool
}

// InputsCount returns the number of inputs for a node with the given attributes.
func (op *OpDef) InputsCount(attrs *NodeAttrs) int {
	if op.NumInputsFn != nil {
		return op.NumInputsFn(attrs)
	}
	return op.NumInputs
}

// OutputsCount returns the number of outputs for a node with the given attributes.
func (op *OpDef) OutputsCount(attrs *NodeAttrs) int {
	if op.NumOutputsFn != nil {
		return op.NumOutputsFn(attrs)
	}
	return op.NumOutputs
}

// IsStateful returns whether the operator keeps a state per node.
func (op *OpDef) IsStateful() bool {
	return op.CreateState != nil || op.IsLayerBackward
}

// String implements fmt.Stringer.
func (op *OpDef) String() string { return op.Name }

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*OpDef)
)

// RegisterOp registers the operator under its name, and returns it.
// It panics if an operator with the same name is already registered.
func RegisterOp(op *OpDef) *OpDef {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[op.Name]; found {
		exceptions.Panicf("RegisterOp: operator %q already registered", op.Name)
	}
	registry[op.Name] = op
	return op
}

// LookupOp returns the registered operator with the given name.
func LookupOp(name string) (*OpDef, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	op, found := registry[name]
	return op, found
}

// MustLookupOp returns the registered operator with the given name, or panics.
func MustLookupOp(name string) *OpDef {
	op, found := LookupOp(name)
	if !found {
		exceptions.Panicf("operator %q not registered", name)
	}
	return op
}

// RegisteredOps returns the sorted names of all registered operators.
func RegisteredOps() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// NoGradientOpName is the name of the marker operator returned by gradient rules for inputs
// without gradient.
const NoGradientOpName = "_NoGradient"

var noGradientOp = RegisterOp(&OpDef{Name: NoGradientOpName, NumInputs: 0, NumOutputs: 1})
