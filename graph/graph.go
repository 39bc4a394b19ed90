// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the dataflow graph model and the passes over it: the indexed view,
// typed attribute side tables, the operator registry, gradient synthesis and the shape, dtype and
// storage type inference passes.
//
// Nodes are shared (by pointer) among graphs. A Graph is a list of output entries plus a table of
// attributes, and is cheaply cloned with Graph.Clone. Attribute values are never mutated in place:
// passes store new values, so clones never observe each other's changes.
package graph

import (
	"maps"

	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Graph is a computation graph defined by its output entries.
type Graph struct {
	outputs []Entry
	indexed *IndexedGraph
	attrs   map[string]any
}

// BuildGraph validates the graph reachable from outputs and returns it.
// It returns a *GraphIntegrityError (wrapped) if the graph is malformed.
func BuildGraph(outputs []Entry) (*Graph, error) {
	idx, err := newIndexedGraph(outputs)
	if err != nil {
		return nil, err
	}
	return &Graph{
		outputs: append([]Entry(nil), outputs...),
		indexed: idx,
		attrs:   make(map[string]any),
	}, nil
}

// Outputs returns the graph outputs. The slice must not be changed.
func (g *Graph) Outputs() []Entry { return g.outputs }

// NumOutputs returns the number of outputs of the graph.
func (g *Graph) NumOutputs() int { return len(g.outputs) }

// IndexedGraph returns the indexed view of the graph, computed once when the graph was built.
func (g *Graph) IndexedGraph() *IndexedGraph { return g.indexed }

// Clone returns a copy of the graph sharing nodes and the indexed view, with its own attribute table.
func (g *Graph) Clone() *Graph {
	return &Graph{outputs: g.outputs, indexed: g.indexed, attrs: maps.Clone(g.attrs)}
}

// SetAttr sets a graph attribute.
func (g *Graph) SetAttr(key string, value any) { g.attrs[key] = value }

// HasAttr returns whether the attribute is set.
func (g *Graph) HasAttr(key string) bool {
	_, found := g.attrs[key]
	return found
}

// EraseAttr removes the attributes.
func (g *Graph) EraseAttr(keys ...string) {
	for _, key := range keys {
		delete(g.attrs, key)
	}
}

// GetAttr returns the graph attribute with the given type. It returns false if the attribute is
// not set or has a different type.
func GetAttr[T any](g *Graph, key string) (T, bool) {
	value, found := g.attrs[key]
	if !found {
		var zero T
		return zero, false
	}
	typed, ok := value.(T)
	return typed, ok
}

// MustAttr returns the graph attribute with the given type, and panics if it is not set.
func MustAttr[T any](g *Graph, key string) T {
	value, found := g.attrs[key]
	if !found {
		exceptions.Panicf("graph attribute %q not set", key)
	}
	typed, ok := value.(T)
	if !ok {
		var zero T
		exceptions.Panicf("graph attribute %q is a %T, not a %T", key, value, zero)
	}
	return typed
}

// Well known graph attributes.
const (
	AttrShape         = "shape"
	AttrShapeInputs   = "shape_inputs"
	AttrDType         = "dtype"
	AttrDTypeInputs   = "dtype_inputs"
	AttrStorageType   = "storage_type"
	AttrStorageInputs = "storage_type_inputs"
	AttrDispatchMode  = "dispatch_mode"
	AttrDevice        = "context"

	AttrShapeNumUnknown   = "shape_num_unknown_nodes"
	AttrDTypeNumUnknown   = "dtype_num_unknown_nodes"
	AttrStorageNumUnknown = "storage_type_num_unknown_nodes"
)

// Attribute vectors: one value per entry id (shapes, dtypes, storage types) or per node id
// (dispatch modes). They are aliases, so attributes can be fetched with GetAttr of the plain slice.
type (
	ShapeVector        = []shapes.Shape
	DTypeVector        = []dtypes.DType
	StorageTypeVector  = []shapes.StorageType
	DispatchModeVector = []DispatchMode
)

// NewShapeVector returns a vector of n unknown shapes.
func NewShapeVector(n int) ShapeVector { return make(ShapeVector, n) }

// NewDTypeVector returns a vector of n unknown dtypes.
func NewDTypeVector(n int) DTypeVector { return make(DTypeVector, n) }

// NewStorageTypeVector returns a vector of n undefined storage types.
func NewStorageTypeVector(n int) StorageTypeVector {
	v := make(StorageTypeVector, n)
	for ii := range v {
		v[ii] = shapes.UndefinedStorage
	}
	return v
}
