// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inferFixture struct {
	x, y, ograd *Node
	split       *Node
	fwd, full   *Graph
}

// newInferFixture builds reduce(split(x+y)[0]) and its gradient with respect to x.
func newInferFixture(t *testing.T) *inferFixture {
	f := &inferFixture{x: NewVariable("x"), y: NewVariable("y"), ograd: NewVariable("ograd")}
	sum := Apply("test_add", "sum", []Entry{f.x.Output(0), f.y.Output(0)})
	f.split = MustNewNode("test_split", "split", []Entry{sum})
	r := Apply("test_reduce", "reduce", []Entry{f.split.Output(0)})
	var err error
	f.fwd, err = BuildGraph([]Entry{r})
	require.NoError(t, err)
	grad, err := Gradient(f.fwd, f.fwd.Outputs(), []Entry{f.x.Output(0)}, []Entry{f.ograd.Output(0)},
		NewSumAggregator(testSum, testZeros), []*OpDef{testZeros}, testCopy)
	require.NoError(t, err)
	f.full, err = BuildGraph(append([]Entry{r}, grad.Outputs()...))
	require.NoError(t, err)
	return f
}

func TestCheckAndInferShape(t *testing.T) {
	f := newInferFixture(t)
	g := f.fwd
	matched, err := CheckAndInferShape(g, ShapeVector{shapes.Dims(4, 3), shapes.Unknown()}, true, false, InferRange{})
	require.NoError(t, err)
	assert.False(t, matched)
	inferred := MustAttr[ShapeVector](g, AttrShape)
	idx := g.IndexedGraph()
	splitID, _ := idx.NodeID(f.split)
	assert.Equal(t, []int{4, 3}, inferred[idx.EntryID(1, 0)].Dimensions, "y is inferred backwards")
	assert.Equal(t, []int{2, 3}, inferred[idx.EntryID(splitID, 1)].Dimensions)
	assert.True(t, inferred[idx.NumNodeEntries()-1].IsScalar())
	assert.Equal(t, 0, MustAttr[int](g, AttrShapeNumUnknown))

	matched, err = CheckAndInferShape(g, ShapeVector{shapes.Dims(4, 3), shapes.Unknown()}, true, false, InferRange{})
	require.NoError(t, err)
	assert.True(t, matched)

	matched, err = CheckAndInferShape(g, ShapeVector{shapes.Dims(6, 3), shapes.Dims(6, 3)}, true, false, InferRange{})
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, []int{3, 3}, MustAttr[ShapeVector](g, AttrShape)[idx.EntryID(splitID, 0)].Dimensions)
}

func TestCheckAndInferShapeErrors(t *testing.T) {
	f := newInferFixture(t)
	g := f.fwd
	_, err := CheckAndInferShape(g, ShapeVector{shapes.Dims(4, 3), shapes.Dims(5, 3)}, true, false, InferRange{})
	var shapeErr *ShapeInferenceError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "sum", shapeErr.Node)
	assert.False(t, g.HasAttr(AttrShape))
	assert.False(t, g.HasAttr(AttrShapeInputs))

	_, err = CheckAndInferShape(g, ShapeVector{shapes.Unknown(), shapes.Unknown()}, true, false, InferRange{})
	require.ErrorAs(t, err, &shapeErr)

	matched, err := CheckAndInferShape(g, ShapeVector{shapes.Unknown(), shapes.Unknown()}, true, true, InferRange{})
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Equal(t, 5, MustAttr[int](g, AttrShapeNumUnknown))

	_, err = CheckAndInferShape(g, ShapeVector{shapes.Dims(4, 3)}, true, false, InferRange{})
	require.Error(t, err)
}

func TestRangedInference(t *testing.T) {
	f := newInferFixture(t)
	_, err := CheckAndInferShape(f.fwd, ShapeVector{shapes.Dims(4, 3), shapes.Dims(4, 3)}, true, false, InferRange{})
	require.NoError(t, err)
	fwdShapes := MustAttr[ShapeVector](f.fwd, AttrShape)

	idx := f.full.IndexedGraph()
	numFwdNodes := f.fwd.IndexedGraph().NumNodes()
	numFwdEntries := f.fwd.IndexedGraph().NumNodeEntries()
	values := NewShapeVector(idx.NumNodeEntries())
	copy(values, fwdShapes)
	ogradID, found := idx.NodeID(f.ograd)
	require.True(t, found)
	require.GreaterOrEqual(t, ogradID, numFwdNodes)
	values[idx.EntryID(ogradID, 0)] = shapes.Dims()

	r := InferRange{NodeStart: numFwdNodes, NodeEnd: idx.NumNodes(), EntryStart: numFwdEntries, EntryEnd: idx.NumNodeEntries()}
	matched, err := CheckAndInferShape(f.full, values, false, false, r)
	require.NoError(t, err)
	assert.False(t, matched)
	inferred := MustAttr[ShapeVector](f.full, AttrShape)
	gradEID := idx.EntryIDOf(idx.Outputs()[1])
	assert.Equal(t, []int{4, 3}, inferred[gradEID].Dimensions)
	for eid := range numFwdEntries {
		assert.True(t, fwdShapes[eid].EqualDimensions(inferred[eid]))
	}

	// Same forward shapes: the backward shapes are not inferred again.
	matched, err = CheckAndInferShape(f.full, values, false, false, r)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestCheckAndInferType(t *testing.T) {
	f := newInferFixture(t)
	matched, err := CheckAndInferType(f.full, DTypeVector{dtypes.Float32, dtypes.InvalidDType, dtypes.Float32}, true, false, InferRange{})
	require.NoError(t, err)
	assert.False(t, matched)
	for eid, dt := range MustAttr[DTypeVector](f.full, AttrDType) {
		assert.Equal(t, dtypes.Float32, dt, "entry %d", eid)
	}

	_, err = CheckAndInferType(f.full, DTypeVector{dtypes.Float32, dtypes.Int64, dtypes.Float32}, true, false, InferRange{})
	var typeErr *TypeInferenceError
	require.ErrorAs(t, err, &typeErr)
}

func TestCheckAndInferStorageType(t *testing.T) {
	f := newInferFixture(t)
	g := f.fwd
	dense := StorageTypeVector{shapes.DefaultStorage, shapes.DefaultStorage}
	matched, err := CheckAndInferStorageType(g, storage.CPU(0), dense, true, false, InferRange{})
	require.NoError(t, err)
	assert.False(t, matched)
	dispatch := MustAttr[DispatchModeVector](g, AttrDispatchMode)
	assert.Equal(t, DispatchVariable, dispatch[0])
	assert.Equal(t, DispatchFCompute, dispatch[2])
	for _, st := range MustAttr[StorageTypeVector](g, AttrStorageType) {
		assert.Equal(t, shapes.DefaultStorage, st)
	}

	sparse := StorageTypeVector{shapes.RowSparseStorage, shapes.DefaultStorage}
	_, err = CheckAndInferStorageType(g, storage.CPU(0), sparse, true, false, InferRange{})
	require.NoError(t, err)
	dispatch = MustAttr[DispatchModeVector](g, AttrDispatchMode)
	assert.Equal(t, DispatchFComputeFallback, dispatch[2])
	assert.Equal(t, shapes.DefaultStorage, MustAttr[StorageTypeVector](g, AttrStorageType)[2])
}
