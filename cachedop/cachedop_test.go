// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cachedop

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/cachedop/autograd"
	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/ops"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var cpu = storage.CPU(0)

func newTestRuntime() *tensors.Runtime {
	return tensors.NewRuntime(engine.NewNaive(), storage.NewPool(storage.PoolConfig{}))
}

func f32(rt *tensors.Runtime, data []float64, dims ...int) tensors.Tensor {
	values := make([]float32, len(data))
	for ii, v := range data {
		values[ii] = float32(v)
	}
	return must.M1(tensors.FromFlatDataAndDimensions(rt, cpu, values, dims...))
}

func values(t *testing.T, x tensors.Tensor) []float64 {
	v, err := tensors.Float64s(x)
	require.NoError(t, err)
	return v
}

func mustParseConfig(t *testing.T, settings string) Config {
	cfg, err := ParseConfig(settings)
	require.NoError(t, err)
	return cfg
}

// mlpGraph returns loss = sum(relu(x·wᵀ + b)), with 4 hidden units.
func mlpGraph() []graph.Entry {
	x := graph.NewVariable("x").Output(0)
	w := graph.NewVariable("w").Output(0)
	b := graph.NewVariable("b").Output(0)
	fc := graph.Apply("FullyConnected", "fc", []graph.Entry{x, w, b}, "num_hidden", "4")
	relu := graph.Apply("relu", "relu", []graph.Entry{fc})
	return []graph.Entry{graph.Apply("sum", "loss", []graph.Entry{relu})}
}

var (
	mlpX = []float64{1, -2, 3, 0.5, 1, -1}
	mlpW = []float64{0.1, 0.2, 0.3, -0.4, 0.5, -0.6, 0.7, -0.8, 0.9, 0.2, 0.2, 0.2}
	mlpB = []float64{0.1, -0.2, 0.3, 0}
)

// mlpInputs returns x with the given batch size (rows of mlpX repeated), w and b.
func mlpInputs(rt *tensors.Runtime, batch int) []tensors.Tensor {
	x := make([]float64, 0, batch*3)
	for row := range batch {
		x = append(x, mlpX[(row%2)*3:(row%2)*3+3]...)
	}
	return []tensors.Tensor{f32(rt, x, batch, 3), f32(rt, mlpW, 4, 3), f32(rt, mlpB, 4)}
}

// mlpReference computes the loss and gradients of mlpGraph directly.
func mlpReference(x, w, b []float64, batch int) (loss float64, dx, dw, db []float64) {
	const inDim, hidden = 3, 4
	dx, dw, db = make([]float64, batch*inDim), make([]float64, hidden*inDim), make([]float64, hidden)
	for row := range batch {
		for h := range hidden {
			v := b[h]
			for k := range inDim {
				v += x[row*inDim+k] * w[h*inDim+k]
			}
			if v <= 0 {
				continue
			}
			loss += v
			db[h]++
			for k := range inDim {
				dx[row*inDim+k] += w[h*inDim+k]
				dw[h*inDim+k] += x[row*inDim+k]
			}
		}
	}
	return
}

func writeReqs(n int) []graph.OpReq {
	reqs := make([]graph.OpReq, n)
	for ii := range reqs {
		reqs[ii] = graph.ReqWrite
	}
	return reqs
}

func pointers(ts []tensors.Tensor) []*tensors.Tensor {
	ptrs := make([]*tensors.Tensor, len(ts))
	for ii := range ts {
		ptrs[ii] = &ts[ii]
	}
	return ptrs
}

// recordForward runs a training forward call while recording.
func recordForward(t *testing.T, op *CachedOp, sess *autograd.Session, inputs []tensors.Tensor, outputs []tensors.Tensor) autograd.Handle {
	var h autograd.Handle
	require.NoError(t, sess.Record(true, func() (err error) {
		h, err = op.Forward(sess, inputs, pointers(outputs))
		return
	}))
	return h
}

func TestConfig(t *testing.T) {
	cfg := mustParseConfig(t, "static_alloc=true; static_shape=True;forward_bulk_size=1_000;param_indices=[1,2]")
	assert.True(t, cfg.StaticAlloc)
	assert.True(t, cfg.StaticShape)
	assert.Equal(t, 1000, cfg.ForwardBulkSize)
	assert.Equal(t, 15, cfg.BackwardBulkSize)
	assert.Equal(t, 2, cfg.InlineLimit)
	assert.Equal(t, []int{1, 2}, cfg.ParamIndices)
	assert.Equal(t, cfg, mustParseConfig(t, cfg.String()))
	assert.Equal(t, "static_alloc=true;static_shape=true;forward_bulk_size=1000;backward_bulk_size=15;inline_limit=2;param_indices=1,2",
		cfg.String())

	for _, settings := range []string{"static_shape=true", "inline_limit=-1", "foo=1", "static_alloc", "forward_bulk_size=x",
		"data_indices=0,-1"} {
		_, err := ParseConfig(settings)
		assert.Error(t, err, "settings %q", settings)
	}

	t.Setenv(ForwardBulkSizeEnv, "7")
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ForwardBulkSize)
	t.Setenv(InlineLimitEnv, "many")
	assert.NotPanics(t, func() {
		_, err = DefaultConfig()
	})
	assert.ErrorContains(t, err, InlineLimitEnv)
	_, err = ParseConfig("static_alloc=true")
	assert.Error(t, err)
}

func TestNewResolvesIndices(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, "param_indices=1,2"), rt)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, op.Config().DataIndices)
	assert.Equal(t, []string{"x", "w", "b"}, op.InputNames())

	for _, settings := range []string{"param_indices=3", "data_indices=0;param_indices=0,1,2", "data_indices=0,1"} {
		_, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
		assert.Error(t, err, "settings %q", settings)
	}
}

func TestGraphs(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, ""), rt)
	require.NoError(t, err)
	assert.Equal(t, 3, op.NumInputs())
	assert.Equal(t, 1, op.NumOutputs())
	assert.Equal(t, 3, op.NumGradients())
	assert.False(t, op.IsInlined())

	// The backward of FullyConnected reads x and w, the one of relu its own output; the loss is not needed.
	assert.Equal(t, []bool{true, true, false}, op.SaveInputs())
	assert.Equal(t, []bool{false}, op.SaveOutputs())
	assert.Equal(t, 1+2, op.NumBackwardInputs())

	// Reference counts: forward counts readers plus one per input and output, and the full count
	// adds the readers among the backward nodes.
	fwdIdx := op.ForwardGraph().IndexedGraph()
	fwdRef := graph.MustAttr[[]int](op.ForwardGraph(), attrForwardRefCount)
	fullRef := graph.MustAttr[[]int](op.ForwardGraph(), attrFullRefCount)
	consumers := fwdIdx.ConsumerCounts(0, fwdIdx.NumNodes())
	bwdConsumers := op.FullGraph().IndexedGraph().ConsumerCounts(fwdIdx.NumNodes(), op.FullGraph().IndexedGraph().NumNodes())
	for eid := range fwdIdx.NumNodeEntries() {
		extra := 0
		if fwdIdx.IsInputEntry(eid) {
			extra++
		}
		if slices.ContainsFunc(fwdIdx.Outputs(), func(e graph.NodeEntry) bool { return fwdIdx.EntryIDOf(e) == eid }) {
			extra++
		}
		assert.Equal(t, consumers[eid]+extra, fwdRef[eid], "entry %d", eid)
		assert.Equal(t, fwdRef[eid]+bwdConsumers[eid], fullRef[eid], "entry %d", eid)
	}

	// Small graphs are inlined, unless static.
	x := graph.NewVariable("x").Output(0)
	small := []graph.Entry{graph.Apply("relu", "relu", []graph.Entry{x})}
	op, err = New(small, mustParseConfig(t, ""), rt)
	require.NoError(t, err)
	assert.True(t, op.IsInlined())
	op, err = New(small, mustParseConfig(t, "static_alloc=true"), rt)
	require.NoError(t, err)
	assert.False(t, op.IsInlined())
}

func TestForwardBackward(t *testing.T) {
	for _, settings := range []string{
		"",
		"inline_limit=10",
		"static_alloc=true",
		"static_alloc=true;static_shape=true;param_indices=1,2",
		"static_alloc=true;static_shape=true;param_indices=1,2;forward_bulk_size=1;backward_bulk_size=1",
		"static_alloc=true;static_shape=true",
	} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()
			inputs := mlpInputs(rt, 2)
			wantLoss, wantDx, wantDw, wantDb := mlpReference(mlpX, mlpW, mlpB, 2)

			grads := make([]tensors.Tensor, 3)
			for range 3 {
				// Inference call.
				outputs := make([]tensors.Tensor, 1)
				h, err := op.Forward(sess, inputs, pointers(outputs))
				require.NoError(t, err)
				assert.Equal(t, autograd.InvalidHandle, h)
				assert.InDeltaSlice(t, []float64{wantLoss}, values(t, outputs[0]), 1e-4)

				// Training call.
				h = recordForward(t, op, sess, inputs, outputs)
				assert.InDeltaSlice(t, []float64{wantLoss}, values(t, outputs[0]), 1e-4)
				ograd := f32(rt, []float64{1})
				require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
				assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
				assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
				assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)
				require.NoError(t, rt.Engine.WaitForAll())
			}
			assert.Equal(t, 0, sess.Tape().Len())

			stats := op.Stats()
			assert.Equal(t, 1, stats.States, stats.String())
			if op.IsInlined() {
				assert.Equal(t, 1, stats.ForwardPlans, "inlined training calls use the inference plan: %s", stats)
			} else {
				assert.Equal(t, 2, stats.ForwardPlans, "one plan for inference, one for training: %s", stats)
			}
			assert.Equal(t, 1, stats.BackwardPlans, stats.String())
			if op.Config().StaticAlloc {
				// Switching between inference and training reallocates the forward buffers, and
				// with them the backward ones.
				assert.Equal(t, 3*3, stats.StaticAllocs, stats.String())
			}
		})
	}
}

// TestLinearRelu runs y = relu(x·Wᵀ + b) with x = ones(2, 3), W = I₃ and b = 0, and the
// output gradient ones(2, 3).
func TestLinearRelu(t *testing.T) {
	for _, settings := range []string{
		"",
		"inline_limit=0",
		"static_alloc=true",
		"static_alloc=true;static_shape=true",
		"static_alloc=true;static_shape=true;param_indices=1,2",
		"static_alloc=true;static_shape=true;param_indices=1,2;forward_bulk_size=1;backward_bulk_size=1",
	} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			x := graph.NewVariable("x").Output(0)
			w := graph.NewVariable("W").Output(0)
			b := graph.NewVariable("b").Output(0)
			fc := graph.Apply("FullyConnected", "fc", []graph.Entry{x, w, b}, "num_hidden", "3")
			y := graph.Apply("relu", "y", []graph.Entry{fc})
			op, err := New([]graph.Entry{y}, mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			assert.Equal(t, settings == "", op.IsInlined())

			ones := []float64{1, 1, 1, 1, 1, 1}
			inputs := []tensors.Tensor{
				f32(rt, ones, 2, 3),
				f32(rt, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, 3, 3),
				f32(rt, []float64{0, 0, 0}, 3),
			}
			sess := autograd.NewSession()
			outputs := make([]tensors.Tensor, 1)
			grads := make([]tensors.Tensor, 3)
			for range 2 {
				h := recordForward(t, op, sess, inputs, outputs)
				assert.Equal(t, ones, values(t, outputs[0]))
				require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{f32(rt, ones, 2, 3)}, writeReqs(3), pointers(grads)))
				assert.Equal(t, []int{2, 3}, grads[0].Shape().Dimensions)
				assert.Equal(t, ones, values(t, grads[0]))
				assert.Equal(t, []int{3, 3}, grads[1].Shape().Dimensions)
				assert.Equal(t, []float64{2, 2, 2, 2, 2, 2, 2, 2, 2}, values(t, grads[1]))
				assert.Equal(t, []float64{2, 2, 2}, values(t, grads[2]))
			}
			assert.Equal(t, 0, sess.Tape().Len())
		})
	}
}

func TestInlinedGraph(t *testing.T) {
	rt := newTestRuntime()
	inputs := mlpInputs(rt, 2)
	wantLoss, wantDx, wantDw, wantDb := mlpReference(mlpX, mlpW, mlpB, 2)
	ograd := f32(rt, []float64{1})

	inlined, err := New(mlpGraph(), mustParseConfig(t, "inline_limit=3"), rt)
	require.NoError(t, err)
	require.True(t, inlined.IsInlined())
	notInlined, err := New(mlpGraph(), mustParseConfig(t, "inline_limit=0"), rt)
	require.NoError(t, err)
	require.False(t, notInlined.IsInlined())

	for _, op := range []*CachedOp{inlined, notInlined} {
		sess := autograd.NewSession()
		outputs := make([]tensors.Tensor, 1)
		grads := make([]tensors.Tensor, 3)
		h := recordForward(t, op, sess, inputs, outputs)
		assert.InDeltaSlice(t, []float64{wantLoss}, values(t, outputs[0]), 1e-4)

		entry, err := sess.Tape().PopTape(h, true)
		require.NoError(t, err)
		r, ok := entry.State.(*dynamicRuntime)
		require.True(t, ok)
		if op.IsInlined() {
			// Only the inputs are kept: no forward buffers, no saved outputs.
			assert.Len(t, entry.SavedInputs, 3)
			assert.Empty(t, entry.SavedOutputs)
			assert.True(t, r.inlined)
			assert.Nil(t, r.buff)
			assert.Equal(t, 3+1, op.NumBackwardInputs())
		} else {
			assert.Len(t, entry.SavedInputs, 2)
			assert.False(t, r.inlined)
			assert.NotNil(t, r.buff)
		}

		require.NoError(t, op.Backward(sess, h, true, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
		require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
		assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
		assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
		assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)
		var staleErr *autograd.StaleTapeError
		require.ErrorAs(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)), &staleErr)
	}
	assert.Equal(t, 1, inlined.Stats().ForwardPlans, inlined.Stats().String())
	assert.Equal(t, 1, inlined.Stats().BackwardPlans, inlined.Stats().String())
	assert.Equal(t, 1, notInlined.Stats().ForwardPlans, notInlined.Stats().String())

	// Accumulating into the results recomputes the same gradients.
	sess := autograd.NewSession()
	outputs := make([]tensors.Tensor, 1)
	grads := make([]tensors.Tensor, 3)
	h := recordForward(t, inlined, sess, inputs, outputs)
	require.NoError(t, inlined.Backward(sess, h, true, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
	reqs := []graph.OpReq{graph.ReqAccumulate, graph.ReqSkip, graph.ReqWrite}
	require.NoError(t, inlined.Backward(sess, h, false, []tensors.Tensor{ograd}, reqs, pointers(grads)))
	double := func(v []float64) []float64 {
		out := make([]float64, len(v))
		for ii := range v {
			out[ii] = 2 * v[ii]
		}
		return out
	}
	assert.InDeltaSlice(t, double(wantDx), values(t, grads[0]), 1e-4)
	assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
	assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)

	// Stateful graphs are never inlined: their backward needs the states of the forward call.
	x := graph.NewVariable("x").Output(0)
	dropout := graph.Apply("Dropout", "dropout", []graph.Entry{x}, "p", "0.5")
	op, err := New([]graph.Entry{dropout}, mustParseConfig(t, "inline_limit=10"), rt)
	require.NoError(t, err)
	assert.False(t, op.IsInlined())
}

func TestStaticShapeBindsOnce(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, "static_alloc=true;static_shape=true;param_indices=1,2"), rt)
	require.NoError(t, err)
	sess := autograd.NewSession()
	inputs := mlpInputs(rt, 2)
	_, wantDx, wantDw, wantDb := mlpReference(mlpX, mlpW, mlpB, 2)

	outputs := make([]tensors.Tensor, 1)
	grads := make([]tensors.Tensor, 3)
	ograd := f32(rt, []float64{1})
	for range 4 {
		h := recordForward(t, op, sess, inputs, outputs)
		require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
	}
	assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
	assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
	assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)
	stats := op.Stats()
	assert.Equal(t, 2, stats.Bindings, "forward and backward bound once: %s", stats)
	assert.Equal(t, 0, stats.Rebinds, stats.String())
	assert.Equal(t, 2, stats.StaticAllocs, stats.String())

	// New parameters neither replan nor rebind the graphs: the kernels reading w also read the
	// data x, so they were never bound.
	inputs[1] = f32(rt, mlpW, 4, 3)
	h := recordForward(t, op, sess, inputs, outputs)
	require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
	assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
	stats = op.Stats()
	assert.Equal(t, 2, stats.Bindings, stats.String())
	assert.Equal(t, 0, stats.Rebinds, stats.String())
	assert.Equal(t, 1, stats.ForwardPlans, stats.String())
}

func TestStaticShapeRebindsChangedParameters(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, "static_alloc=true;static_shape=true;param_indices=0,1,2"), rt)
	require.NoError(t, err)
	require.Empty(t, op.Config().DataIndices)
	sess := autograd.NewSession()
	inputs := mlpInputs(rt, 2)
	wantLoss, wantDx, wantDw, wantDb := mlpReference(mlpX, mlpW, mlpB, 2)
	outputs := make([]tensors.Tensor, 1)
	grads := make([]tensors.Tensor, 3)
	ograd := f32(rt, []float64{1})
	step := func(wantLoss float64, wantDx, wantDw, wantDb []float64) {
		h := recordForward(t, op, sess, inputs, outputs)
		require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
		assert.InDeltaSlice(t, []float64{wantLoss}, values(t, outputs[0]), 1e-4)
		assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
		assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
		assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)
	}
	step(wantLoss, wantDx, wantDw, wantDb)
	step(wantLoss, wantDx, wantDw, wantDb)
	stats := op.Stats()
	assert.Equal(t, 2, stats.Bindings, stats.String())
	assert.Equal(t, 0, stats.Rebinds, stats.String())

	// A new w only rebinds the kernels reading it: FullyConnected and its backward.
	newW := slices.Clone(mlpW)
	for ii := range newW {
		newW[ii] = -newW[ii]
	}
	inputs[1] = f32(rt, newW, 4, 3)
	wantLoss, wantDx, wantDw, wantDb = mlpReference(mlpX, newW, mlpB, 2)
	step(wantLoss, wantDx, wantDw, wantDb)
	stats = op.Stats()
	assert.Equal(t, 2, stats.Bindings, stats.String())
	assert.Equal(t, 2, stats.Rebinds, stats.String())
	assert.Equal(t, 1, stats.ForwardPlans, stats.String())
	assert.Equal(t, 1, stats.BackwardPlans, stats.String())

	// Same parameters again: nothing to rebind.
	step(wantLoss, wantDx, wantDw, wantDb)
	assert.Equal(t, 2, op.Stats().Rebinds)

	// New gradient tensors rebind the backward kernel writing them.
	grads = make([]tensors.Tensor, 3)
	step(wantLoss, wantDx, wantDw, wantDb)
	assert.Equal(t, 3, op.Stats().Rebinds, op.Stats().String())
	assert.Equal(t, 2, op.Stats().Bindings)
}

func TestReplanOnShapeChange(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			outputs := make([]tensors.Tensor, 1)
			run := func(batch int) {
				inputs := mlpInputs(rt, batch)
				_, err := op.Forward(nil, inputs, pointers(outputs))
				require.NoError(t, err)
				wantLoss, _, _, _ := mlpReference(values(t, inputs[0]), mlpW, mlpB, batch)
				assert.InDeltaSlice(t, []float64{wantLoss}, values(t, outputs[0]), 1e-4)
			}
			run(2)
			run(2)
			assert.Equal(t, 1, op.Stats().ForwardPlans)
			run(4)
			assert.Equal(t, 2, op.Stats().ForwardPlans)
			run(4)
			assert.Equal(t, 2, op.Stats().ForwardPlans)
			if op.Config().StaticAlloc {
				assert.Equal(t, 2, op.Stats().StaticAllocs)
			}

			// Weights with the wrong shape.
			_, err = op.Forward(nil, []tensors.Tensor{f32(rt, mlpX, 2, 3), f32(rt, mlpW[:9], 3, 3), f32(rt, mlpB, 4)}, pointers(outputs))
			var shapeErr *graph.ShapeInferenceError
			require.ErrorAs(t, err, &shapeErr)
		})
	}
}

func TestDeterminism(t *testing.T) {
	for _, settings := range []string{"", "inline_limit=10", "static_alloc=true", "static_alloc=true;static_shape=true;param_indices=1,2"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			outputs := mlpGraph()
			// run returns the loss and the gradients of a recorded call, bit for bit.
			run := func(op *CachedOp) [][]float64 {
				sess := autograd.NewSession()
				out := make([]tensors.Tensor, 1)
				h := recordForward(t, op, sess, mlpInputs(rt, 2), out)
				grads := make([]tensors.Tensor, 3)
				require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{f32(rt, []float64{1})}, writeReqs(3), pointers(grads)))
				results := [][]float64{values(t, out[0])}
				for _, g := range grads {
					results = append(results, values(t, g))
				}
				return results
			}
			op1, err := New(outputs, mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			op2, err := New(outputs, mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			assert.NotEqual(t, op1.ID(), op2.ID())
			first := run(op1)
			assert.Equal(t, first, run(op1))
			assert.Equal(t, first, run(op2))

			// Inference gives the same loss as training.
			out := make([]tensors.Tensor, 1)
			_, err = op1.Forward(nil, mlpInputs(rt, 2), pointers(out))
			require.NoError(t, err)
			assert.Equal(t, first[0], values(t, out[0]))
		})
	}
}

// diamondGraph returns loss = sum(h·a + h·b), with h = x·w: the gradient of h aggregates two terms.
func diamondGraph() []graph.Entry {
	x := graph.NewVariable("x").Output(0)
	w := graph.NewVariable("w").Output(0)
	a := graph.NewVariable("a").Output(0)
	b := graph.NewVariable("b").Output(0)
	h := graph.Apply("elemwise_mul", "h", []graph.Entry{x, w})
	p := graph.Apply("elemwise_mul", "p", []graph.Entry{h, a})
	q := graph.Apply("elemwise_mul", "q", []graph.Entry{h, b})
	s := graph.Apply("elemwise_add", "s", []graph.Entry{p, q})
	return []graph.Entry{graph.Apply("sum", "loss", []graph.Entry{s})}
}

func TestAccumulatedGradients(t *testing.T) {
	for _, settings := range []string{
		"",
		"inline_limit=10",
		"static_alloc=true",
		"static_alloc=true;static_shape=true",
		"static_alloc=true;static_shape=true;param_indices=1,2,3",
	} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(diamondGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()
			inputs := []tensors.Tensor{
				f32(rt, []float64{1, 2, 3}, 3), f32(rt, []float64{2, -1, -1}, 3),
				f32(rt, []float64{1, -3, 2}, 3), f32(rt, []float64{-1, -4, 3}, 3),
			}
			outputs := make([]tensors.Tensor, 1)
			grads := make([]tensors.Tensor, 4)
			for range 2 {
				h := recordForward(t, op, sess, inputs, outputs)
				require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{f32(rt, []float64{1})}, writeReqs(4), pointers(grads)))
				// h = [2, -2, -3], dh = a + b = [0, -7, 5].
				assert.Equal(t, []float64{-1}, values(t, outputs[0]))
				assert.Equal(t, []float64{0, 7, -5}, values(t, grads[0]))
				assert.Equal(t, []float64{0, -14, 15}, values(t, grads[1]))
				assert.Equal(t, []float64{2, -2, -3}, values(t, grads[2]))
				assert.Equal(t, []float64{2, -2, -3}, values(t, grads[3]))
			}
			if !op.Config().StaticAlloc {
				return
			}

			// The static backward plan adds the second term of dh into the first one's buffer,
			// and skips the aggregation node.
			s := op.states[cpu][0]
			plan := graph.MustAttr[*memplan.MemoryPlan](s.info.fullGraph, attrBackwardMemPlan)
			stats := plan.Stats()
			assert.Equal(t, 1, stats.ByKind[memplan.KindAccumulate], stats.String())
			assert.Equal(t, 1, stats.SkipNodes, stats.String())
			idx := s.info.fullGraph.IndexedGraph()
			for nid := range idx.NumNodes() {
				if plan.SkipNodes[nid] {
					assert.Equal(t, ops.AddNOpName, idx.Node(nid).Source.Op().Name)
				}
			}
		})
	}
}

func TestBackwardRetainGraph(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true", "static_alloc=true;static_shape=true"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()
			_, wantDx, _, _ := mlpReference(mlpX, mlpW, mlpB, 2)
			outputs := make([]tensors.Tensor, 1)
			h := recordForward(t, op, sess, mlpInputs(rt, 2), outputs)
			ograd := []tensors.Tensor{f32(rt, []float64{1})}

			for _, retain := range []bool{true, true, false} {
				grads := make([]tensors.Tensor, 3)
				require.NoError(t, op.Backward(sess, h, retain, ograd, writeReqs(3), pointers(grads)))
				assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
			}
			grads := make([]tensors.Tensor, 3)
			err = op.Backward(sess, h, false, ograd, writeReqs(3), pointers(grads))
			var staleErr *autograd.StaleTapeError
			require.ErrorAs(t, err, &staleErr)
			assert.Equal(t, h, staleErr.Handle)
			assert.Equal(t, 0, sess.Tape().Len())

			// The state of the consumed call is reused.
			h = recordForward(t, op, sess, mlpInputs(rt, 2), outputs)
			sess.Tape().Release(h)
			_, err = op.Forward(sess, mlpInputs(rt, 2), pointers(outputs))
			require.NoError(t, err)
			assert.Equal(t, 1, op.Stats().States)
		})
	}
}

func TestConcurrentRecordedCalls(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, "static_alloc=true"), rt)
	require.NoError(t, err)
	sess := autograd.NewSession()
	wantLoss, wantDx, _, _ := mlpReference(mlpX, mlpW, mlpB, 2)

	// Two recorded calls pending at the same time claim different states.
	out1, out2 := make([]tensors.Tensor, 1), make([]tensors.Tensor, 1)
	h1 := recordForward(t, op, sess, mlpInputs(rt, 2), out1)
	h2 := recordForward(t, op, sess, mlpInputs(rt, 2), out2)
	assert.Equal(t, 2, op.Stats().States)
	ograd := []tensors.Tensor{f32(rt, []float64{1})}
	for _, h := range []autograd.Handle{h2, h1} {
		grads := make([]tensors.Tensor, 3)
		require.NoError(t, op.Backward(sess, h, false, ograd, writeReqs(3), pointers(grads)))
		assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
	}

	// Concurrent inference calls.
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 5 {
				out := make([]tensors.Tensor, 1)
				if _, err := op.Forward(nil, mlpInputs(rt, 2), pointers(out)); err != nil {
					return err
				}
				got, err := tensors.Float64s(out[0])
				if err != nil {
					return err
				}
				if diff := got[0] - wantLoss; diff > 1e-4 || diff < -1e-4 {
					return errors.Errorf("got loss %g, wanted %g", got[0], wantLoss)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, op.Stats().States, 8+2)
}

func TestGradientRequests(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true", "static_alloc=true;static_shape=true;param_indices=1,2"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()
			_, wantDx, wantDw, _ := mlpReference(mlpX, mlpW, mlpB, 2)
			outputs := make([]tensors.Tensor, 1)
			ograd := []tensors.Tensor{f32(rt, []float64{1})}

			// Skip the bias gradient, accumulate into the weights gradient.
			h := recordForward(t, op, sess, mlpInputs(rt, 2), outputs)
			ones := make([]float64, len(mlpW))
			for ii := range ones {
				ones[ii] = 1
			}
			grads := []tensors.Tensor{{}, f32(rt, ones, 4, 3), {}}
			reqs := []graph.OpReq{graph.ReqWrite, graph.ReqAccumulate, graph.ReqSkip}
			require.NoError(t, op.Backward(sess, h, false, ograd, reqs, pointers(grads)))
			assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
			wantAccumulated := make([]float64, len(wantDw))
			for ii, v := range wantDw {
				wantAccumulated[ii] = v + 1
			}
			assert.InDeltaSlice(t, wantAccumulated, values(t, grads[1]), 1e-4)
			assert.True(t, grads[2].IsNone())

			// Accumulating into a none tensor is an error.
			h = recordForward(t, op, sess, mlpInputs(rt, 2), outputs)
			reqs = []graph.OpReq{graph.ReqAccumulate, graph.ReqSkip, graph.ReqSkip}
			require.Error(t, op.Backward(sess, h, true, ograd, reqs, pointers(make([]tensors.Tensor, 3))))

			// Only the data gradient.
			grads = make([]tensors.Tensor, 3)
			reqs = []graph.OpReq{graph.ReqWrite, graph.ReqSkip, graph.ReqSkip}
			require.NoError(t, op.Backward(sess, h, false, ograd, reqs, pointers(grads)))
			assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
			assert.True(t, grads[1].IsNone())
			require.NoError(t, rt.Engine.WaitForAll())
		})
	}
}

func TestErrors(t *testing.T) {
	rt := newTestRuntime()
	op, err := New(mlpGraph(), mustParseConfig(t, ""), rt)
	require.NoError(t, err)
	sess := autograd.NewSession()
	outputs := make([]tensors.Tensor, 1)

	// Wrong number of inputs and none inputs.
	inputs := mlpInputs(rt, 2)
	_, err = op.Forward(sess, inputs[:2], pointers(outputs))
	require.Error(t, err)
	_, err = op.Forward(sess, []tensors.Tensor{inputs[0], {}, inputs[2]}, pointers(outputs))
	require.ErrorContains(t, err, `"w"`)

	// Device mismatch.
	other := storage.CPU(1)
	wOther := must.M1(rt.New(inputs[1].Shape(), other))
	_, err = op.Forward(sess, []tensors.Tensor{inputs[0], wOther, inputs[2]}, pointers(outputs))
	var devErr *DeviceMismatchError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "w", devErr.Name)
	assert.Equal(t, other, devErr.Device)
	assert.Equal(t, cpu, devErr.Expected)

	// Backward while recording.
	h := recordForward(t, op, sess, inputs, outputs)
	ograd := []tensors.Tensor{f32(rt, []float64{1})}
	err = sess.Record(false, func() error {
		return op.Backward(sess, h, true, ograd, writeReqs(3), pointers(make([]tensors.Tensor, 3)))
	})
	var higherOrderErr *graph.UnsupportedHigherOrderGradientError
	require.ErrorAs(t, err, &higherOrderErr)

	// Missing output gradient, and output gradient on another device.
	err = op.Backward(sess, h, true, []tensors.Tensor{{}}, writeReqs(3), pointers(make([]tensors.Tensor, 3)))
	require.Error(t, err)
	err = op.Backward(sess, h, true, []tensors.Tensor{must.M1(rt.New(ograd[0].Shape(), other))}, writeReqs(3),
		pointers(make([]tensors.Tensor, 3)))
	require.ErrorAs(t, err, &devErr)

	// Tape entries of another CachedOp.
	op2, err := New(mlpGraph(), mustParseConfig(t, ""), rt)
	require.NoError(t, err)
	require.Error(t, op2.Backward(sess, h, true, ograd, writeReqs(3), pointers(make([]tensors.Tensor, 3))))
	require.NoError(t, op.Backward(sess, h, false, ograd, writeReqs(3), pointers(make([]tensors.Tensor, 3))))
}

func TestOutputGradientValidation(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true", "static_alloc=true;static_shape=true"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			op, err := New(mlpGraph(), mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()
			inputs := mlpInputs(rt, 2)
			_, wantDx, wantDw, wantDb := mlpReference(mlpX, mlpW, mlpB, 2)
			outputs := make([]tensors.Tensor, 1)
			grads := make([]tensors.Tensor, 3)
			h := recordForward(t, op, sess, inputs, outputs)

			// The loss is a scalar: gradients with other shapes or dtypes are rejected.
			err = op.Backward(sess, h, false, []tensors.Tensor{f32(rt, []float64{1, 1, 1}, 3)}, writeReqs(3), pointers(grads))
			var shapeErr *graph.ShapeInferenceError
			require.ErrorAs(t, err, &shapeErr)
			err = op.Backward(sess, h, false, []tensors.Tensor{must.M1(tensors.FromFlatDataAndDimensions(rt, cpu, []float64{1}))},
				writeReqs(3), pointers(grads))
			var typeErr *graph.TypeInferenceError
			require.ErrorAs(t, err, &typeErr)
			assert.Equal(t, 1, sess.Tape().Len(), "rejected calls must not consume the tape entry")
			for _, g := range grads {
				assert.True(t, g.IsNone())
			}

			ograd := f32(rt, []float64{1})
			require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{ograd}, writeReqs(3), pointers(grads)))
			assert.InDeltaSlice(t, wantDx, values(t, grads[0]), 1e-4)
			assert.InDeltaSlice(t, wantDw, values(t, grads[1]), 1e-4)
			assert.InDeltaSlice(t, wantDb, values(t, grads[2]), 1e-4)
			assert.Equal(t, 0, sess.Tape().Len())

			// The cached backward attributes only match the backward inputs they were inferred for.
			bwdInputs := []tensors.Tensor{ograd}
			for _, ii := range op.bwdInDep {
				bwdInputs = append(bwdInputs, inputs[ii])
			}
			for _, ii := range op.bwdOutDep {
				bwdInputs = append(bwdInputs, outputs[ii])
			}
			s := op.states[cpu][0]
			assert.True(t, backwardInputsMatch(s.info.fullGraph, s.info.bwdInputEIDs, bwdInputs))
			bwdInputs[0] = f32(rt, []float64{1, 1, 1}, 3)
			assert.False(t, backwardInputsMatch(s.info.fullGraph, s.info.bwdInputEIDs, bwdInputs))
			matched, _ := op.setBackwardGraph(&s.info, writeReqs(3), bwdInputs, cpu, op.Config().StaticAlloc)
			assert.False(t, matched)
		})
	}
}

func TestRepeatedOutputs(t *testing.T) {
	rt := newTestRuntime()
	x := graph.NewVariable("x").Output(0)
	y := graph.Apply("relu", "y", []graph.Entry{x})
	op, err := New([]graph.Entry{y, y, x}, mustParseConfig(t, ""), rt)
	require.NoError(t, err)
	assert.Equal(t, 3, op.NumOutputs())
	assert.Equal(t, "y_copy0", op.ForwardGraph().Outputs()[1].Node.Name())

	sess := autograd.NewSession()
	input := f32(rt, []float64{-1, 2}, 2)
	outputs := make([]tensors.Tensor, 3)
	h := recordForward(t, op, sess, []tensors.Tensor{input}, outputs)
	assert.Equal(t, []float64{0, 2}, values(t, outputs[0]))
	assert.Equal(t, []float64{0, 2}, values(t, outputs[1]))
	assert.False(t, outputs[0].SharesChunk(outputs[1]))
	assert.True(t, outputs[2].IsSame(input))

	// d/dx (relu(x) + relu(x) + 3·x) with output gradients 1, 1 and 3.
	ograds := []tensors.Tensor{f32(rt, []float64{1, 1}, 2), f32(rt, []float64{1, 1}, 2), f32(rt, []float64{3, 3}, 2)}
	grads := make([]tensors.Tensor, 1)
	require.NoError(t, op.Backward(sess, h, false, ograds, writeReqs(1), pointers(grads)))
	assert.Equal(t, []float64{3, 5}, values(t, grads[0]))
}

func TestDropoutState(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true", "static_alloc=true;static_shape=true"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			x := graph.NewVariable("x").Output(0)
			dropout := graph.Apply("Dropout", "dropout", []graph.Entry{x}, "p", "0.5", "seed", "42")
			loss := graph.Apply("sum", "loss", []graph.Entry{dropout})
			op, err := New([]graph.Entry{loss}, mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			sess := autograd.NewSession()

			data := make([]float64, 64)
			for ii := range data {
				data[ii] = float64(ii + 1)
			}
			input := f32(rt, data, 8, 8)
			ograd := []tensors.Tensor{f32(rt, []float64{1})}
			for range 2 {
				outputs := make([]tensors.Tensor, 1)
				h := recordForward(t, op, sess, []tensors.Tensor{input}, outputs)
				grads := make([]tensors.Tensor, 1)
				require.NoError(t, op.Backward(sess, h, false, ograd, writeReqs(1), pointers(grads)))

				// The gradient is the mask used by the forward call.
				mask := values(t, grads[0])
				var wantLoss float64
				numDropped := 0
				for ii, scale := range mask {
					require.Contains(t, []float64{0, 2}, scale)
					if scale == 0 {
						numDropped++
					}
					wantLoss += data[ii] * scale
				}
				assert.InDelta(t, wantLoss, values(t, outputs[0])[0], 1e-2)
				assert.Greater(t, numDropped, 0)
				assert.Less(t, numDropped, len(data))
			}

			// Outside training it is the identity.
			outputs := make([]tensors.Tensor, 1)
			var h autograd.Handle
			require.NoError(t, sess.Record(false, func() (err error) {
				h, err = op.Forward(sess, []tensors.Tensor{input}, pointers(outputs))
				return
			}))
			grads := make([]tensors.Tensor, 1)
			require.NoError(t, op.Backward(sess, h, false, ograd, writeReqs(1), pointers(grads)))
			assert.InDelta(t, 64*65/2, values(t, outputs[0])[0], 1e-2)
			for _, v := range values(t, grads[0]) {
				require.Equal(t, 1.0, v)
			}
		})
	}
}

func TestMutableInputs(t *testing.T) {
	for _, settings := range []string{"", "static_alloc=true;static_shape=true"} {
		t.Run(fmt.Sprintf("config=%q", settings), func(t *testing.T) {
			rt := newTestRuntime()
			x := graph.NewVariable("x").Output(0)
			avg := graph.NewVariable("moving_avg").Output(0)
			y := graph.Apply("MovingAverage", "ma", []graph.Entry{x, avg}, "momentum", "0.5")
			loss := graph.Apply("sum", "loss", []graph.Entry{y})
			op, err := New([]graph.Entry{loss}, mustParseConfig(t, settings), rt)
			require.NoError(t, err)
			assert.Equal(t, []int{1}, op.MutableInputs())
			assert.Equal(t, 1, op.NumGradients())
			gi, found := op.GradientIndex(0)
			assert.True(t, found)
			assert.Equal(t, 0, gi)
			_, found = op.GradientIndex(1)
			assert.False(t, found)

			sess := autograd.NewSession()
			input := f32(rt, []float64{2, 4}, 2)
			average := f32(rt, []float64{0, 0}, 2)
			outputs := make([]tensors.Tensor, 1)
			h := recordForward(t, op, sess, []tensors.Tensor{input, average}, outputs)
			assert.Equal(t, []float64{6}, values(t, outputs[0]))
			assert.Equal(t, []float64{1, 2}, values(t, average))
			grads := make([]tensors.Tensor, 1)
			require.NoError(t, op.Backward(sess, h, false, []tensors.Tensor{f32(rt, []float64{1})}, writeReqs(1), pointers(grads)))
			assert.Equal(t, []float64{1, 1}, values(t, grads[0]))

			// Inference doesn't update the average.
			_, err = op.Forward(sess, []tensors.Tensor{input, average}, pointers(outputs))
			require.NoError(t, err)
			assert.Equal(t, []float64{1, 2}, values(t, average))
		})
	}
}
