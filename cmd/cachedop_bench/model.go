// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/gomlx/cachedop/backends/storage"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

var cpu = storage.CPU(0)

// modelFlags describe the benchmarked model and runtime.
type modelFlags struct {
	engineType  string
	parallelism int

	layers, hidden, inputDim int
	dropout                  float64
	seed                     uint64
}

// newRuntime creates the runtime with the selected engine, and the memory pool configured
// from the environment.
func (f *modelFlags) newRuntime() (*tensors.Runtime, *storage.Pool, error) {
	e, err := engine.New(engine.Config{Type: engine.Type(f.engineType), MaxParallelism: f.parallelism})
	if err != nil {
		return nil, nil, err
	}
	pool := storage.NewPool(must.M1(storage.PoolConfigFromEnv()))
	return tensors.NewRuntime(e, pool), pool, nil
}

// buildMLP returns the loss of the model: the sum of the last hidden layer.
func (f *modelFlags) buildMLP() []graph.Entry {
	h := graph.NewVariable("x").Output(0)
	for layer := range f.layers {
		w := graph.NewVariable(fmt.Sprintf("w%d", layer)).Output(0)
		b := graph.NewVariable(fmt.Sprintf("b%d", layer)).Output(0)
		h = graph.Apply("FullyConnected", fmt.Sprintf("fc%d", layer), []graph.Entry{h, w, b},
			"num_hidden", strconv.Itoa(f.hidden))
		h = graph.Apply("relu", fmt.Sprintf("relu%d", layer), []graph.Entry{h})
		if f.dropout > 0 {
			h = graph.Apply("Dropout", fmt.Sprintf("dropout%d", layer), []graph.Entry{h},
				"p", strconv.FormatFloat(f.dropout, 'g', -1, 64),
				"seed", strconv.FormatUint(f.seed+uint64(layer), 10))
		}
	}
	return []graph.Entry{graph.Apply("sum", "loss", []graph.Entry{h})}
}

// inputDims returns the dimensions of the named model input.
func (f *modelFlags) inputDims(name string, batch int) ([]int, error) {
	if name == "x" {
		return []int{batch, f.inputDim}, nil
	}
	if len(name) < 2 || (name[0] != 'w' && name[0] != 'b') {
		return nil, errors.Errorf("unknown model input %q", name)
	}
	layer, err := strconv.Atoi(name[1:])
	if err != nil || layer < 0 || layer >= f.layers {
		return nil, errors.Errorf("unknown model input %q", name)
	}
	if name[0] == 'b' {
		return []int{f.hidden}, nil
	}
	inDim := f.hidden
	if layer == 0 {
		inDim = f.inputDim
	}
	return []int{f.hidden, inDim}, nil
}

// newInputs creates random float32 values for the named inputs, in the given order.
func (f *modelFlags) newInputs(rt *tensors.Runtime, names []string, batch int) ([]tensors.Tensor, error) {
	rng := rand.New(rand.NewPCG(f.seed, f.seed+1))
	inputs := make([]tensors.Tensor, len(names))
	for ii, name := range names {
		dims, err := f.inputDims(name, batch)
		if err != nil {
			return nil, err
		}
		size := 1
		for _, d := range dims {
			size *= d
		}
		scale := float32(1)
		if !strings.HasPrefix(name, "x") {
			// Keeps activations bounded across layers.
			scale = 1 / float32(dims[len(dims)-1])
		}
		values := make([]float32, size)
		for jj := range values {
			values[jj] = scale * (2*rng.Float32() - 1)
		}
		inputs[ii], err = tensors.FromFlatDataAndDimensions(rt, cpu, values, dims...)
		if err != nil {
			return nil, err
		}
	}
	return inputs, nil
}

func pointers(ts []tensors.Tensor) []*tensors.Tensor {
	ptrs := make([]*tensors.Tensor, len(ts))
	for ii := range ts {
		ptrs[ii] = &ts[ii]
	}
	return ptrs
}
