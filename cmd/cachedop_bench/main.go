// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// cachedop_bench runs and inspects cached graph executors over a multi-layer perceptron.
//
// Examples:
//
//	cachedop_bench run --config="static_alloc=true;static_shape=true;param_indices=1,2" --train --iterations=1000
//	cachedop_bench run --concurrency=4 --engine=naive
//	cachedop_bench plan --batch_sizes=1,16,128 --table
//
// klog flags (e.g. -v=2) are accepted by all commands.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/cachedop/backends/engine"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	model := &modelFlags{}
	root := &cobra.Command{
		Use:          "cachedop_bench",
		Short:        "Runs and inspects cached graph executors over a multi-layer perceptron",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	pf := root.PersistentFlags()
	pf.StringVar(&model.engineType, "engine", string(engine.ThreadedType), "Engine type: threaded or naive.")
	pf.IntVar(&model.parallelism, "parallelism", 0, "Max parallelism of the threaded engine, 0 for the number of CPUs.")
	pf.IntVar(&model.layers, "layers", 3, "Number of hidden layers.")
	pf.IntVar(&model.hidden, "hidden", 64, "Number of units of each hidden layer.")
	pf.IntVar(&model.inputDim, "input_dim", 32, "Number of input features.")
	pf.Float64Var(&model.dropout, "dropout", 0, "Dropout probability after each hidden layer, 0 to disable.")
	pf.Uint64Var(&model.seed, "seed", 42, "Seed of the random weights and dropout masks.")
	root.AddCommand(newRunCmd(model), newPlanCmd(model))
	return root
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	if err := newRootCmd().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
