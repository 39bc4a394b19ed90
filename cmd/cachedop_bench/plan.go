// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cachedop/cachedop"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/graph/memplan"
	"github.com/gomlx/cachedop/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type planFlags struct {
	batchSizes []int
	table      bool
}

func newPlanCmd(model *modelFlags) *cobra.Command {
	flags := &planFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plans the forward memory of the model for several batch sizes, and reports the savings",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return planBench(model, flags)
		},
	}
	f := cmd.Flags()
	f.IntSliceVar(&flags.batchSizes, "batch_sizes", []int{1, 16, 128}, "Batch sizes to plan for.")
	f.BoolVar(&flags.table, "table", false, "Print the plan of every entry, for the last batch size.")
	return cmd
}

func planBench(model *modelFlags, flags *planFlags) error {
	if len(flags.batchSizes) == 0 {
		return errors.New("no --batch_sizes given")
	}
	rt, _, err := model.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Engine.Stop()
	cfg, err := cachedop.DefaultConfig()
	if err != nil {
		return err
	}
	op, err := cachedop.New(model.buildMLP(), cfg, rt)
	if err != nil {
		return err
	}

	graphs := make([]*graph.Graph, len(flags.batchSizes))
	plans := make([]*memplan.MemoryPlan, len(flags.batchSizes))
	var g errgroup.Group
	for ii, batch := range flags.batchSizes {
		g.Go(func() (err error) {
			graphs[ii], plans[ii], err = planForward(op, model, batch)
			return errors.WithMessagef(err, "batch size %d", batch)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render("Forward memory plans"))
	table := newPlainTable("Batch", "Entries", "Slots", "Planned", "Without sharing", "In-place", "Skipped nodes")
	for ii, plan := range plans {
		stats := plan.Stats()
		if stats.SlotBytes > stats.NaiveBytes {
			return errors.Errorf("batch size %d: the plan uses %d bytes, more than the %d bytes without sharing",
				flags.batchSizes[ii], stats.SlotBytes, stats.NaiveBytes)
		}
		table.Row(strconv.Itoa(flags.batchSizes[ii]), humanize.Comma(int64(len(plan.Entries))), strconv.Itoa(stats.NumSlots),
			humanize.IBytes(uint64(stats.SlotBytes)), humanize.IBytes(uint64(stats.NaiveBytes)),
			strconv.Itoa(stats.ByKind[memplan.KindInplace]), strconv.Itoa(stats.SkipNodes))
	}
	fmt.Println(table.Render())

	if flags.table {
		last := len(plans) - 1
		fmt.Println(titleStyle.Render(fmt.Sprintf("Entries for batch size %d", flags.batchSizes[last])))
		plans[last].WriteTable(os.Stdout, graphs[last])
	}
	return nil
}

// planForward infers the attributes of a copy of the forward graph for the batch size, and plans
// its memory the way an inference call does.
func planForward(op *cachedop.CachedOp, model *modelFlags, batch int) (*graph.Graph, *memplan.MemoryPlan, error) {
	g := op.ForwardGraph().Clone()
	idx := g.IndexedGraph()
	names := op.InputNames()
	shapeVec := graph.NewShapeVector(len(names))
	dtypeVec := graph.NewDTypeVector(len(names))
	stypeVec := graph.NewStorageTypeVector(len(names))
	for ii, name := range names {
		dims, err := model.inputDims(name, batch)
		if err != nil {
			return nil, nil, err
		}
		shapeVec[ii] = shapes.Make(dtypes.Float32, dims...)
		dtypeVec[ii] = dtypes.Float32
		stypeVec[ii] = shapes.DefaultStorage
	}
	if _, err := graph.CheckAndInferShape(g, shapeVec, true, false, graph.InferRange{}); err != nil {
		return nil, nil, err
	}
	if _, err := graph.CheckAndInferType(g, dtypeVec, true, false, graph.InferRange{}); err != nil {
		return nil, nil, err
	}
	if _, err := graph.CheckAndInferStorageType(g, cpu, stypeVec, true, false, graph.InferRange{}); err != nil {
		return nil, nil, err
	}

	refCount := idx.ConsumerCounts(0, idx.NumNodes())
	hints := memplan.NewStorageVector(idx.NumNodeEntries())
	for _, nid := range idx.InputNodes() {
		eid := idx.EntryID(nid, 0)
		refCount[eid]++
		hints[eid] = memplan.ExternalStorageID
	}
	for _, e := range idx.Outputs() {
		refCount[idx.EntryIDOf(e)]++
	}
	plan, err := memplan.PlanMemory(g, hints, refCount, memplan.Options{})
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("batch size %d: %s", batch, plan.Stats())
	return g, plan, nil
}
