// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cachedop/autograd"
	"github.com/gomlx/cachedop/cachedop"
	"github.com/gomlx/cachedop/graph"
	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runFlags struct {
	config      string
	iterations  int
	batch       int
	concurrency int
	train       bool
}

func newRunCmd(model *modelFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs forward (and with --train, backward) iterations and reports the executor statistics",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runBench(model, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.config, "config", "", `CachedOp configuration, e.g. "static_alloc=true;forward_bulk_size=30".`)
	f.IntVar(&flags.iterations, "iterations", 100, "Iterations run by each session.")
	f.IntVar(&flags.batch, "batch", 16, "Batch size.")
	f.IntVar(&flags.concurrency, "concurrency", 1, "Number of sessions calling the CachedOp concurrently.")
	f.BoolVar(&flags.train, "train", false, "Record the forward calls and run the backward.")
	return cmd
}

func runBench(model *modelFlags, flags *runFlags) error {
	if flags.iterations <= 0 || flags.concurrency <= 0 || flags.batch <= 0 {
		return errors.New("--iterations, --concurrency and --batch must be positive")
	}
	cfg, err := cachedop.ParseConfig(flags.config)
	if err != nil {
		return err
	}
	rt, pool, err := model.newRuntime()
	if err != nil {
		return err
	}
	defer rt.Engine.Stop()
	op, err := cachedop.New(model.buildMLP(), cfg, rt)
	if err != nil {
		return err
	}
	inputs, err := model.newInputs(rt, op.InputNames(), flags.batch)
	if err != nil {
		return err
	}
	ograd, err := tensors.FromScalarAndDimensions(rt, cpu, float32(1))
	if err != nil {
		return err
	}

	total := flags.iterations * flags.concurrency
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("CachedOp "+op.ID().String()[:8]),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("calls"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	losses := make([]float64, flags.concurrency)
	start := time.Now()
	var g errgroup.Group
	for worker := range flags.concurrency {
		g.Go(func() error {
			sess := autograd.NewSession()
			outputs := make([]tensors.Tensor, op.NumOutputs())
			grads := make([]tensors.Tensor, op.NumGradients())
			reqs := make([]graph.OpReq, op.NumGradients())
			for ii := range reqs {
				reqs[ii] = graph.ReqWrite
			}
			for range flags.iterations {
				if flags.train {
					var h autograd.Handle
					err := sess.Record(true, func() (err error) {
						h, err = op.Forward(sess, inputs, pointers(outputs))
						return
					})
					if err != nil {
						return err
					}
					if err := op.Backward(sess, h, false, []tensors.Tensor{ograd}, reqs, pointers(grads)); err != nil {
						return err
					}
				} else if _, err := op.Forward(sess, inputs, pointers(outputs)); err != nil {
					return err
				}
				_ = bar.Add(1)
			}
			loss, err := tensors.Float64s(outputs[0])
			if err != nil {
				return err
			}
			losses[worker] = loss[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := rt.Engine.WaitForAll(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)

	for worker, loss := range losses {
		// Dropout masks differ across states.
		if model.dropout == 0 && loss != losses[0] {
			return errors.Errorf("session #%d got loss %g, session #0 got %g", worker, loss, losses[0])
		}
	}

	fmt.Println(titleStyle.Render("CachedOp " + op.ID().String()))
	table := newPlainTable()
	table.Row("config", op.Config().String())
	table.Row("inputs", strings.Join(op.InputNames(), ", "))
	table.Row("calls", humanize.Comma(int64(total)))
	table.Row("time", elapsed.String())
	table.Row("time per call", (elapsed / time.Duration(total)).String())
	table.Row("loss", humanize.Ftoa(losses[0]))
	stats := op.Stats()
	table.Row("states", humanize.Comma(int64(stats.States)))
	table.Row("forward plans", humanize.Comma(int64(stats.ForwardPlans)))
	table.Row("backward plans", humanize.Comma(int64(stats.BackwardPlans)))
	table.Row("static allocations", humanize.Comma(int64(stats.StaticAllocs)))
	table.Row("bindings", humanize.Comma(int64(stats.Bindings)))
	table.Row("rebinds", humanize.Comma(int64(stats.Rebinds)))
	table.Row("memory pool", pool.Stats(cpu).String())
	fmt.Println(table.Render())
	return nil
}
