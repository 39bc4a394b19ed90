// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var cpu = storage.CPU(0)

func forEachEngine(t *testing.T, testFn func(t *testing.T, e Engine)) {
	for _, cfg := range []Config{{Type: ThreadedType, MaxParallelism: 4}, {Type: NaiveType}} {
		t.Run(string(cfg.Type), func(t *testing.T) {
			e, err := New(cfg)
			require.NoError(t, err)
			defer e.Stop()
			testFn(t, e)
		})
	}
}

func TestOrderingPerVar(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		v := e.NewVar("counter")
		var mu sync.Mutex
		var got []int
		for ii := range 50 {
			e.PushAsync(func(RunContext) error {
				// Writers sleep a bit to give a chance for reordering, if it were possible.
				if ii%7 == 0 {
					time.Sleep(time.Millisecond)
				}
				mu.Lock()
				got = append(got, ii)
				mu.Unlock()
				return nil
			}, cpu, nil, []*Var{v}, "append")
		}
		require.NoError(t, e.WaitForVar(v))
		require.Len(t, got, 50)
		for ii, value := range got {
			require.Equal(t, ii, value)
		}
	})
}

func TestReadsAfterWrite(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		v := e.NewVar("data")
		var value atomic.Int64
		e.PushAsync(func(RunContext) error {
			time.Sleep(5 * time.Millisecond)
			value.Store(42)
			return nil
		}, cpu, nil, []*Var{v}, "write")
		var seen [10]int64
		for ii := range seen {
			e.PushAsync(func(RunContext) error {
				seen[ii] = value.Load()
				return nil
			}, cpu, []*Var{v}, nil, "read")
		}
		// The second write must wait for all reads.
		e.PushAsync(func(RunContext) error {
			value.Store(7)
			return nil
		}, cpu, nil, []*Var{v}, "write2")
		require.NoError(t, e.WaitForAll())
		for _, s := range seen {
			assert.Equal(t, int64(42), s)
		}
		assert.Equal(t, int64(7), value.Load())
	})
}

func TestErrorPropagation(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		a, b := e.NewVar("a"), e.NewVar("b")
		e.PushAsync(func(RunContext) error {
			return errors.New("kernel failed")
		}, cpu, nil, []*Var{a}, "bad")
		var ran atomic.Bool
		e.PushAsync(func(RunContext) error {
			ran.Store(true)
			return nil
		}, cpu, []*Var{a}, []*Var{b}, "dependent")
		err := e.WaitForVar(b)
		require.Error(t, err)
		require.Contains(t, err.Error(), "kernel failed")
		require.False(t, ran.Load())
		require.Error(t, e.WaitForAll())
		// Error is cleared after being reported.
		require.NoError(t, e.WaitForAll())
	})
}

func TestPanicsBecomeErrors(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		v := e.NewVar("p")
		e.PushAsync(func(RunContext) error {
			panic("boom")
		}, cpu, nil, []*Var{v}, "panicky")
		err := e.WaitForVar(v)
		require.Error(t, err)
		require.Contains(t, err.Error(), "boom")
		_ = e.WaitForAll()
	})
}

func TestBulk(t *testing.T) {
	e := NewThreaded(2)
	defer e.Stop()
	require.Equal(t, 0, e.SetBulkSize(4))
	v := e.NewVar("bulk")
	var count atomic.Int32
	var names []string
	var mu sync.Mutex
	for range 10 {
		e.PushAsync(func(ctx RunContext) error {
			mu.Lock()
			names = append(names, ctx.Name)
			mu.Unlock()
			count.Add(1)
			return nil
		}, cpu, []*Var{v}, []*Var{v}, "op")
	}
	require.NoError(t, e.WaitForVar(v))
	require.Equal(t, int32(10), count.Load())
	require.Equal(t, 4, e.SetBulkSize(0))
	for _, name := range names {
		require.Equal(t, "op", name)
	}
}

func TestPrebuiltOperator(t *testing.T) {
	forEachEngine(t, func(t *testing.T, e Engine) {
		v := e.NewVar("acc")
		total := 0
		op := e.NewOperator(func(RunContext) error {
			total++
			return nil
		}, []*Var{v}, []*Var{v}, "inc")
		require.Equal(t, "inc", op.Name())
		for range 20 {
			e.Push(op, cpu)
		}
		require.NoError(t, e.WaitForVar(v))
		require.Equal(t, 20, total)
		e.DeleteVar(v)
		require.NoError(t, e.WaitForAll())
		require.True(t, v.IsDeleted())
	})
}

func TestConcurrentPushes(t *testing.T) {
	e := NewThreaded(-1)
	defer e.Stop()
	vars := make([]*Var, 8)
	counters := make([]int, len(vars))
	for ii := range vars {
		vars[ii] = e.NewVar("")
	}
	var g errgroup.Group
	for ii := range vars {
		g.Go(func() error {
			for range 100 {
				e.PushAsync(func(RunContext) error {
					counters[ii]++
					return nil
				}, cpu, nil, []*Var{vars[ii]}, "inc")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, e.WaitForAll())
	for _, c := range counters {
		require.Equal(t, 100, c)
	}
}

func TestWorkersLimit(t *testing.T) {
	w := newWorkers(2)
	var maxRunning atomic.Int32
	var running atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		w.waitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	require.LessOrEqual(t, maxRunning.Load(), int32(2))
	require.Eventually(t, func() bool { return w.running() == 0 }, time.Second, time.Millisecond)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(TypeEnv, "Naive")
	t.Setenv(ParallelismEnv, "3")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, NaiveType, cfg.Type)
	require.Equal(t, 3, cfg.MaxParallelism)

	_, err = New(Config{Type: "quantum"})
	require.Error(t, err)
}
