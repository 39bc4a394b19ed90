// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/cachedop/backends/storage"
	"k8s.io/klog/v2"
)

// Threaded engine runs each operation in its own goroutine, once its dependencies are done,
// limited to a maximum parallelism.
type Threaded struct {
	workers *workers

	// pushMu serializes pushes, so dependencies are linked in push order.
	pushMu   sync.Mutex
	bulkSize int
	bulk     *pendingBulk

	pendingOps sync.WaitGroup
	errMu      sync.Mutex
	firstErr   error
}

var _ Engine = (*Threaded)(nil)

// pendingBulk accumulates PushAsync operations until they are flushed as one operator.
type pendingBulk struct {
	dev           storage.Device
	fns           []Fn
	names         []string
	reads, writes []*Var
}

// NewThreaded creates a threaded engine. maxParallelism of 0 uses the number of CPUs,
// and -1 means unlimited.
func NewThreaded(maxParallelism int) *Threaded {
	return &Threaded{workers: newWorkers(maxParallelism)}
}

// NewVar implements Engine.
func (e *Threaded) NewVar(name string) *Var {
	return &Var{id: varIDs.Add(1), name: name}
}

// NewOperator implements Engine.
func (e *Threaded) NewOperator(fn Fn, reads, writes []*Var, name string) *Operator {
	return newOperator(fn, reads, writes, name)
}

// Push implements Engine.
func (e *Threaded) Push(op *Operator, dev storage.Device) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.lockedFlush()
	e.lockedSchedule(op, dev)
}

// PushAsync implements Engine.
func (e *Threaded) PushAsync(fn Fn, dev storage.Device, reads, writes []*Var, name string) {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	if e.bulkSize <= 1 {
		e.lockedSchedule(newOperator(fn, reads, writes, name), dev)
		return
	}
	if e.bulk != nil && e.bulk.dev != dev {
		e.lockedFlush()
	}
	if e.bulk == nil {
		e.bulk = &pendingBulk{dev: dev}
	}
	b := e.bulk
	b.fns = append(b.fns, fn)
	b.names = append(b.names, name)
	b.reads = append(b.reads, reads...)
	b.writes = append(b.writes, writes...)
	if len(b.fns) >= e.bulkSize {
		e.lockedFlush()
	}
}

// lockedFlush schedules the pending bulk, if any. Must be called with pushMu held.
func (e *Threaded) lockedFlush() {
	b := e.bulk
	if b == nil {
		return
	}
	e.bulk = nil
	fns, names := b.fns, b.names
	name := names[0]
	if len(names) > 1 {
		name = "bulk(" + names[0] + ",...)"
	}
	fn := func(ctx RunContext) error {
		for ii, fn := range fns {
			ctx.Name = names[ii]
			if err := runFn(fn, ctx); err != nil {
				return err
			}
		}
		return nil
	}
	e.lockedSchedule(newOperator(fn, b.reads, b.writes, name), b.dev)
}

// lockedSchedule links the operation dependencies and starts it in the background.
func (e *Threaded) lockedSchedule(op *Operator, dev storage.Device) {
	t := newTask(op.name, op.fn, dev)
	t.linkDeps(op)
	e.pendingOps.Add(1)
	go func() {
		for _, dep := range t.deps {
			<-dep.done
		}
		e.workers.waitToStart(func() {
			defer e.pendingOps.Done()
			t.run()
			if t.err != nil {
				e.reportError(t)
			}
		})
	}()
}

func (e *Threaded) reportError(t *task) {
	klog.V(1).Infof("engine: operation %q on %s failed: %v", t.name, t.dev, t.err)
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if e.firstErr == nil {
		e.firstErr = t.err
	}
}

// DeleteVar implements Engine.
func (e *Threaded) DeleteVar(v *Var) {
	e.Push(newOperator(func(RunContext) error {
		v.mu.Lock()
		v.deleted = true
		v.mu.Unlock()
		return nil
	}, nil, []*Var{v}, "DeleteVar"), storage.CPU(0))
}

// SetBulkSize implements Engine.
func (e *Threaded) SetBulkSize(size int) int {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	prev := e.bulkSize
	if size < prev {
		e.lockedFlush()
	}
	e.bulkSize = size
	return prev
}

// Flush schedules any pending bulk operation.
func (e *Threaded) Flush() {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	e.lockedFlush()
}

// WaitForVar implements Engine.
func (e *Threaded) WaitForVar(v *Var) error {
	e.Flush()
	return waitTasks(v.pending())
}

// WaitForAll implements Engine.
func (e *Threaded) WaitForAll() error {
	e.Flush()
	e.pendingOps.Wait()
	e.errMu.Lock()
	defer e.errMu.Unlock()
	err := e.firstErr
	e.firstErr = nil
	return err
}

// Stop implements Engine.
func (e *Threaded) Stop() {
	if err := e.WaitForAll(); err != nil {
		klog.Warningf("engine stopped with pending error: %+v", err)
	}
}
