// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine implements the asynchronous, dependency-tracked task engine the executor
// pushes kernels to.
//
// Every piece of mutable data is associated with a Var. Operations declare which Vars they
// read and which they write, and the engine guarantees that, for every Var, operations are
// executed in the order they were pushed (reads after a write wait for the write, a write
// waits for all earlier reads and writes). Independent operations may run concurrently.
//
// Pushing is fire-and-forget: errors are reported through WaitForVar and WaitForAll.
package engine

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/cachedop/backends/storage"
	"github.com/pkg/errors"
)

// RunContext is passed to every operation function when it runs.
type RunContext struct {
	Device storage.Device
	Name   string
}

// Fn is the function executed by an operation.
type Fn func(ctx RunContext) error

var varIDs atomic.Uint64

// Var is an engine variable: a token that serializes the operations touching one piece of data.
type Var struct {
	id   uint64
	name string

	mu sync.Mutex
	// lastWrite is the last pushed operation writing the Var.
	lastWrite *task
	// reads pushed after lastWrite.
	reads   []*task
	deleted bool
}

// String implements fmt.Stringer.
func (v *Var) String() string {
	if v.name == "" {
		return fmt.Sprintf("var#%d", v.id)
	}
	return fmt.Sprintf("var#%d(%s)", v.id, v.name)
}

// IsDeleted returns whether DeleteVar was already executed for the variable.
func (v *Var) IsDeleted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deleted
}

// Operator is a pre-built operation that can be pushed many times.
type Operator struct {
	fn            Fn
	reads, writes []*Var
	name          string
}

// Name of the operator.
func (op *Operator) Name() string { return op.name }

// newOperator normalizes the dependency lists: duplicates are removed, and a Var that is
// both read and written is only kept as written.
func newOperator(fn Fn, reads, writes []*Var, name string) *Operator {
	op := &Operator{fn: fn, name: name}
	seen := make(map[*Var]bool, len(reads)+len(writes))
	for _, v := range writes {
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		op.writes = append(op.writes, v)
	}
	for _, v := range reads {
		if v == nil || seen[v] {
			continue
		}
		seen[v] = true
		op.reads = append(op.reads, v)
	}
	return op
}

// Engine is the interface of the asynchronous task engine.
type Engine interface {
	// NewVar creates a new variable.
	NewVar(name string) *Var

	// NewOperator pre-builds an operation.
	NewOperator(fn Fn, reads, writes []*Var, name string) *Operator

	// Push schedules the pre-built operator on the device.
	Push(op *Operator, dev storage.Device)

	// PushAsync builds and schedules an operation. Consecutive PushAsync calls may be
	// merged into one bulk operation, see SetBulkSize.
	PushAsync(fn Fn, dev storage.Device, reads, writes []*Var, name string)

	// DeleteVar schedules the deletion of the variable after all pending operations on it.
	DeleteVar(v *Var)

	// SetBulkSize sets the maximum number of PushAsync operations merged into one, and
	// returns the previous value. Values <= 1 disable bulking.
	SetBulkSize(size int) int

	// WaitForVar waits for all pushed operations touching v, and returns the first error
	// among them, or among the operations they depended on.
	WaitForVar(v *Var) error

	// WaitForAll waits for all pushed operations, and returns (and clears) the first error
	// reported since the last WaitForAll.
	WaitForAll() error

	// Stop waits for all operations. The engine should not be used afterwards.
	Stop()
}

// Type of engine implementation.
type Type string

const (
	ThreadedType Type = "threaded"
	NaiveType    Type = "naive"
)

// Config selects and configures an engine.
type Config struct {
	Type Type

	// MaxParallelism is the soft limit of operations running concurrently in the threaded engine.
	// 0 means the number of CPUs, -1 means unlimited.
	MaxParallelism int

	// BulkSize is the initial bulk size.
	BulkSize int
}

const (
	// TypeEnv selects the engine type.
	TypeEnv = "CACHEDOP_ENGINE_TYPE"

	// ParallelismEnv sets Config.MaxParallelism.
	ParallelismEnv = "CACHEDOP_ENGINE_PARALLELISM"
)

// ConfigFromEnv returns the Config set by the environment, defaulting to the threaded engine.
func ConfigFromEnv() (Config, error) {
	cfg := Config{Type: ThreadedType}
	if value := strings.TrimSpace(os.Getenv(TypeEnv)); value != "" {
		cfg.Type = Type(strings.ToLower(value))
	}
	if value := strings.TrimSpace(os.Getenv(ParallelismEnv)); value != "" {
		parallelism, err := strconv.Atoi(value)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to parse $%s=%q", ParallelismEnv, value)
		}
		cfg.MaxParallelism = parallelism
	}
	return cfg, nil
}

// New creates a new engine from the configuration.
func New(cfg Config) (Engine, error) {
	var e Engine
	switch cfg.Type {
	case ThreadedType, "":
		e = NewThreaded(cfg.MaxParallelism)
	case NaiveType:
		e = NewNaive()
	default:
		known := []string{string(ThreadedType), string(NaiveType)}
		slices.Sort(known)
		return nil, errors.Errorf("unknown engine type %q, known types are %q", cfg.Type, known)
	}
	e.SetBulkSize(cfg.BulkSize)
	return e, nil
}

// task is one pushed operation.
type task struct {
	name string
	fn   Fn
	dev  storage.Device

	// deps are cleared once the task started waiting on them, so chains of
	// tasks don't keep each other alive.
	deps []*task

	done chan struct{}
	err  error
}

func newTask(name string, fn Fn, dev storage.Device) *task {
	return &task{name: name, fn: fn, dev: dev, done: make(chan struct{})}
}

// succeeded returns whether the task already finished without error.
func (t *task) succeeded() bool {
	select {
	case <-t.done:
		return t.err == nil
	default:
		return false
	}
}

// wait for the task to finish and return its error.
func (t *task) wait() error {
	<-t.done
	return t.err
}

// linkDeps registers t into the dependency lists of its variables, collecting the tasks it
// has to wait for. Must be called in push order, serialized by the engine.
func (t *task) linkDeps(op *Operator) {
	for _, v := range op.reads {
		v.mu.Lock()
		if v.lastWrite != nil {
			t.deps = append(t.deps, v.lastWrite)
		}
		v.reads = append(slices.DeleteFunc(v.reads, (*task).succeeded), t)
		v.mu.Unlock()
	}
	for _, v := range op.writes {
		v.mu.Lock()
		if v.lastWrite != nil {
			t.deps = append(t.deps, v.lastWrite)
		}
		t.deps = append(t.deps, v.reads...)
		v.lastWrite = t
		v.reads = nil
		v.mu.Unlock()
	}
}

// pending returns the tasks to wait for to observe the final state of v.
func (v *Var) pending() []*task {
	v.mu.Lock()
	defer v.mu.Unlock()
	tasks := make([]*task, 0, len(v.reads)+1)
	if v.lastWrite != nil {
		tasks = append(tasks, v.lastWrite)
	}
	return append(tasks, v.reads...)
}

// waitTasks waits for all tasks and returns the first error.
func waitTasks(tasks []*task) error {
	var firstErr error
	for _, t := range tasks {
		if err := t.wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// run executes the task function, first checking for failed dependencies.
func (t *task) run() {
	defer close(t.done)
	for _, dep := range t.deps {
		if dep.err != nil {
			t.err = errors.WithMessagef(dep.err, "dependency of %q failed", t.name)
			return
		}
	}
	t.deps = nil
	t.err = runFn(t.fn, RunContext{Device: t.dev, Name: t.name})
}

// runFn calls fn, converting panics to errors.
func runFn(fn Fn, ctx RunContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errors.Wrapf(e, "operation %q panicked", ctx.Name)
			} else {
				err = errors.Errorf("operation %q panicked: %v", ctx.Name, r)
			}
		}
	}()
	return fn(ctx)
}
