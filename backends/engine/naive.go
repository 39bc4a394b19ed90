// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/cachedop/backends/storage"
)

// Naive engine runs every operation synchronously at push time.
//
// It is mostly useful for debugging and for deterministic tests. Bulk size is recorded
// but has no effect.
type Naive struct {
	mu       sync.Mutex
	bulkSize int
	firstErr error
}

var _ Engine = (*Naive)(nil)

// NewNaive creates a new naive engine.
func NewNaive() *Naive {
	return &Naive{}
}

// NewVar implements Engine.
func (e *Naive) NewVar(name string) *Var {
	return &Var{id: varIDs.Add(1), name: name}
}

// NewOperator implements Engine.
func (e *Naive) NewOperator(fn Fn, reads, writes []*Var, name string) *Operator {
	return newOperator(fn, reads, writes, name)
}

// Push implements Engine.
func (e *Naive) Push(op *Operator, dev storage.Device) {
	t := newTask(op.name, op.fn, dev)
	t.linkDeps(op)
	t.run()
	if t.err != nil {
		e.mu.Lock()
		if e.firstErr == nil {
			e.firstErr = t.err
		}
		e.mu.Unlock()
	}
}

// PushAsync implements Engine.
func (e *Naive) PushAsync(fn Fn, dev storage.Device, reads, writes []*Var, name string) {
	e.Push(newOperator(fn, reads, writes, name), dev)
}

// DeleteVar implements Engine.
func (e *Naive) DeleteVar(v *Var) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = true
}

// SetBulkSize implements Engine.
func (e *Naive) SetBulkSize(size int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.bulkSize
	e.bulkSize = size
	return prev
}

// WaitForVar implements Engine.
func (e *Naive) WaitForVar(v *Var) error {
	return waitTasks(v.pending())
}

// WaitForAll implements Engine.
func (e *Naive) WaitForAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.firstErr
	e.firstErr = nil
	return err
}

// Stop implements Engine.
func (e *Naive) Stop() {}
