// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"runtime"
	"sync"
)

// workers limits the number of operations running concurrently.
//
// Tasks only take a worker once their dependencies are done, so a full pool never
// blocks the tasks it is waiting for.
type workers struct {
	// maxParallelism < 0 means unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

func newWorkers(maxParallelism int) *workers {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &workers{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// waitToStart blocks until a worker is available and runs the task in a new goroutine.
func (w *workers) waitToStart(task func()) {
	if w.maxParallelism < 0 {
		go task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// running returns the number of tasks currently running.
func (w *workers) running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numRunning
}
