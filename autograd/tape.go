// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autograd holds the recording state of imperative execution: a Session with the
// recording and training flags, and the Tape where recorded forward calls leave what their
// backward needs.
package autograd

import (
	"fmt"
	"sync"

	"github.com/gomlx/cachedop/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle identifies an entry of a Tape. Handles are never reused.
type Handle uint64

// InvalidHandle is returned when nothing was recorded.
const InvalidHandle Handle = 0

// Releaser is implemented by tape entry states that hold resources (e.g. a claimed executor
// state) to be released when the entry is destroyed.
type Releaser interface {
	Release()
}

// TapeEntry is what a recorded forward call saved for its backward.
type TapeEntry struct {
	Handle       Handle
	SavedInputs  []tensors.Tensor
	SavedOutputs []tensors.Tensor
	State        any

	releaseOnce sync.Once
}

// Release destroys the entry: its saved tensors are dropped and its state released, once.
func (e *TapeEntry) Release() {
	e.releaseOnce.Do(func() {
		if r, ok := e.State.(Releaser); ok {
			r.Release()
		}
		e.SavedInputs, e.SavedOutputs, e.State = nil, nil, nil
	})
}

// StaleTapeError is returned when popping an entry that was already consumed or never existed.
type StaleTapeError struct {
	Handle Handle
}

func (e *StaleTapeError) Error() string {
	return fmt.Sprintf("tape entry #%d was already consumed (use retain_graph to run backward more than once) or never recorded", e.Handle)
}

// Tape is a log of recorded calls. It is safe for concurrent use.
type Tape struct {
	mu      sync.Mutex
	last    Handle
	entries map[Handle]*TapeEntry
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{entries: make(map[Handle]*TapeEntry)}
}

// PushTape records an entry and returns its handle.
func (t *Tape) PushTape(savedInputs, savedOutputs []tensors.Tensor, state any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last++
	t.entries[t.last] = &TapeEntry{
		Handle:       t.last,
		SavedInputs:  savedInputs,
		SavedOutputs: savedOutputs,
		State:        state,
	}
	klog.V(2).Infof("autograd: pushed tape entry #%d (%d saved inputs, %d saved outputs)", t.last, len(savedInputs), len(savedOutputs))
	return t.last
}

// PopTape returns the entry for h. With retain the entry stays in the tape, otherwise it is
// removed and the caller owns it, and must call TapeEntry.Release when done.
//
// It returns a *StaleTapeError if the entry is not in the tape.
func (t *Tape) PopTape(h Handle, retain bool) (*TapeEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[h]
	if !found {
		return nil, errors.WithStack(&StaleTapeError{Handle: h})
	}
	if !retain {
		delete(t.entries, h)
	}
	return e, nil
}

// Release destroys the entry h, if it is still in the tape.
func (t *Tape) Release(h Handle) {
	t.mu.Lock()
	e, found := t.entries[h]
	delete(t.entries, h)
	t.mu.Unlock()
	if !found {
		klog.Warningf("autograd: releasing tape entry #%d, which is not in the tape", h)
		return
	}
	e.Release()
}

// Len returns the number of entries in the tape.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear releases all entries.
func (t *Tape) Clear() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[Handle]*TapeEntry)
	t.mu.Unlock()
	for _, e := range entries {
		e.Release()
	}
}
