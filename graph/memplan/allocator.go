// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memplan

import (
	"github.com/emirpasic/gods/v2/trees/redblacktree"
)

// slotAllocator hands out storage slots during the planning sweep. Released slots are kept in a
// free list ordered by size, and a request reuses a free slot whose size is within a factor
// matchRange of the requested size.
type slotAllocator struct {
	matchRange int64
	// free maps slot size to the stack of free slots of that size.
	free      *redblacktree.Tree[int64, []int]
	slotBytes []int64
}

func newSlotAllocator(matchRange int) *slotAllocator {
	return &slotAllocator{
		matchRange: int64(max(matchRange, 1)),
		free:       redblacktree.New[int64, []int](),
	}
}

// request returns a slot for bytes: a free one, preferring the smallest larger-or-equal, then the
// largest smaller one (which is grown), or a new slot.
func (a *slotAllocator) request(bytes int64) int {
	if node, found := a.free.Ceiling(bytes); found && node.Key <= bytes*a.matchRange {
		return a.take(node.Key, bytes)
	}
	if bytes > 0 {
		if node, found := a.free.Floor(bytes - 1); found && node.Key*a.matchRange >= bytes {
			return a.take(node.Key, bytes)
		}
	}
	sid := len(a.slotBytes)
	a.slotBytes = append(a.slotBytes, bytes)
	return sid
}

// take pops the most recently released slot of size key, and grows it to bytes if needed.
func (a *slotAllocator) take(key, bytes int64) int {
	stack, _ := a.free.Get(key)
	sid := stack[len(stack)-1]
	if len(stack) == 1 {
		a.free.Remove(key)
	} else {
		a.free.Put(key, stack[:len(stack)-1])
	}
	a.slotBytes[sid] = max(a.slotBytes[sid], bytes)
	return sid
}

// release returns the slot to the free list.
func (a *slotAllocator) release(sid int) {
	key := a.slotBytes[sid]
	stack, _ := a.free.Get(key)
	a.free.Put(key, append(stack, sid))
}
