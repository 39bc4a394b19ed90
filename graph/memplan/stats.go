// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memplan

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/cachedop/graph"
	"github.com/olekukonko/tablewriter"
)

// Stats summarizes a plan.
type Stats struct {
	NumSlots   int
	SlotBytes  int64
	ByKind     map[EntryKind]int
	SkipNodes  int
	NaiveBytes int64 // Bytes needed without any sharing.
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d slots (%s, %s without sharing), %d alloc, %d inplace, %d accumulate, %d external, %d dynamic, %d noop, %d skipped nodes",
		s.NumSlots, humanize.IBytes(uint64(s.SlotBytes)), humanize.IBytes(uint64(s.NaiveBytes)),
		s.ByKind[KindAlloc], s.ByKind[KindInplace], s.ByKind[KindAccumulate], s.ByKind[KindExternal],
		s.ByKind[KindDynamic], s.ByKind[KindNoOp], s.SkipNodes)
}

// Stats returns the summary of the plan.
func (p *MemoryPlan) Stats() Stats {
	s := Stats{NumSlots: p.NumSlots(), ByKind: make(map[EntryKind]int)}
	for _, b := range p.SlotBytes {
		s.SlotBytes += b
	}
	for _, e := range p.Entries {
		s.ByKind[e.Kind]++
		if e.StorageID >= 0 && e.Bytes > 0 {
			s.NaiveBytes += e.Bytes
		}
	}
	for _, skip := range p.SkipNodes {
		if skip {
			s.SkipNodes++
		}
	}
	return s
}

// WriteTable writes one row per entry of the plan, with the producing node of each entry.
func (p *MemoryPlan) WriteTable(w io.Writer, g *graph.Graph) {
	idx := g.IndexedGraph()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Entry", "Node", "Kind", "Slot", "Bytes", "In-place of"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for eid, e := range p.Entries {
		nid := idx.EntryNodeID(eid)
		node := idx.Node(nid).Source
		name := node.String()
		if p.SkipNodes[nid] {
			name += " (skipped)"
		}
		slot := "-"
		if e.StorageID >= 0 {
			slot = strconv.Itoa(e.StorageID)
		}
		bytes := "?"
		if e.Bytes >= 0 {
			bytes = humanize.IBytes(uint64(e.Bytes))
		}
		inplace := ""
		if e.InplaceOf >= 0 {
			inplace = strconv.Itoa(e.InplaceOf)
		}
		table.Append([]string{strconv.Itoa(eid), name, e.Kind.String(), slot, bytes, inplace})
	}
	table.Render()
}
