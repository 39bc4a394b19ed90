// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/cachedop/pkg/support/sets"
)

// NodeEntry is an entry in the indexed view: (node id, output index).
type NodeEntry struct {
	NodeID int
	Index  int
}

// IndexedNode is the indexed view of one node.
type IndexedNode struct {
	Source      *Node
	Inputs      []NodeEntry
	ControlDeps []int
}

// IndexedGraph assigns dense integer ids to the nodes (in topological order, respecting data and
// control dependencies) and to the entries of a graph.
//
// Entry ids are laid out node by node: the entries of node nid are
// [EntryID(nid, 0), EntryID(nid, NumOutputs)).
type IndexedGraph struct {
	nodes             []IndexedNode
	nodeIDs           map[*Node]int
	entryRowPtr       []int
	entryNodes        []int
	inputNodes        []int
	mutableInputNodes sets.Set[int]
	outputs           []NodeEntry
}

// newIndexedGraph visits the graph in depth-first post-order, inputs first and then
// control dependencies, so for graphs whose outputs extend another graph's outputs the
// shared prefix gets the same ids.
func newIndexedGraph(outputs []Entry) (*IndexedGraph, error) {
	idx := &IndexedGraph{
		nodeIDs:           make(map[*Node]int),
		mutableInputNodes: sets.Make[int](),
	}
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[*Node]int)
	type frame struct {
		node *Node
		next int
	}
	var stack []frame
	child := func(n *Node, i int) *Node {
		if i < len(n.Inputs) {
			return n.Inputs[i].Node
		}
		return n.ControlDeps[i-len(n.Inputs)]
	}
	for ii, out := range outputs {
		if out.Node == nil {
			return nil, integrityErrorf("output #%d is a nil node", ii)
		}
		if state[out.Node] != unvisited {
			continue
		}
		state[out.Node] = visiting
		stack = append(stack, frame{node: out.Node})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			n := top.node
			if top.next < len(n.Inputs)+len(n.ControlDeps) {
				c := child(n, top.next)
				top.next++
				if c == nil {
					return nil, integrityErrorf("node %s has a nil input or control dependency", n)
				}
				switch state[c] {
				case visiting:
					return nil, integrityErrorf("cycle detected through node %s", c)
				case unvisited:
					state[c] = visiting
					stack = append(stack, frame{node: c})
				}
				continue
			}
			stack = stack[:len(stack)-1]
			state[n] = visited
			if err := idx.addNode(n); err != nil {
				return nil, err
			}
		}
	}
	for ii, out := range outputs {
		if out.Index < 0 || out.Index >= out.Node.NumOutputs() {
			return nil, integrityErrorf("output #%d refers to output %d of %s, which has %d outputs",
				ii, out.Index, out.Node, out.Node.NumOutputs())
		}
		idx.outputs = append(idx.outputs, NodeEntry{NodeID: idx.nodeIDs[out.Node], Index: out.Index})
	}
	for nid := range idx.nodes {
		src := idx.nodes[nid].Source
		if src.IsVariable() || src.Attrs.Op.MutateInputs == nil {
			continue
		}
		for _, i := range src.Attrs.Op.MutateInputs(&src.Attrs) {
			if i >= len(src.Inputs) {
				return nil, integrityErrorf("node %s mutates input %d, but has only %d inputs", src, i, len(src.Inputs))
			}
			inputID := idx.nodes[nid].Inputs[i].NodeID
			if idx.nodes[inputID].Source.IsVariable() {
				idx.mutableInputNodes.Insert(inputID)
			}
		}
	}
	return idx, nil
}

// addNode assigns the next id to n. All its inputs must already have ids.
func (idx *IndexedGraph) addNode(n *Node) error {
	nid := len(idx.nodes)
	inode := IndexedNode{Source: n}
	if !n.IsVariable() {
		if want := n.Attrs.Op.InputsCount(&n.Attrs); want != len(n.Inputs) {
			return integrityErrorf("node %s has %d inputs, operator %q takes %d", n, len(n.Inputs), n.Attrs.Op.Name, want)
		}
	} else if len(n.Inputs) > 0 {
		return integrityErrorf("variable %s cannot have inputs", n)
	}
	for _, e := range n.Inputs {
		if e.Index < 0 || e.Index >= e.Node.NumOutputs() {
			return integrityErrorf("node %s uses output %d of %s, which has %d outputs", n, e.Index, e.Node, e.Node.NumOutputs())
		}
		inode.Inputs = append(inode.Inputs, NodeEntry{NodeID: idx.nodeIDs[e.Node], Index: e.Index})
	}
	for _, dep := range n.ControlDeps {
		inode.ControlDeps = append(inode.ControlDeps, idx.nodeIDs[dep])
	}
	idx.nodes = append(idx.nodes, inode)
	idx.nodeIDs[n] = nid
	if len(idx.entryRowPtr) == 0 {
		idx.entryRowPtr = append(idx.entryRowPtr, 0)
	}
	idx.entryRowPtr = append(idx.entryRowPtr, idx.entryRowPtr[nid]+n.NumOutputs())
	for range n.NumOutputs() {
		idx.entryNodes = append(idx.entryNodes, nid)
	}
	if n.IsVariable() {
		idx.inputNodes = append(idx.inputNodes, nid)
	}
	return nil
}

// NumNodes returns the number of nodes.
func (idx *IndexedGraph) NumNodes() int { return len(idx.nodes) }

// NumNodeEntries returns the number of entries.
func (idx *IndexedGraph) NumNodeEntries() int {
	if len(idx.entryRowPtr) == 0 {
		return 0
	}
	return idx.entryRowPtr[len(idx.entryRowPtr)-1]
}

// Node returns the indexed node with the given id.
func (idx *IndexedGraph) Node(nid int) *IndexedNode { return &idx.nodes[nid] }

// EntryID returns the id of the entry (nid, index).
func (idx *IndexedGraph) EntryID(nid, index int) int { return idx.entryRowPtr[nid] + index }

// EntryIDOf returns the id of the indexed entry.
func (idx *IndexedGraph) EntryIDOf(e NodeEntry) int { return idx.entryRowPtr[e.NodeID] + e.Index }

// EntryIDFor returns the id of the entry. It returns false if the node is not part of the graph.
func (idx *IndexedGraph) EntryIDFor(e Entry) (int, bool) {
	nid, found := idx.nodeIDs[e.Node]
	if !found {
		return -1, false
	}
	return idx.entryRowPtr[nid] + e.Index, true
}

// NodeID returns the id of the node, and whether it is part of the graph.
func (idx *IndexedGraph) NodeID(n *Node) (int, bool) {
	nid, found := idx.nodeIDs[n]
	return nid, found
}

// Exist returns whether the node is part of the graph.
func (idx *IndexedGraph) Exist(n *Node) bool {
	_, found := idx.nodeIDs[n]
	return found
}

// InputNodes returns the ids of the variable nodes, in id order. The slice must not be changed.
func (idx *IndexedGraph) InputNodes() []int { return idx.inputNodes }

// MutableInputNodes returns the set of input nodes written by some operator (auxiliary states).
func (idx *IndexedGraph) MutableInputNodes() sets.Set[int] { return idx.mutableInputNodes }

// Outputs returns the graph outputs as indexed entries. The slice must not be changed.
func (idx *IndexedGraph) Outputs() []NodeEntry { return idx.outputs }

// NodeEntryRange returns the range of entry ids of the nodes in [startNode, endNode).
func (idx *IndexedGraph) NodeEntryRange(startNode, endNode int) (int, int) {
	return idx.entryRowPtr[startNode], idx.entryRowPtr[endNode]
}

// ConsumerCounts returns, for each entry, the number of (node, input position) pairs consuming
// it among the nodes in [startNode, endNode).
func (idx *IndexedGraph) ConsumerCounts(startNode, endNode int) []int {
	counts := make([]int, idx.NumNodeEntries())
	for nid := startNode; nid < endNode; nid++ {
		for _, e := range idx.nodes[nid].Inputs {
			counts[idx.EntryIDOf(e)]++
		}
	}
	return counts
}

// InputNames returns the names of the input nodes, in id order.
func (idx *IndexedGraph) InputNames() []string {
	names := make([]string, 0, len(idx.inputNodes))
	for _, nid := range idx.inputNodes {
		names = append(names, idx.nodes[nid].Source.Attrs.Name)
	}
	return names
}

// EntryNodeID returns the id of the node producing the entry.
func (idx *IndexedGraph) EntryNodeID(eid int) int { return idx.entryNodes[eid] }

// IsInputEntry returns whether the entry id belongs to an input node.
func (idx *IndexedGraph) IsInputEntry(eid int) bool {
	return idx.nodes[idx.entryNodes[eid]].Source.IsVariable()
}
