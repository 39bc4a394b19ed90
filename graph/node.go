// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NodeAttrs are the attributes of a node: its operator, name and the (ordered) dictionary of
// operator parameters.
type NodeAttrs struct {
	// Op is nil for variables (graph inputs).
	Op   *OpDef
	Name string

	// Dict holds the operator parameters as strings, in insertion order.
	Dict *orderedmap.OrderedMap[string, string]

	// Parsed holds the parameters parsed by OpDef.ParseAttrs, if defined.
	Parsed any
}

// Get returns the value of the parameter key, and whether it was set.
func (a *NodeAttrs) Get(key string) (string, bool) {
	if a.Dict == nil {
		return "", false
	}
	return a.Dict.Get(key)
}

// Int returns the parameter key parsed as an int, or defaultValue if it is not set.
func (a *NodeAttrs) Int(key string, defaultValue int) (int, error) {
	value, found := a.Get(key)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "node %q: parameter %q=%q is not an int", a.Name, key, value)
	}
	return v, nil
}

// Float returns the parameter key parsed as a float64, or defaultValue if it is not set.
func (a *NodeAttrs) Float(key string, defaultValue float64) (float64, error) {
	value, found := a.Get(key)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "node %q: parameter %q=%q is not a float", a.Name, key, value)
	}
	return v, nil
}

// Bool returns the parameter key parsed as a bool, or defaultValue if it is not set.
// It accepts the usual Go spellings plus "True"/"False".
func (a *NodeAttrs) Bool(key string, defaultValue bool) (bool, error) {
	value, found := a.Get(key)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(value))
	if err != nil {
		return false, errors.Wrapf(err, "node %q: parameter %q=%q is not a bool", a.Name, key, value)
	}
	return v, nil
}

// Node of a graph. Nodes are shared among graphs: the forward graph, the gradient graph and the
// full graph all point to the same forward nodes.
type Node struct {
	Attrs       NodeAttrs
	Inputs      []Entry
	ControlDeps []*Node
}

// Entry is one output of a node: the edges of the graph.
type Entry struct {
	Node  *Node
	Index int
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	if e.Node == nil {
		return "Entry(nil)"
	}
	return fmt.Sprintf("%s[%d]", e.Node.Attrs.Name, e.Index)
}

// IsVariable returns whether the node is a graph input.
func (n *Node) IsVariable() bool { return n.Attrs.Op == nil }

// Op returns the node operator, nil for variables.
func (n *Node) Op() *OpDef { return n.Attrs.Op }

// Name of the node.
func (n *Node) Name() string { return n.Attrs.Name }

// NumOutputs returns the number of outputs of the node. Variables have one.
func (n *Node) NumOutputs() int {
	if n.IsVariable() {
		return 1
	}
	return n.Attrs.Op.OutputsCount(&n.Attrs)
}

// Output returns the entry of the i-th output of the node.
func (n *Node) Output(i int) Entry {
	return Entry{Node: n, Index: i}
}

// Outputs returns the entries of all outputs of the node.
func (n *Node) Outputs() []Entry {
	entries := make([]Entry, n.NumOutputs())
	for ii := range entries {
		entries[ii] = Entry{Node: n, Index: ii}
	}
	return entries
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.IsVariable() {
		return fmt.Sprintf("Variable(%q)", n.Attrs.Name)
	}
	return fmt.Sprintf("%s(%q)", n.Attrs.Op.Name, n.Attrs.Name)
}

// NewVariable creates a graph input node.
func NewVariable(name string) *Node {
	return &Node{Attrs: NodeAttrs{Name: name, Dict: orderedmap.New[string, string]()}}
}

// NewNode creates a node for the registered operator opName, with the given parameters as
// key/value pairs.
//
// It returns an error if the operator is not registered, the parameters are malformed,
// or the operator fails to parse them.
func NewNode(opName, name string, inputs []Entry, params ...string) (*Node, error) {
	op, found := LookupOp(opName)
	if !found {
		return nil, errors.Errorf("NewNode(%q): operator %q not registered", name, opName)
	}
	if len(params)%2 != 0 {
		return nil, errors.Errorf("NewNode(%q): parameters must be given as key/value pairs, got %d values",
			name, len(params))
	}
	dict := orderedmap.New[string, string]()
	for ii := 0; ii < len(params); ii += 2 {
		dict.Set(params[ii], params[ii+1])
	}
	return newNodeWithDict(op, name, inputs, dict)
}

func newNodeWithDict(op *OpDef, name string, inputs []Entry, dict *orderedmap.OrderedMap[string, string]) (*Node, error) {
	n := &Node{
		Attrs:  NodeAttrs{Op: op, Name: name, Dict: dict},
		Inputs: inputs,
	}
	if op.ParseAttrs != nil {
		parsed, err := op.ParseAttrs(&n.Attrs)
		if err != nil {
			return nil, errors.WithMessagef(err, "NewNode(%q): failed to parse parameters of %s", name, op.Name)
		}
		n.Attrs.Parsed = parsed
	}
	return n, nil
}

// MustNewNode is like NewNode, but panics (with an error) on failure.
// It is meant for gradient rules and other graph construction code.
func MustNewNode(opName, name string, inputs []Entry, params ...string) *Node {
	n, err := NewNode(opName, name, inputs, params...)
	if err != nil {
		panic(err)
	}
	return n
}

// Apply creates a single output node and returns its entry. It panics on errors.
func Apply(opName, name string, inputs []Entry, params ...string) Entry {
	return MustNewNode(opName, name, inputs, params...).Output(0)
}

// MakeGradNode creates the backward node of the forward node fwd: it has a control dependency on
// fwd and inherits its parameters. It returns all outputs of the new node. It panics on errors.
func MakeGradNode(opName string, fwd *Node, inputs []Entry) []Entry {
	op, found := LookupOp(opName)
	if !found {
		exceptions.Panicf("MakeGradNode: operator %q not registered", opName)
	}
	dict := orderedmap.New[string, string]()
	if fwd.Attrs.Dict != nil {
		for pair := fwd.Attrs.Dict.Oldest(); pair != nil; pair = pair.Next() {
			dict.Set(pair.Key, pair.Value)
		}
	}
	n, err := newNodeWithDict(op, fwd.Attrs.Name+"_backward", inputs, dict)
	if err != nil {
		panic(err)
	}
	n.ControlDeps = []*Node{fwd}
	return n.Outputs()
}

// NoGradient returns an entry of the _NoGradient marker, used by gradient rules for inputs that
// have no gradient.
func NoGradient() Entry {
	return Entry{Node: &Node{Attrs: NodeAttrs{Op: noGradientOp, Name: NoGradientOpName}}}
}

// IsNoGradient returns whether the entry is the _NoGradient marker.
func IsNoGradient(e Entry) bool {
	return e.Node != nil && e.Node.Attrs.Op == noGradientOp
}
